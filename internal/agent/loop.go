package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fieldline/courier/internal/conversation"
	"github.com/fieldline/courier/internal/observability"
	"github.com/fieldline/courier/pkg/models"
)

// Loop defaults.
const (
	// DefaultMaxIterations bounds reason/act cycles per turn. Hitting the
	// ceiling is not an error: the turn resolves to a clarification reply.
	DefaultMaxIterations = 8

	// DefaultHistoryLimit bounds the transcript window sent to the engine.
	DefaultHistoryLimit = 50

	// DefaultMaxToolCallsPerTurn bounds total dispatches across all
	// iterations of one turn.
	DefaultMaxToolCallsPerTurn = 24
)

// defaultClarification is the reply persisted when a turn exhausts its
// iteration budget without the engine producing a final answer.
const defaultClarification = "I wasn't able to finish working through that request. " +
	"Could you restate it, or break it into smaller steps?"

// LoopConfig configures the orchestration loop.
type LoopConfig struct {
	// MaxIterations is the reason/act ceiling per turn.
	MaxIterations int

	// MaxToolCallsPerTurn bounds total tool dispatches in one turn.
	MaxToolCallsPerTurn int

	// HistoryLimit is the maximum transcript messages sent to the engine.
	HistoryLimit int

	// SystemPrompt establishes agent behavior for every engine request.
	SystemPrompt string

	// MaxTokens limits engine response length. Zero means engine default.
	MaxTokens int

	// Clarification overrides the reply used when the iteration ceiling is
	// hit.
	Clarification string
}

func (c *LoopConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.MaxToolCallsPerTurn <= 0 {
		c.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.Clarification == "" {
		c.Clarification = defaultClarification
	}
}

// Reply is the outcome of a completed turn.
type Reply struct {
	// ConversationID is the conversation the turn ran in.
	ConversationID string `json:"conversation_id"`

	// Text is the assistant's final reply.
	Text string `json:"text"`

	// Clarification is set when the reply is the iteration-ceiling fallback
	// rather than an engine answer.
	Clarification bool `json:"clarification,omitempty"`

	// Iterations is the number of reason/act cycles the turn consumed.
	Iterations int `json:"iterations"`

	// Invocations summarizes the tool dispatches made during the turn, in
	// execution order.
	Invocations []Invocation `json:"invocations,omitempty"`
}

// Invocation is a per-dispatch summary surfaced to callers (gateway, CLI).
type Invocation struct {
	Tool      string          `json:"tool"`
	Class     SideEffectClass `json:"class"`
	IsError   bool            `json:"is_error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// Loop drives conversation turns: it relays transcripts to the reasoning
// engine, dispatches proposed tool calls through the registry, and records
// everything into the conversation store.
//
// Turns for the same conversation are strictly serialized; a second turn
// started while one is running fails fast with ErrTurnInProgress.
type Loop struct {
	engine   ReasoningEngine
	registry *Registry
	store    conversation.Store
	cfg      LoopConfig

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLogger configures the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger.With("component", "loop")
		}
	}
}

// WithMetrics configures turn metrics.
func WithMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoop creates a Loop.
func NewLoop(engine ReasoningEngine, registry *Registry, store conversation.Store, cfg LoopConfig, opts ...LoopOption) *Loop {
	cfg.applyDefaults()
	l := &Loop{
		engine:   engine,
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   slog.Default().With("component", "loop"),
		now:      time.Now,
		active:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunTurn executes one full conversation turn and returns the assistant reply.
//
// The turn is atomic from the caller's perspective: the user message, every
// intermediate assistant and tool message, and the final reply are persisted
// before RunTurn returns. Tool failures surface as observations inside the
// turn, never as a RunTurn error.
func (l *Loop) RunTurn(ctx context.Context, conversationID, userMessage string) (*Reply, error) {
	if l.engine == nil {
		return nil, ErrNoEngine
	}
	if conversationID == "" {
		return nil, &LoopError{Phase: PhaseInit, Cause: fmt.Errorf("conversation id is empty")}
	}
	if !l.acquire(conversationID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrTurnInProgress)
	}
	defer l.release(conversationID)

	ctx = ContextWithConversationID(ctx, conversationID)
	ctx, span := observability.StartTurnSpan(ctx, conversationID)
	defer span.End()

	start := l.now()
	reply, err := l.runTurn(ctx, conversationID, userMessage)
	if err != nil {
		span.RecordError(err)
		l.metrics.ObserveTurn("error", 0, l.now().Sub(start))
		return nil, err
	}

	outcome := "answered"
	if reply.Clarification {
		outcome = "clarification"
	}
	l.metrics.ObserveTurn(outcome, reply.Iterations, l.now().Sub(start))
	return reply, nil
}

func (l *Loop) runTurn(ctx context.Context, conversationID, userMessage string) (*Reply, error) {
	userMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        userMessage,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.store.Append(ctx, userMsg); err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: fmt.Errorf("append user message: %w", err)}
	}

	history, err := l.store.History(ctx, conversationID, l.cfg.HistoryLimit)
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: fmt.Errorf("load history: %w", err)}
	}

	specs := l.registry.Specs()
	reply := &Reply{ConversationID: conversationID}
	dispatched := 0

	for iteration := 1; iteration <= l.cfg.MaxIterations; iteration++ {
		reply.Iterations = iteration

		proposal, err := l.propose(ctx, history, specs)
		if err != nil {
			return nil, &LoopError{Phase: PhasePropose, Iteration: iteration, Cause: err}
		}

		assistantMsg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleAssistant,
			Content:        proposal.Answer,
			ToolCalls:      proposal.ToolCalls,
			CreatedAt:      l.now().UTC(),
		}
		if err := l.store.Append(ctx, assistantMsg); err != nil {
			return nil, &LoopError{Phase: PhasePropose, Iteration: iteration, Cause: fmt.Errorf("append assistant message: %w", err)}
		}
		history = append(history, assistantMsg)

		if len(proposal.ToolCalls) == 0 {
			reply.Text = proposal.Answer
			l.logger.Info("turn complete",
				"conversation_id", conversationID,
				"iterations", iteration,
				"dispatches", dispatched,
			)
			return reply, nil
		}

		results := make([]models.ToolResult, 0, len(proposal.ToolCalls))
		for _, call := range proposal.ToolCalls {
			if dispatched >= l.cfg.MaxToolCallsPerTurn {
				results = append(results, models.ToolResult{
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("tool call budget for this turn (%d) exhausted", l.cfg.MaxToolCallsPerTurn),
					IsError:    true,
					ErrorKind:  KindValidation,
				})
				continue
			}
			dispatched++
			res := l.registry.Dispatch(ctx, call)
			results = append(results, res)

			inv := Invocation{Tool: call.Name, IsError: res.IsError, ErrorKind: res.ErrorKind}
			if h, ok := l.registry.Get(call.Name); ok {
				inv.Class = h.Class()
			}
			reply.Invocations = append(reply.Invocations, inv)
		}

		toolMsg := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			Role:           models.RoleTool,
			ToolResults:    results,
			CreatedAt:      l.now().UTC(),
		}
		if err := l.store.Append(ctx, toolMsg); err != nil {
			return nil, &LoopError{Phase: PhaseDispatch, Iteration: iteration, Cause: fmt.Errorf("append tool message: %w", err)}
		}
		history = append(history, toolMsg)
	}

	// Ceiling reached. The turn still resolves: persist a clarification
	// reply so the transcript stays coherent for the next turn.
	reply.Clarification = true
	reply.Text = l.cfg.Clarification
	clarifyMsg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        reply.Text,
		CreatedAt:      l.now().UTC(),
	}
	if err := l.store.Append(ctx, clarifyMsg); err != nil {
		return nil, &LoopError{Phase: PhaseComplete, Iteration: reply.Iterations, Cause: fmt.Errorf("append clarification: %w", err)}
	}
	l.logger.Warn("iteration ceiling reached",
		"conversation_id", conversationID,
		"max_iterations", l.cfg.MaxIterations,
		"dispatches", dispatched,
	)
	return reply, nil
}

func (l *Loop) propose(ctx context.Context, history []models.Message, specs []ToolSpec) (*Proposal, error) {
	start := l.now()
	proposal, err := l.engine.Propose(ctx, &ProposeRequest{
		System:    l.cfg.SystemPrompt,
		Messages:  history,
		Tools:     specs,
		MaxTokens: l.cfg.MaxTokens,
	})
	l.metrics.ObserveEngine(l.engine.Name(), err == nil, l.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", l.engine.Name(), err)
	}
	if proposal == nil {
		return nil, fmt.Errorf("engine %s returned nil proposal", l.engine.Name())
	}
	return proposal, nil
}

func (l *Loop) acquire(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[conversationID]; busy {
		return false
	}
	l.active[conversationID] = struct{}{}
	return true
}

func (l *Loop) release(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.active, conversationID)
}
