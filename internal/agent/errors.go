package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for loop operations.
var (
	// ErrNoEngine indicates no reasoning engine is configured.
	ErrNoEngine = errors.New("no reasoning engine configured")

	// ErrTurnInProgress indicates a turn is already running for the
	// conversation. Turns for the same conversation are never interleaved.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrMaxIterations indicates the loop hit its iteration ceiling.
	ErrMaxIterations = errors.New("max iterations exceeded")
)

// Error kinds recorded on tool observations. These are the wire names the
// reasoning engine sees; it uses them to decide whether reissuing a call is
// worthwhile.
const (
	KindValidation = "validation"
	KindTimeout    = "timeout"
	KindTransient  = "transient"
	KindPermanent  = "permanent"
)

// ValidationError reports tool arguments that failed schema validation or a
// call to an unregistered tool. The handler is never invoked; no side effect
// is attempted.
type ValidationError struct {
	ToolName string
	Cause    error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid arguments for %s: %v", e.ToolName, e.Cause)
	}
	return "invalid arguments for " + e.ToolName
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// ToolError is a structured dispatch failure.
type ToolError struct {
	// Kind is one of KindTimeout, KindTransient, KindPermanent.
	Kind string

	// ToolName is the tool that failed.
	ToolName string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error.
	Cause error
}

func (e *ToolError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return fmt.Sprintf("[tool:%s] %s: %s", e.Kind, e.ToolName, msg)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// Transient reports whether retrying the dispatch may succeed.
func (e *ToolError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindTransient
}

// transienter lets lower layers (email provider, index) mark their own errors
// without importing this package.
type transienter interface {
	Transient() bool
}

// permanenter marks errors that will not succeed on retry.
type permanenter interface {
	Permanent() bool
}

// classifyError maps a handler error to an observation kind.
func classifyError(err error) string {
	if err == nil {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var t transienter
	if errors.As(err, &t) && t.Transient() {
		return KindTransient
	}
	var p permanenter
	if errors.As(err, &p) && p.Permanent() {
		return KindPermanent
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "refused"):
		return KindTransient
	default:
		return KindPermanent
	}
}

// LoopError reports a turn failure with the phase and iteration it occurred in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }

// LoopPhase is a distinct phase in the turn lifecycle.
type LoopPhase string

const (
	PhaseInit     LoopPhase = "init"
	PhasePropose  LoopPhase = "propose"
	PhaseDispatch LoopPhase = "dispatch"
	PhaseComplete LoopPhase = "complete"
)
