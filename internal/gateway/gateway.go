// Package gateway exposes the agent over HTTP: conversation turns, transcript
// reads, draft inspection, and scheduled-action management, plus health and
// metrics endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/conversation"
	"github.com/fieldline/courier/internal/draft"
	"github.com/fieldline/courier/internal/schedule"
)

// turnTimeout bounds one HTTP-driven turn end to end.
const turnTimeout = 5 * time.Minute

// Server wires the HTTP surface.
type Server struct {
	loop          *agent.Loop
	conversations conversation.Store
	drafts        draft.Cache
	scheduled     schedule.Store
	logger        *slog.Logger
}

// New creates the gateway server.
func New(loop *agent.Loop, conversations conversation.Store, drafts draft.Cache, scheduled schedule.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		loop:          loop,
		conversations: conversations,
		drafts:        drafts,
		scheduled:     scheduled,
		logger:        logger.With("component", "gateway"),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/conversations", s.handleListConversations)
		r.Post("/conversations/{conversationID}/messages", s.handleTurn)
		r.Get("/conversations/{conversationID}/messages", s.handleHistory)
		r.Get("/conversations/{conversationID}/draft", s.handleGetDraft)
		r.Delete("/conversations/{conversationID}/draft", s.handleDiscardDraft)

		r.Get("/scheduled", s.handleListScheduled)
		r.Get("/scheduled/{actionID}", s.handleGetScheduled)
		r.Delete("/scheduled/{actionID}", s.handleCancelScheduled)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), turnTimeout)
	defer cancel()

	reply, err := s.loop.RunTurn(ctx, conversationID, req.Message)
	if err != nil {
		if errors.Is(err, agent.ErrTurnInProgress) {
			writeError(w, http.StatusConflict, "a turn is already running for this conversation")
			return
		}
		s.logger.Error("turn failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "turn failed")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	msgs, err := s.conversations.History(r.Context(), conversationID, 0)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.logger.Error("history read failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.conversations.List(r.Context())
	if err != nil {
		s.logger.Error("conversation list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list conversations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	d, err := s.drafts.Get(r.Context(), conversationID)
	switch {
	case errors.Is(err, draft.ErrNoPendingDraft):
		writeError(w, http.StatusNotFound, "no pending draft")
	case errors.Is(err, draft.ErrDraftExpired):
		writeError(w, http.StatusGone, "draft expired")
	case err != nil:
		s.logger.Error("draft read failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read draft")
	default:
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) handleDiscardDraft(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	// Idempotent: deleting a draft that is not there is still a success.
	if _, err := s.drafts.Discard(r.Context(), conversationID); err != nil {
		s.logger.Error("draft discard failed", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not discard draft")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListScheduled(w http.ResponseWriter, r *http.Request) {
	filter := schedule.Filter{ConversationID: r.URL.Query().Get("conversation_id")}
	actions, err := s.scheduled.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("scheduled list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list scheduled actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleGetScheduled(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	a, err := s.scheduled.Get(r.Context(), actionID)
	if errors.Is(err, schedule.ErrNotFound) {
		writeError(w, http.StatusNotFound, "scheduled action not found")
		return
	}
	if err != nil {
		s.logger.Error("scheduled read failed", "action_id", actionID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not read scheduled action")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCancelScheduled(w http.ResponseWriter, r *http.Request) {
	actionID := chi.URLParam(r, "actionID")
	err := s.scheduled.Cancel(r.Context(), actionID)
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		writeError(w, http.StatusNotFound, "scheduled action not found")
	case errors.Is(err, schedule.ErrNotCancellable):
		writeError(w, http.StatusConflict, "action is no longer cancellable")
	case err != nil:
		s.logger.Error("scheduled cancel failed", "action_id", actionID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not cancel scheduled action")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
