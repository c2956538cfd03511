package engines

import (
	"context"
	"sync"

	"github.com/fieldline/courier/internal/agent"
)

// Scripted is a deterministic engine that plays back queued proposals in
// order. Used in tests and for exercising the loop without network access.
type Scripted struct {
	mu        sync.Mutex
	proposals []*agent.Proposal
	requests  []*agent.ProposeRequest

	// Fallback is returned when the script runs out. Nil means an empty
	// final answer.
	Fallback *agent.Proposal
}

// NewScripted creates an engine that will return the given proposals in order.
func NewScripted(proposals ...*agent.Proposal) *Scripted {
	return &Scripted{proposals: proposals}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Propose(ctx context.Context, req *agent.ProposeRequest) (*agent.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.proposals) == 0 {
		if s.Fallback != nil {
			return s.Fallback, nil
		}
		return &agent.Proposal{Answer: ""}, nil
	}
	next := s.proposals[0]
	s.proposals = s.proposals[1:]
	return next, nil
}

// Requests returns every ProposeRequest seen, in order.
func (s *Scripted) Requests() []*agent.ProposeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*agent.ProposeRequest, len(s.requests))
	copy(out, s.requests)
	return out
}
