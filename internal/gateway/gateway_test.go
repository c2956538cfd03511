package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/agent/engines"
	"github.com/fieldline/courier/internal/conversation"
	"github.com/fieldline/courier/internal/draft"
	"github.com/fieldline/courier/internal/schedule"
)

type fixture struct {
	server    *httptest.Server
	store     *conversation.MemoryStore
	drafts    *draft.MemoryCache
	scheduled *schedule.MemoryStore
}

func newFixture(t *testing.T, engine agent.ReasoningEngine) *fixture {
	t.Helper()
	f := &fixture{
		store:     conversation.NewMemoryStore(),
		drafts:    draft.NewMemoryCache(),
		scheduled: schedule.NewMemoryStore(),
	}
	loop := agent.NewLoop(engine, agent.NewRegistry(), f.store, agent.LoopConfig{})
	s := New(loop, f.store, f.drafts, f.scheduled, nil)
	f.server = httptest.NewServer(s.Router())
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (f *fixture) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, f.server.URL+path, nil)
	if err != nil {
		t.Fatalf("build DELETE %s: %v", path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, engines.NewScripted())
	resp := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTurnRoundTrip(t *testing.T) {
	engine := engines.NewScripted(&agent.Proposal{Answer: "hello from the agent"})
	f := newFixture(t, engine)

	resp := f.post(t, "/v1/conversations/conv-1/messages", `{"message": "hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var reply struct {
		Text string `json:"text"`
	}
	decodeBody(t, resp, &reply)
	if reply.Text != "hello from the agent" {
		t.Fatalf("text = %q", reply.Text)
	}

	// The transcript is readable afterwards.
	resp = f.get(t, "/v1/conversations/conv-1/messages")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	var history struct {
		Messages []json.RawMessage `json:"messages"`
	}
	decodeBody(t, resp, &history)
	if len(history.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(history.Messages))
	}
}

func TestTurnValidation(t *testing.T) {
	f := newFixture(t, engines.NewScripted())

	resp := f.post(t, "/v1/conversations/conv-1/messages", `{"message": ""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty message status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.post(t, "/v1/conversations/conv-1/messages", `not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestHistoryNotFound(t *testing.T) {
	f := newFixture(t, engines.NewScripted())
	resp := f.get(t, "/v1/conversations/nope/messages")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDraftEndpoints(t *testing.T) {
	f := newFixture(t, engines.NewScripted())

	resp := f.get(t, "/v1/conversations/conv-1/draft")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("empty draft status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	_, err := f.drafts.Stage(context.Background(), draft.Draft{
		ID:             "d-1",
		ConversationID: "conv-1",
		To:             []string{"bob@example.com"},
		Subject:        "Hi",
		Body:           "Hello",
	})
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	resp = f.get(t, "/v1/conversations/conv-1/draft")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("draft status = %d", resp.StatusCode)
	}
	var d draft.Draft
	decodeBody(t, resp, &d)
	if d.ID != "d-1" {
		t.Fatalf("draft = %+v", d)
	}

	resp = f.delete(t, "/v1/conversations/conv-1/draft")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("discard status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	// Discard is idempotent: deleting again still succeeds.
	resp = f.delete(t, "/v1/conversations/conv-1/draft")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second discard status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestScheduledEndpoints(t *testing.T) {
	f := newFixture(t, engines.NewScripted())
	ctx := context.Background()

	a := &schedule.Action{
		ID:             "act-1",
		ConversationID: "conv-1",
		Kind:           schedule.KindSendEmail,
		Payload:        json.RawMessage(`{}`),
		RunAt:          time.Now().Add(time.Hour),
	}
	if err := f.scheduled.Enqueue(ctx, a); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	resp := f.get(t, "/v1/scheduled?conversation_id=conv-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var list struct {
		Actions []schedule.Action `json:"actions"`
	}
	decodeBody(t, resp, &list)
	if len(list.Actions) != 1 || list.Actions[0].ID != "act-1" {
		t.Fatalf("actions = %+v", list.Actions)
	}

	resp = f.get(t, "/v1/scheduled/act-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.delete(t, "/v1/scheduled/act-1")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel status = %d, want 204", resp.StatusCode)
	}
	resp.Body.Close()

	// Cancelled actions cannot be cancelled again.
	resp = f.delete(t, "/v1/scheduled/act-1")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp = f.delete(t, "/v1/scheduled/missing")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing cancel status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestConcurrentTurnConflict(t *testing.T) {
	engine := &blockingEngine{
		inner:   engines.NewScripted(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, engine)

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp := f.post(t, "/v1/conversations/conv-1/messages", `{"message": "first"}`)
		resp.Body.Close()
	}()

	// Once the first turn reaches the engine it holds the conversation.
	select {
	case <-engine.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first turn never reached the engine")
	}

	resp := f.post(t, "/v1/conversations/conv-1/messages", `{"message": "second"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	close(engine.release)
	<-done
}

// blockingEngine holds Propose open until released, so a turn stays in
// progress long enough to collide with.
type blockingEngine struct {
	inner     *engines.Scripted
	startOnce sync.Once
	started   chan struct{}
	release   chan struct{}
}

func (e *blockingEngine) Name() string { return "blocking" }

func (e *blockingEngine) Propose(ctx context.Context, req *agent.ProposeRequest) (*agent.Proposal, error) {
	e.startOnce.Do(func() { close(e.started) })
	select {
	case <-e.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.inner.Propose(ctx, req)
}
