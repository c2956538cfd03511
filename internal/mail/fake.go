package mail

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake is an in-memory Provider for tests and offline development.
type Fake struct {
	mu       sync.Mutex
	byID     map[string]*fakeMessage
	threads  map[string][]*fakeMessage
	sent     []Outbound
	sentKeys map[string]SendResult
	nextID   int

	// FailSends, when non-nil, is returned by Send. Lets tests exercise
	// retry classification.
	FailSends error
}

type fakeMessage struct {
	Summary
	Body string
}

// NewFake creates an empty fake mailbox.
func NewFake() *Fake {
	return &Fake{
		byID:     make(map[string]*fakeMessage),
		threads:  make(map[string][]*fakeMessage),
		sentKeys: make(map[string]SendResult),
	}
}

// Seed adds an inbound message and returns its ID.
func (f *Fake) Seed(from, subject, body string, date time.Time, unread bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	threadID := "thread-" + id
	labels := []string{"INBOX"}
	if unread {
		labels = append(labels, "UNREAD")
	}
	m := &fakeMessage{
		Summary: Summary{
			ID:       id,
			ThreadID: threadID,
			From:     from,
			Subject:  subject,
			Snippet:  snippet(body),
			Date:     date,
			Unread:   unread,
			Labels:   labels,
		},
		Body: body,
	}
	f.byID[id] = m
	f.threads[threadID] = append(f.threads[threadID], m)
	return id
}

// Sent returns every outbound message recorded by Send.
func (f *Fake) Sent() []Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Outbound, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *Fake) List(ctx context.Context, q ListQuery) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	max := q.MaxResults
	if max <= 0 {
		max = defaultListSize
	}
	label := q.Label
	if label == "" {
		label = "INBOX"
	}

	var out []Summary
	for _, m := range f.byID {
		if q.UnreadOnly && !m.Unread {
			continue
		}
		if !hasLabel(m.Labels, label) {
			continue
		}
		out = append(out, m.Summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (f *Fake) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	msgs, ok := f.threads[threadID]
	if !ok {
		return nil, &ProviderError{Op: "get_thread", StatusCode: 404, Message: "not found", Cause: ErrMessageNotFound}
	}
	thread := &Thread{ID: threadID}
	for _, m := range msgs {
		thread.Messages = append(thread.Messages, ThreadMessage{
			ID:      m.ID,
			From:    m.From,
			To:      m.To,
			Subject: m.Subject,
			Body:    m.Body,
			Date:    m.Date,
		})
	}
	return thread, nil
}

func (f *Fake) Search(ctx context.Context, query string, maxResults int) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if maxResults <= 0 {
		maxResults = defaultListSize
	}
	q := strings.ToLower(query)
	var out []Summary
	for _, m := range f.byID {
		haystack := strings.ToLower(m.From + " " + m.Subject + " " + m.Body)
		if strings.Contains(haystack, q) {
			out = append(out, m.Summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

func (f *Fake) Send(ctx context.Context, msg Outbound) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailSends != nil {
		return nil, f.FailSends
	}
	if msg.IdempotencyKey != "" {
		if prior, ok := f.sentKeys[msg.IdempotencyKey]; ok {
			dup := prior
			dup.Duplicate = true
			return &dup, nil
		}
	}
	if len(msg.To) == 0 {
		return nil, &ProviderError{Op: "send", StatusCode: 400, Message: "no recipients"}
	}

	f.nextID++
	result := SendResult{
		MessageID: fmt.Sprintf("sent-%d", f.nextID),
		ThreadID:  msg.ThreadID,
	}
	f.sent = append(f.sent, msg)
	if msg.IdempotencyKey != "" {
		f.sentKeys[msg.IdempotencyKey] = result
	}
	return &result, nil
}

func (f *Fake) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.byID[messageID]
	if !ok {
		return &ProviderError{Op: "modify", StatusCode: 404, Message: "not found", Cause: ErrMessageNotFound}
	}
	for _, l := range add {
		if !hasLabel(m.Labels, l) {
			m.Labels = append(m.Labels, l)
		}
	}
	for _, l := range remove {
		for i, have := range m.Labels {
			if have == l {
				m.Labels = append(m.Labels[:i], m.Labels[i+1:]...)
				break
			}
		}
	}
	m.Unread = hasLabel(m.Labels, "UNREAD")
	return nil
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func snippet(body string) string {
	const max = 120
	body = strings.Join(strings.Fields(body), " ")
	if len(body) > max {
		return body[:max]
	}
	return body
}
