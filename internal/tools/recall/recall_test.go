package recall

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fieldline/courier/internal/index"
	"github.com/fieldline/courier/internal/mail"
)

// keywordEmbedder projects known words onto fixed axes for deterministic
// ranking.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	axes := []string{"budget", "lunch"}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, len(axes))
		lower := strings.ToLower(text)
		for j, word := range axes {
			if strings.Contains(lower, word) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

func newIndex(t *testing.T) index.Index {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	idx, err := index.NewSQLiteIndex(db, keywordEmbedder{})
	if err != nil {
		t.Fatalf("NewSQLiteIndex: %v", err)
	}
	return idx
}

func TestIndexThenRecall(t *testing.T) {
	provider := mail.NewFake()
	provider.Seed("alice@example.com", "Budget review", "the budget numbers", time.Now(), true)
	provider.Seed("bob@example.com", "Lunch plans", "noon works", time.Now(), true)

	idx := newIndex(t)
	ctx := context.Background()

	obs, err := (&IndexEmails{Provider: provider, Index: idx}).Execute(ctx, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("index_emails: %v", err)
	}
	var indexed struct {
		Indexed int `json:"indexed"`
		Total   int `json:"total_indexed"`
	}
	if err := json.Unmarshal([]byte(obs.Content), &indexed); err != nil {
		t.Fatalf("decode observation: %v", err)
	}
	if indexed.Indexed != 2 || indexed.Total != 2 {
		t.Fatalf("indexed = %+v", indexed)
	}

	obs, err = (&RecallEmails{Index: idx}).Execute(ctx, json.RawMessage(`{"query": "what about the budget", "top_k": 1}`))
	if err != nil {
		t.Fatalf("recall_emails: %v", err)
	}
	var recalled struct {
		Count int         `json:"count"`
		Hits  []index.Hit `json:"hits"`
	}
	if err := json.Unmarshal([]byte(obs.Content), &recalled); err != nil {
		t.Fatalf("decode observation: %v", err)
	}
	if recalled.Count != 1 || recalled.Hits[0].Document.From != "alice@example.com" {
		t.Fatalf("recalled = %+v, want alice's budget email", recalled)
	}
}

func TestIndexWithSearchQuery(t *testing.T) {
	provider := mail.NewFake()
	provider.Seed("alice@example.com", "Budget review", "the budget numbers", time.Now(), true)
	provider.Seed("bob@example.com", "Lunch plans", "noon works", time.Now(), true)

	idx := newIndex(t)
	obs, err := (&IndexEmails{Provider: provider, Index: idx}).Execute(
		context.Background(), json.RawMessage(`{"query": "lunch"}`))
	if err != nil {
		t.Fatalf("index_emails: %v", err)
	}
	var indexed struct {
		Indexed int `json:"indexed"`
	}
	if err := json.Unmarshal([]byte(obs.Content), &indexed); err != nil {
		t.Fatalf("decode observation: %v", err)
	}
	if indexed.Indexed != 1 {
		t.Fatalf("indexed = %d, want only the search match", indexed.Indexed)
	}
}

func TestRecallEmptyQuery(t *testing.T) {
	idx := newIndex(t)
	if _, err := (&RecallEmails{Index: idx}).Execute(
		context.Background(), json.RawMessage(`{"query": "  "}`)); err == nil {
		t.Fatal("expected error for blank query")
	}
}
