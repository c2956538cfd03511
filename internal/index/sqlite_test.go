package index

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// wordEmbedder maps known keywords onto axes of a small vector so similarity
// is deterministic without a real embedding model.
type wordEmbedder struct{}

func (wordEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	axes := []string{"budget", "lunch", "travel"}
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

func newTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	idx, err := NewSQLiteIndex(db, wordEmbedder{})
	if err != nil {
		t.Fatalf("NewSQLiteIndex: %v", err)
	}
	return idx
}

func TestQueryRanksBySimilarity(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []Document{
		{ID: "m1", Subject: "Q3 budget review", Body: "the budget numbers"},
		{ID: "m2", Subject: "lunch on friday", Body: "where should we go for lunch"},
		{ID: "m3", Subject: "travel itinerary", Body: "flights and hotel"},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	hits, err := idx.Query(ctx, "what was in the budget email", 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Document.ID != "m1" {
		t.Fatalf("top hit = %s, want m1", hits[0].Document.ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("scores not descending: %v then %v", hits[0].Score, hits[1].Score)
	}
}

func TestUpsertReplacesByID(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, []Document{{ID: "m1", Subject: "lunch", Body: "old"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Upsert(ctx, []Document{{ID: "m1", Subject: "budget", Body: "new"}}); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	n, err := idx.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 after replace", n)
	}

	hits, err := idx.Query(ctx, "budget", 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if hits[0].Document.Body != "new" {
		t.Fatalf("body = %q, want the replacement", hits[0].Document.Body)
	}
}

func TestQueryEmpty(t *testing.T) {
	idx := newTestIndex(t)
	if _, err := idx.Query(context.Background(), "   ", 5); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
}

func TestUpsertNothing(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("empty upsert: %v", err)
	}
	if n, _ := idx.Count(context.Background()); n != 0 {
		t.Fatalf("count = %d, want 0", n)
	}
}
