// Package index provides semantic recall over previously seen email: messages
// are embedded and stored, and natural-language queries rank them by cosine
// similarity.
package index

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrEmptyQuery indicates a query with no content to embed.
var ErrEmptyQuery = errors.New("empty query")

// Document is an indexed email.
type Document struct {
	// ID is the provider message ID; upserts by the same ID replace the
	// entry rather than duplicating it.
	ID       string    `json:"id"`
	ThreadID string    `json:"thread_id,omitempty"`
	From     string    `json:"from,omitempty"`
	Subject  string    `json:"subject,omitempty"`
	Body     string    `json:"body"`
	Date     time.Time `json:"date,omitempty"`
}

// Text returns the content that gets embedded.
func (d *Document) Text() string {
	return d.Subject + "\n" + d.Body
}

// Hit is a ranked query result.
type Hit struct {
	Document Document `json:"document"`

	// Score is cosine similarity in [-1, 1]; higher is closer.
	Score float64 `json:"score"`
}

// Embedder turns text into vectors.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Index stores documents and answers similarity queries.
type Index interface {
	// Upsert embeds and stores documents, replacing entries with matching
	// IDs.
	Upsert(ctx context.Context, docs []Document) error

	// Query returns the topK most similar documents to the query text.
	Query(ctx context.Context, text string, topK int) ([]Hit, error)

	// Count returns the number of indexed documents.
	Count(ctx context.Context) (int, error)
}

// cosine computes cosine similarity between two vectors of equal length.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
