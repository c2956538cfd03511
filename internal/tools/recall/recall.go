// Package recall implements semantic memory over email: indexing recent
// messages and answering natural-language queries against the index.
package recall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/index"
	"github.com/fieldline/courier/internal/mail"
)

// defaultIndexBatch bounds one indexing pass.
const defaultIndexBatch = 50

// IndexEmails embeds recent mail into the semantic index.
type IndexEmails struct {
	Provider mail.Provider
	Index    index.Index
}

func (t *IndexEmails) Name() string { return "index_emails" }

func (t *IndexEmails) Description() string {
	return "Index recent emails into semantic memory so they can be found later with recall_emails. " +
		"Re-indexing the same email updates it."
}

func (t *IndexEmails) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"max_results": {"type": "integer", "minimum": 1, "maximum": 200, "description": "How many recent emails to index (default 50)"},
			"query": {"type": "string", "description": "Optional mailbox search to select which emails to index"}
		},
		"additionalProperties": false
	}`)
}

func (t *IndexEmails) Class() agent.SideEffectClass { return agent.ClassStaging }

func (t *IndexEmails) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		MaxResults int    `json:"max_results"`
		Query      string `json:"query"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, fmt.Errorf("decode args: %w", err)
		}
	}
	if params.MaxResults <= 0 {
		params.MaxResults = defaultIndexBatch
	}

	var summaries []mail.Summary
	var err error
	if params.Query != "" {
		summaries, err = t.Provider.Search(ctx, params.Query, params.MaxResults)
	} else {
		summaries, err = t.Provider.List(ctx, mail.ListQuery{MaxResults: params.MaxResults})
	}
	if err != nil {
		return nil, err
	}

	docs := make([]index.Document, 0, len(summaries))
	for _, s := range summaries {
		// Thread bodies are richer than snippets but cost one fetch per
		// message; snippets are good enough for recall ranking.
		docs = append(docs, index.Document{
			ID:       s.ID,
			ThreadID: s.ThreadID,
			From:     s.From,
			Subject:  s.Subject,
			Body:     s.Snippet,
			Date:     s.Date,
		})
	}
	if err := t.Index.Upsert(ctx, docs); err != nil {
		return nil, err
	}

	total, err := t.Index.Count(ctx)
	if err != nil {
		return nil, err
	}
	return jsonObservation(map[string]any{
		"indexed":       len(docs),
		"total_indexed": total,
	})
}

// RecallEmails answers a natural-language query against the index.
type RecallEmails struct {
	Index index.Index
}

func (t *RecallEmails) Name() string { return "recall_emails" }

func (t *RecallEmails) Description() string {
	return "Find previously indexed emails by meaning rather than keywords. " +
		"Returns the closest matches with similarity scores."
}

func (t *RecallEmails) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "What to look for, in natural language"},
			"top_k": {"type": "integer", "minimum": 1, "maximum": 20, "description": "How many matches to return (default 5)"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

func (t *RecallEmails) Class() agent.SideEffectClass { return agent.ClassReadOnly }

func (t *RecallEmails) Execute(ctx context.Context, args json.RawMessage) (*agent.Observation, error) {
	var params struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}

	hits, err := t.Index.Query(ctx, params.Query, params.TopK)
	if err != nil {
		return nil, err
	}
	return jsonObservation(map[string]any{
		"count": len(hits),
		"hits":  hits,
	})
}

func jsonObservation(v any) (*agent.Observation, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}
	return &agent.Observation{Content: string(payload)}, nil
}
