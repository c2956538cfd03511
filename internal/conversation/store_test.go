package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fieldline/courier/pkg/models"
)

// storeUnderTest runs the same contract against every Store implementation.
func storeUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	sqliteStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func userMessage(conversationID, content string) models.Message {
	return models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
	}
}

func TestAppendAndHistory(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				if err := store.Append(ctx, userMessage("conv-1", fmt.Sprintf("msg %d", i))); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			history, err := store.History(ctx, "conv-1", 0)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history) != 5 {
				t.Fatalf("got %d messages, want 5", len(history))
			}
			for i, msg := range history {
				if msg.Content != fmt.Sprintf("msg %d", i) {
					t.Fatalf("message %d = %q, want chronological order", i, msg.Content)
				}
			}

			// A limited window keeps the most recent tail.
			tail, err := store.History(ctx, "conv-1", 2)
			if err != nil {
				t.Fatalf("History limited: %v", err)
			}
			if len(tail) != 2 || tail[0].Content != "msg 3" || tail[1].Content != "msg 4" {
				t.Fatalf("tail = %+v, want last two in order", tail)
			}
		})
	}
}

func TestHistoryUnknownConversation(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.History(context.Background(), "nope", 0); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestToolCallsRoundTrip(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assistant := models.Message{
				ID:             uuid.NewString(),
				ConversationID: "conv-1",
				Role:           models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "c1", Name: "get_emails", Args: json.RawMessage(`{"max_results":5}`)},
				},
			}
			tool := models.Message{
				ID:             uuid.NewString(),
				ConversationID: "conv-1",
				Role:           models.RoleTool,
				ToolResults: []models.ToolResult{
					{ToolCallID: "c1", Content: `[]`},
					{ToolCallID: "c2", Content: "rate limited", IsError: true, ErrorKind: "transient"},
				},
			}
			if err := store.Append(ctx, assistant); err != nil {
				t.Fatalf("Append assistant: %v", err)
			}
			if err := store.Append(ctx, tool); err != nil {
				t.Fatalf("Append tool: %v", err)
			}

			history, err := store.History(ctx, "conv-1", 0)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if len(history[0].ToolCalls) != 1 || history[0].ToolCalls[0].Name != "get_emails" {
				t.Fatalf("tool calls = %+v", history[0].ToolCalls)
			}
			results := history[1].ToolResults
			if len(results) != 2 || !results[1].IsError || results[1].ErrorKind != "transient" {
				t.Fatalf("tool results = %+v", results)
			}
		})
	}
}

func TestGetAndList(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Append(ctx, userMessage("conv-a", "first")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := store.Append(ctx, userMessage("conv-a", "second")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := store.Append(ctx, userMessage("conv-b", "other")); err != nil {
				t.Fatalf("Append: %v", err)
			}

			meta, err := store.Get(ctx, "conv-a")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if meta.MessageCount != 2 {
				t.Fatalf("message count = %d, want 2", meta.MessageCount)
			}

			all, err := store.List(ctx)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("got %d conversations, want 2", len(all))
			}

			if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestDelete(t *testing.T) {
	for name, store := range storeUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Append(ctx, userMessage("conv-1", "hello")); err != nil {
				t.Fatalf("Append: %v", err)
			}
			if err := store.Delete(ctx, "conv-1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.History(ctx, "conv-1", 0); !errors.Is(err, ErrNotFound) {
				t.Fatalf("history after delete err = %v, want ErrNotFound", err)
			}
			if err := store.Delete(ctx, "conv-1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("second delete err = %v, want ErrNotFound", err)
			}
		})
	}
}
