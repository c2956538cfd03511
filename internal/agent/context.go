package agent

import "context"

type contextKey int

const conversationIDKey contextKey = iota

// ContextWithConversationID scopes a dispatch context to a conversation. The
// loop sets this before dispatching; handlers that keep per-conversation state
// (drafts, scheduled actions) read it back.
func ContextWithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey, conversationID)
}

// ConversationIDFromContext returns the conversation scoping the dispatch, or
// empty outside a turn.
func ConversationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(conversationIDKey).(string)
	return id
}
