package services

import "context"

// WorkflowAPI is the remote app surface the bridge forwards tool calls to.
type WorkflowAPI interface {
	// RunWorkflow executes a workflow and returns its textual result.
	RunWorkflow(ctx context.Context, req WorkflowRequest, opts CallOptions) (string, error)
	// SendChatMessage sends one message to a chat app.
	SendChatMessage(ctx context.Context, req ChatRequest, opts CallOptions) (*ChatResponse, error)
	// ConversationMessages lists the messages of a conversation.
	ConversationMessages(ctx context.Context, query HistoryQuery, opts CallOptions) (*ConversationPage, error)
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}
