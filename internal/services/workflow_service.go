package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"dify-mcp/bridge/internal/repository"
	"dify-mcp/bridge/pkg/models"
)

// ChatSettings configures the chat tools.
type ChatSettings struct {
	APIKey       string
	ResponseMode models.ResponseMode
}

// WorkflowService is a service for forwarding tool calls to the workflow API.
type WorkflowService struct {
	api           WorkflowAPI
	store         repository.InvocationStore
	logger        Logger
	metrics       *toolMetrics
	defaultUserID string
}

// ServiceOption customizes a WorkflowService.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	meterProvider metric.MeterProvider
}

// WithMeterProvider records tool metrics on mp instead of the global provider.
func WithMeterProvider(mp metric.MeterProvider) ServiceOption {
	return func(o *serviceOptions) {
		o.meterProvider = mp
	}
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(api WorkflowAPI, store repository.InvocationStore, logger Logger, defaultUserID string, opts ...ServiceOption) *WorkflowService {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if store == nil {
		store = repository.NopInvocationStore{}
	}
	return &WorkflowService{
		api:           api,
		store:         store,
		logger:        logger,
		metrics:       newToolMetrics(o.meterProvider),
		defaultUserID: defaultUserID,
	}
}

// RunWorkflow runs the workflow behind wf with the given inputs.
func (s *WorkflowService) RunWorkflow(ctx context.Context, wf models.WorkflowDefinition, inputs map[string]interface{}, userID string) (string, error) {
	userID = s.user(userID)
	start := time.Now()

	text, err := s.api.RunWorkflow(ctx, WorkflowRequest{
		Inputs:       inputs,
		ResponseMode: wf.ResponseMode,
		User:         userID,
	}, CallOptions{APIKey: wf.APIKey, OutputField: wf.OutputField})

	s.finish(ctx, wf.Name, userID, wf.ResponseMode, start, len(text), err)
	if err != nil {
		return "", err
	}
	return text, nil
}

// Chat sends a message to the configured chat app.
func (s *WorkflowService) Chat(ctx context.Context, settings ChatSettings, message, conversationID, userID string) (*ChatResponse, error) {
	userID = s.user(userID)
	start := time.Now()

	resp, err := s.api.SendChatMessage(ctx, ChatRequest{
		Query:          message,
		ResponseMode:   settings.ResponseMode,
		User:           userID,
		ConversationID: conversationID,
	}, CallOptions{APIKey: settings.APIKey})

	size := 0
	if resp != nil {
		size = len(resp.Answer)
	}
	s.finish(ctx, "chat_completion", userID, settings.ResponseMode, start, size, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// History lists the messages of a conversation.
func (s *WorkflowService) History(ctx context.Context, settings ChatSettings, query HistoryQuery) (*ConversationPage, error) {
	query.User = s.user(query.User)
	start := time.Now()

	page, err := s.api.ConversationMessages(ctx, query, CallOptions{APIKey: settings.APIKey})

	count := 0
	if page != nil {
		count = len(page.Messages)
	}
	s.finish(ctx, "get_conversation_history", query.User, models.ResponseModeBlocking, start, count, err)
	if err != nil {
		return nil, err
	}
	return page, nil
}

func (s *WorkflowService) user(userID string) string {
	if userID != "" {
		return userID
	}
	return s.defaultUserID
}

// finish logs, measures and audits one call. Audit failures never change the
// outcome seen by the caller.
func (s *WorkflowService) finish(ctx context.Context, tool, userID string, mode models.ResponseMode, start time.Time, size int, callErr error) {
	elapsed := time.Since(start)
	s.metrics.record(ctx, tool, callErr != nil, elapsed)

	inv := &models.Invocation{
		ID:           uuid.New().String(),
		Tool:         tool,
		UserID:       userID,
		ResponseMode: mode,
		Status:       models.InvocationSucceeded,
		OutputBytes:  size,
		DurationMs:   elapsed.Milliseconds(),
		CreatedAt:    start.UTC(),
	}
	if callErr != nil {
		inv.Status = models.InvocationFailed
		inv.Error = callErr.Error()
		s.logger.Error("tool call failed", "tool", tool, "invocation_id", inv.ID, "duration_ms", inv.DurationMs, "error", callErr)
	} else {
		s.logger.Info("tool call finished", "tool", tool, "invocation_id", inv.ID, "duration_ms", inv.DurationMs, "output_bytes", size)
	}

	if err := s.store.Record(context.WithoutCancel(ctx), inv); err != nil {
		s.logger.Error("failed to record invocation", "invocation_id", inv.ID, "error", err)
	}
}
