package mcp

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"dify-mcp/bridge/internal/services"
	"dify-mcp/bridge/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "Dify Workflow Bridge"
	serverVersion = "1.0.0"

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

type Server struct {
	mcpServer       *server.MCPServer
	workflowService *services.WorkflowService
	workflows       []models.WorkflowDefinition
	chat            *services.ChatSettings
}

// NewServer registers one tool per workflow. The chat tools are registered only
// when chat is non-nil.
func NewServer(workflowService *services.WorkflowService, workflows []models.WorkflowDefinition, chat *services.ChatSettings) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			serverName,
			serverVersion,
			server.WithToolCapabilities(true),
		),
		workflowService: workflowService,
		workflows:       workflows,
		chat:            chat,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves the tools on stdin/stdout until the input is closed or the
// process is signalled.
func (s *Server) ServeStdio(errLogger *log.Logger) error {
	return server.ServeStdio(s.mcpServer, server.WithErrorLogger(errLogger))
}

func (s *Server) registerTools() {
	for _, wf := range s.workflows {
		s.mcpServer.AddTool(workflowTool(wf), s.handleRunWorkflow(wf))
	}

	if s.chat == nil {
		return
	}

	s.mcpServer.AddTool(
		mcp.NewTool(
			"chat_completion",
			mcp.WithDescription("Send a message to the Dify chat app and return its answer"),
			mcp.WithString("message", mcp.Required(), mcp.Description("The user message to send")),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue; omit to start a new one")),
			mcp.WithString("user_id", mcp.Description("End-user identifier; defaults to the configured user")),
		),
		s.handleChatCompletion,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_conversation_history",
			mcp.WithDescription("Retrieve the messages of a Dify conversation"),
			mcp.WithString("conversation_id", mcp.Required(), mcp.Description("The ID of the conversation to retrieve")),
			mcp.WithString("first_id", mcp.Description("ID of the first message of the current page, for pagination")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages to retrieve (default 20, max 100)")),
			mcp.WithString("user_id", mcp.Description("End-user identifier; defaults to the configured user")),
		),
		s.handleConversationHistory,
	)
}

func workflowTool(wf models.WorkflowDefinition) mcp.Tool {
	inputOpts := []mcp.PropertyOption{
		mcp.Description("Input variables of the workflow, keyed by variable name"),
	}
	if len(wf.InputSchema) > 0 {
		inputOpts = append(inputOpts, mcp.Properties(wf.InputSchema))
	}

	return mcp.NewTool(
		wf.Name,
		mcp.WithDescription(wf.Description),
		mcp.WithObject("inputs", inputOpts...),
		mcp.WithString("user_id", mcp.Description("End-user identifier; defaults to the configured user")),
	)
}

func (s *Server) handleRunWorkflow(wf models.WorkflowDefinition) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, ok := arguments(request)
		if !ok {
			return mcp.NewToolResultError("Invalid arguments type"), nil
		}

		inputs := map[string]interface{}{}
		if raw, present := args["inputs"]; present && raw != nil {
			m, ok := raw.(map[string]interface{})
			if !ok {
				return mcp.NewToolResultError("Invalid parameter: inputs must be an object"), nil
			}
			inputs = m
		}

		userID, err := optionalString(args, "user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		text, err := s.workflowService.RunWorkflow(ctx, wf, inputs, userID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to run workflow %s: %v", wf.Name, err)), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func (s *Server) handleChatCompletion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	message, ok := args["message"].(string)
	if !ok || strings.TrimSpace(message) == "" {
		return mcp.NewToolResultError("Missing required parameter: message"), nil
	}
	conversationID, err := optionalString(args, "conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userID, err := optionalString(args, "user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp, err := s.workflowService.Chat(ctx, *s.chat, message, conversationID, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send chat message: %v", err)), nil
	}
	if resp.Answer == "" {
		return mcp.NewToolResultText("No answer provided."), nil
	}
	return mcp.NewToolResultText(resp.Answer), nil
}

func (s *Server) handleConversationHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := arguments(request)
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	conversationID, ok := args["conversation_id"].(string)
	if !ok || conversationID == "" {
		return mcp.NewToolResultError("Missing required parameter: conversation_id"), nil
	}
	firstID, err := optionalString(args, "first_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userID, err := optionalString(args, "user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	limit := defaultHistoryLimit
	if raw, present := args["limit"]; present && raw != nil {
		n, ok := raw.(float64)
		if !ok || n != float64(int(n)) || n < 1 || n > maxHistoryLimit {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid parameter: limit must be an integer between 1 and %d", maxHistoryLimit)), nil
		}
		limit = int(n)
	}

	page, err := s.workflowService.History(ctx, *s.chat, services.HistoryQuery{
		ConversationID: conversationID,
		FirstID:        firstID,
		Limit:          limit,
		User:           userID,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to retrieve conversation history: %v", err)), nil
	}
	if len(page.Messages) == 0 {
		return mcp.NewToolResultText("No conversation history found."), nil
	}

	text := formatHistory(page.Messages)
	if page.HasMore && page.Messages[0].ID != "" {
		text += fmt.Sprintf("\n\nMore messages are available; pass first_id=%s to load older ones.", page.Messages[0].ID)
	}
	return mcp.NewToolResultText(text), nil
}

// formatHistory renders messages as "ROLE: content" blocks separated by blank lines.
func formatHistory(messages []services.ConversationMessage) string {
	var blocks []string
	for _, msg := range messages {
		if msg.Role != "" || msg.Content != "" {
			role := msg.Role
			if role == "" {
				role = "unknown"
			}
			blocks = append(blocks, fmt.Sprintf("%s: %s", strings.ToUpper(role), msg.Content))
			continue
		}
		if msg.Query != "" {
			blocks = append(blocks, "USER: "+msg.Query)
		}
		if msg.Answer != "" {
			blocks = append(blocks, "ASSISTANT: "+msg.Answer)
		}
	}
	return strings.Join(blocks, "\n\n")
}

// arguments returns the call arguments. A call without arguments is valid.
func arguments(request mcp.CallToolRequest) (map[string]interface{}, bool) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, true
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	return args, ok
}

func optionalString(args map[string]interface{}, name string) (string, error) {
	raw, present := args[name]
	if !present || raw == nil {
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("Invalid parameter: %s must be a string", name)
	}
	return v, nil
}

// MountHTTPHandlers exposes the server under basePath: streamable HTTP on
// basePath itself and the SSE transport on basePath+"/sse" and
// basePath+"/message".
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer, basePath string) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath(basePath))
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath(basePath))

	mux.Handle(basePath, streamable)

	// SSE endpoints
	mux.HandleFunc(basePath+"/sse", sseServer.ServeHTTP)
	mux.HandleFunc(basePath+"/message", sseServer.ServeHTTP)
}
