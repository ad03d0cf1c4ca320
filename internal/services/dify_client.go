package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"dify-mcp/bridge/pkg/models"
)

// DifyConfig is the immutable connection configuration of the client.
type DifyConfig struct {
	BaseURL       string
	APIKey        string
	DefaultUserID string
	Timeout       time.Duration
}

// WorkflowRequest is the body of POST /workflows/run.
type WorkflowRequest struct {
	Inputs       map[string]interface{} `json:"inputs"`
	ResponseMode models.ResponseMode    `json:"response_mode"`
	User         string                 `json:"user"`
}

// WorkflowResponse is the blocking response of POST /workflows/run.
type WorkflowResponse struct {
	WorkflowRunID string          `json:"workflow_run_id"`
	TaskID        string          `json:"task_id"`
	Data          WorkflowRunData `json:"data"`
}

// WorkflowRunData carries the outcome of a workflow run.
type WorkflowRunData struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	Status      string                 `json:"status"`
	Outputs     map[string]interface{} `json:"outputs"`
	Error       string                 `json:"error"`
	ElapsedTime float64                `json:"elapsed_time"`
	TotalTokens int                    `json:"total_tokens"`
}

// ChatRequest is the body of POST /chat-messages.
type ChatRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   models.ResponseMode    `json:"response_mode"`
	User           string                 `json:"user"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

// ChatResponse is the answer of a chat app.
type ChatResponse struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
}

// HistoryQuery selects a page of conversation messages.
type HistoryQuery struct {
	ConversationID string
	FirstID        string
	Limit          int
	User           string
}

// ConversationMessage is one entry of a conversation listing. Chat apps return
// query/answer pairs; role/content is accepted as well.
type ConversationMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Query   string `json:"query"`
	Answer  string `json:"answer"`
}

// ConversationPage is one page of a conversation listing. HasMore reports
// that older messages exist before Messages[0].
type ConversationPage struct {
	Messages []ConversationMessage `json:"data"`
	HasMore  bool                  `json:"has_more"`
}

// CallOptions carries the per-tool settings of a single call.
type CallOptions struct {
	APIKey      string // Falls back to DifyConfig.APIKey
	OutputField string // Key read from the workflow outputs
}

// DifyClient is an HTTP implementation of the WorkflowAPI interface.
type DifyClient struct {
	cfg  DifyConfig
	base http.RoundTripper
}

// Option customizes a DifyClient.
type Option func(*DifyClient)

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *DifyClient) {
		c.base = rt
	}
}

// NewDifyClient creates a new DifyClient.
func NewDifyClient(cfg DifyConfig, opts ...Option) *DifyClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &DifyClient{cfg: cfg, base: http.DefaultTransport}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunWorkflow executes a workflow and returns the text of its result.
func (c *DifyClient) RunWorkflow(ctx context.Context, req WorkflowRequest, opts CallOptions) (string, error) {
	if req.Inputs == nil {
		req.Inputs = map[string]interface{}{}
	}
	req.User = c.user(req.User)

	resp, err := c.post(ctx, opts.APIKey, "/workflows/run", req, req.ResponseMode)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if req.ResponseMode == models.ResponseModeStreaming && isEventStream(resp) {
		result, err := readStream(resp.Body, opts.OutputField)
		if err != nil {
			return "", err
		}
		return result.Text, nil
	}

	var result WorkflowResponse
	if err := decodeJSON(resp.Body, &result); err != nil {
		return "", err
	}
	return result.Text(opts.OutputField)
}

// SendChatMessage sends a message to a chat app and returns its answer.
func (c *DifyClient) SendChatMessage(ctx context.Context, req ChatRequest, opts CallOptions) (*ChatResponse, error) {
	if req.Inputs == nil {
		req.Inputs = map[string]interface{}{}
	}
	req.User = c.user(req.User)

	resp, err := c.post(ctx, opts.APIKey, "/chat-messages", req, req.ResponseMode)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if req.ResponseMode == models.ResponseModeStreaming && isEventStream(resp) {
		result, err := readStream(resp.Body, opts.OutputField)
		if err != nil {
			return nil, err
		}
		return &ChatResponse{
			MessageID:      result.MessageID,
			ConversationID: result.ConversationID,
			Answer:         result.Text,
		}, nil
	}

	var answer ChatResponse
	if err := decodeJSON(resp.Body, &answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

// ConversationMessages lists the messages of a conversation.
func (c *DifyClient) ConversationMessages(ctx context.Context, query HistoryQuery, opts CallOptions) (*ConversationPage, error) {
	if query.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}

	params := url.Values{}
	params.Set("user", c.user(query.User))
	if query.FirstID != "" {
		params.Set("first_id", query.FirstID)
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	endpoint := fmt.Sprintf("%s/conversations/%s/messages?%s", c.cfg.BaseURL, url.PathEscape(query.ConversationID), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, opts.APIKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var page ConversationPage
	if err := decodeJSON(resp.Body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *DifyClient) post(ctx context.Context, apiKey, path string, body interface{}, mode models.ResponseMode) (*http.Response, error) {
	requestBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if mode == models.ResponseModeStreaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	return c.do(req, apiKey)
}

// do sends req with the bearer token and turns non-2xx answers into a
// *StatusError. The caller owns the returned body.
func (c *DifyClient) do(req *http.Request, apiKey string) (*http.Response, error) {
	if apiKey == "" {
		apiKey = c.cfg.APIKey
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	resp, err := c.httpClient(apiKey).Do(req)
	if err != nil {
		return nil, c.transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, newStatusError(resp)
	}
	return resp, nil
}

// httpClient returns a client that authenticates with apiKey. Clients share the
// base transport, so building one per call keeps connection reuse.
func (c *DifyClient) httpClient(apiKey string) *http.Client {
	return &http.Client{
		Timeout: c.cfg.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey}),
			Base:   c.base,
		},
	}
}

func (c *DifyClient) transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("request timed out after %s: %w", c.cfg.Timeout, err)
	}
	return fmt.Errorf("failed to make request: %w", err)
}

func (c *DifyClient) user(user string) string {
	if user != "" {
		return user
	}
	return c.cfg.DefaultUserID
}

// Text extracts the result text of a blocking workflow run.
func (r *WorkflowResponse) Text(outputField string) (string, error) {
	switch r.Data.Status {
	case "failed", "stopped":
		return "", fmt.Errorf("%w: %s", ErrWorkflowFailed, r.Data.Error)
	}
	if r.Data.Outputs == nil {
		return "", fmt.Errorf("%w: response has no data.outputs", ErrUnexpectedPayload)
	}
	return extractOutput(r.Data.Outputs, outputField)
}

// extractOutput returns outputs[field]. When the field is absent and the
// workflow declares a single output, that output is used instead.
func extractOutput(outputs map[string]interface{}, field string) (string, error) {
	if v, ok := outputs[field]; ok {
		return stringify(v)
	}
	if len(outputs) == 1 {
		for _, v := range outputs {
			return stringify(v)
		}
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "", fmt.Errorf("%w: output field %q not found in workflow outputs (available: %s)",
		ErrUnexpectedPayload, field, strings.Join(keys, ", "))
}

func stringify(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", fmt.Errorf("%w: failed to encode output: %w", ErrUnexpectedPayload, err)
		}
		return string(b), nil
	}
}

func decodeJSON(r io.Reader, v interface{}) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("%w: failed to decode response body: %w", ErrUnexpectedPayload, err)
	}
	return nil
}

func isEventStream(resp *http.Response) bool {
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/event-stream"
}
