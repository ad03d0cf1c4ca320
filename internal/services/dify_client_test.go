package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dify-mcp/bridge/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *DifyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDifyClient(DifyConfig{
		BaseURL:       srv.URL + "/",
		APIKey:        "test-key",
		DefaultUserID: "abc-123",
		Timeout:       5 * time.Second,
	})
}

func writeEvents(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, ev := range events {
		fmt.Fprintf(w, "data: %s\n\n", ev)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func TestRunWorkflow_Blocking(t *testing.T) {
	var captured WorkflowRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/workflows/run", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"outputs":{"text":"hello"}}}`))
	})

	text, err := client.RunWorkflow(context.Background(), WorkflowRequest{
		Inputs:       map[string]interface{}{"city": "Paris", "days": 3},
		ResponseMode: models.ResponseModeBlocking,
	}, CallOptions{OutputField: "text"})

	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Equal(t, models.ResponseModeBlocking, captured.ResponseMode)
	assert.Equal(t, "abc-123", captured.User)
	assert.Equal(t, "Paris", captured.Inputs["city"])
	assert.Equal(t, float64(3), captured.Inputs["days"])
}

func TestRunWorkflow_BlockingOutputSelection(t *testing.T) {
	body := `{"workflow_run_id":"run-1","data":{"status":"succeeded","outputs":{"advice":"rest","meta":{"score":1}}}}`
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	})
	ctx := context.Background()
	req := WorkflowRequest{ResponseMode: models.ResponseModeBlocking}

	text, err := client.RunWorkflow(ctx, req, CallOptions{OutputField: "advice"})
	require.NoError(t, err)
	assert.Equal(t, "rest", text)

	text, err = client.RunWorkflow(ctx, req, CallOptions{OutputField: "meta"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":1}`, text)

	_, err = client.RunWorkflow(ctx, req, CallOptions{OutputField: "text"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
	assert.Contains(t, err.Error(), "advice, meta")
}

func TestRunWorkflow_BlockingSingleOutputFallback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"outputs":{"result":"only one"}}}`))
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{OutputField: "text"})
	require.NoError(t, err)
	assert.Equal(t, "only one", text)
}

func TestRunWorkflow_BlockingFailedRun(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"status":"failed","error":"node llm timed out","outputs":null}}`))
	})

	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{OutputField: "text"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkflowFailed)
	assert.Contains(t, err.Error(), "node llm timed out")
}

func TestRunWorkflow_BlockingInvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>gateway</html>`))
	})

	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{})
	assert.ErrorIs(t, err, ErrUnexpectedPayload)
}

func TestRunWorkflow_Streaming(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		writeEvents(w,
			`{"event":"message","answer":"He"}`,
			`{"event":"message","answer":"llo"}`,
			`{"event":"message_end"}`,
			`{"event":"message","answer":" ignored"}`,
		)
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{OutputField: "text"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestRunWorkflow_StreamingWorkflowEvents(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		chunks := []string{
			"event: ping\n\n",
			`data: {"event":"workflow_started","data":{"id":"run-1"}}` + "\n\n",
			`data: {"event":"node_started","data":{"node_id":"llm"}}` + "\n\n",
			`data: {"event":"text_chunk","data":{"text":"Bon"}}` + "\n\n",
			": keep-alive\n\n",
			`data: {"event":"text_chunk","data":{"text":"jour"}}` + "\n\n",
			`data: {"event":"workflow_finished","data":{"status":"succeeded","outputs":{"text":"Bonjour"}}}` + "\n\n",
		}
		for _, chunk := range chunks {
			w.Write([]byte(chunk))
		}
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{OutputField: "text"})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour", text)
}

func TestRunWorkflow_StreamingOutputsWithoutDeltas(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			`{"event":"workflow_started","data":{}}`,
			`{"event":"workflow_finished","data":{"status":"succeeded","outputs":{"advice":"sleep more"}}}`,
		)
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{OutputField: "advice"})
	require.NoError(t, err)
	assert.Equal(t, "sleep more", text)
}

func TestRunWorkflow_StreamingEndsAtEOF(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"event\":\"message\",\"answer\":\"a\"}\n\ndata: {\"event\":\"message\",\"answer\":\"b\"}"))
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestRunWorkflow_StreamingEventNameFromSSEField(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: message\ndata: {\"answer\":\"x\"}\n\nevent: message\ndata: {\"answer\":\"y\"}\n\nevent: message_end\ndata: {}\n\n"))
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, "xy", text)
}

func TestRunWorkflow_StreamingMalformedEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			`{"event":"message","answer":"He"}`,
			`{"event":"message","answer":`,
			`{"event":"message","answer":"llo"}`,
			`{"event":"message_end"}`,
		)
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedEvent)
	assert.Empty(t, text)
}

func TestRunWorkflow_StreamingErrorEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			`{"event":"message","answer":"partial"}`,
			`{"event":"error","status":400,"code":"completion_request_error","message":"quota exceeded"}`,
		)
	})

	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWorkflowFailed)
	assert.Contains(t, err.Error(), "completion_request_error: quota exceeded")
}

func TestRunWorkflow_StreamingFailedWorkflow(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			`{"event":"text_chunk","data":{"text":"half"}}`,
			`{"event":"workflow_finished","data":{"status":"failed","error":"tool crashed"}}`,
		)
	})

	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{})
	assert.ErrorIs(t, err, ErrWorkflowFailed)
}

func TestRunWorkflow_StreamingRequestAnsweredWithJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"outputs":{"text":"direct"}}}`))
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeStreaming}, CallOptions{OutputField: "text"})
	require.NoError(t, err)
	assert.Equal(t, "direct", text)
}

func TestRunWorkflow_Unauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":"unauthorized","message":"Access token is invalid","status":401}`))
	})

	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "authorization failed")
	assert.Contains(t, err.Error(), "Access token is invalid")
}

func TestRunWorkflow_ServerErrorWithPlainBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{})
	require.Error(t, err)
	assert.Equal(t, "HTTP error 502 Bad Gateway: upstream exploded", err.Error())
}

func TestRunWorkflow_MissingAPIKey(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()
	client := NewDifyClient(DifyConfig{BaseURL: srv.URL, Timeout: time.Second})

	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{APIKey: "   "})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
	assert.False(t, called)
}

func TestRunWorkflow_PerCallAPIKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer app-override", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":{"outputs":{"text":"ok"}}}`))
	})

	text, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{APIKey: "app-override", OutputField: "text"})
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestRunWorkflow_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	timeout := 200 * time.Millisecond
	client := NewDifyClient(DifyConfig{BaseURL: srv.URL, APIKey: "k", Timeout: timeout})

	start := time.Now()
	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, elapsed, 2*time.Second)
}

func TestRunWorkflow_Idempotent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvents(w,
			`{"event":"message","answer":"same "}`,
			`{"event":"message","answer":"answer"}`,
			`{"event":"message_end"}`,
		)
	})
	req := WorkflowRequest{Inputs: map[string]interface{}{"q": "x"}, ResponseMode: models.ResponseModeStreaming}

	first, err := client.RunWorkflow(context.Background(), req, CallOptions{})
	require.NoError(t, err)
	second, err := client.RunWorkflow(context.Background(), req, CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "same answer", first)
}

func TestRunWorkflow_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewDifyClient(DifyConfig{BaseURL: url, APIKey: "k", Timeout: time.Second})
	_, err := client.RunWorkflow(context.Background(),
		WorkflowRequest{ResponseMode: models.ResponseModeBlocking}, CallOptions{})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "failed to make request"))
}

func TestSendChatMessage(t *testing.T) {
	t.Run("Blocking", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/chat-messages", r.URL.Path)
			var req ChatRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "what is mcp?", req.Query)
			assert.Equal(t, "conv-1", req.ConversationID)
			assert.NotNil(t, req.Inputs)
			w.Write([]byte(`{"message_id":"m-1","conversation_id":"conv-1","answer":"A protocol."}`))
		})

		resp, err := client.SendChatMessage(context.Background(), ChatRequest{
			Query:          "what is mcp?",
			ResponseMode:   models.ResponseModeBlocking,
			ConversationID: "conv-1",
		}, CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, "A protocol.", resp.Answer)
		assert.Equal(t, "conv-1", resp.ConversationID)
	})

	t.Run("Streaming", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w,
				`{"event":"agent_message","conversation_id":"conv-9","message_id":"m-9","answer":"Hi "}`,
				`{"event":"agent_message","conversation_id":"conv-9","message_id":"m-9","answer":"there"}`,
				`{"event":"message_end","conversation_id":"conv-9","message_id":"m-9"}`,
			)
		})

		resp, err := client.SendChatMessage(context.Background(), ChatRequest{
			Query:        "hello",
			ResponseMode: models.ResponseModeStreaming,
		}, CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, "Hi there", resp.Answer)
		assert.Equal(t, "conv-9", resp.ConversationID)
		assert.Equal(t, "m-9", resp.MessageID)
	})

	t.Run("MessageReplace", func(t *testing.T) {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeEvents(w,
				`{"event":"message","answer":"something rude"}`,
				`{"event":"message_replace","answer":"[moderated]"}`,
				`{"event":"message_end"}`,
			)
		})

		resp, err := client.SendChatMessage(context.Background(), ChatRequest{
			Query:        "hello",
			ResponseMode: models.ResponseModeStreaming,
		}, CallOptions{})
		require.NoError(t, err)
		assert.Equal(t, "[moderated]", resp.Answer)
	})
}

func TestConversationMessages(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations/conv 1/messages", r.URL.Path)
		assert.Equal(t, "first-9", r.URL.Query().Get("first_id"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "abc-123", r.URL.Query().Get("user"))
		w.Write([]byte(`{"data":[{"id":"1","query":"hi","answer":"hello"},{"id":"2","role":"user","content":"bye"}],"has_more":true}`))
	})

	page, err := client.ConversationMessages(context.Background(), HistoryQuery{
		ConversationID: "conv 1",
		FirstID:        "first-9",
		Limit:          5,
	}, CallOptions{})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "hi", page.Messages[0].Query)
	assert.Equal(t, "bye", page.Messages[1].Content)
	assert.True(t, page.HasMore)

	_, err = client.ConversationMessages(context.Background(), HistoryQuery{}, CallOptions{})
	assert.Error(t, err)
}
