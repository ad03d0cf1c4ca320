package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrMissingAPIKey is returned before any request is made when no key is configured.
	ErrMissingAPIKey = errors.New("missing Dify API key: set dify.api_key or DIFY_API_KEY")
	// ErrUnexpectedPayload marks a response body that does not have the expected shape.
	ErrUnexpectedPayload = errors.New("unexpected response payload")
	// ErrMalformedEvent marks a stream event whose data is not valid JSON.
	ErrMalformedEvent = errors.New("malformed stream event")
	// ErrWorkflowFailed marks a run the remote side reported as failed.
	ErrWorkflowFailed = errors.New("workflow run failed")
)

// maxErrorBody bounds how much of a failed response is kept for the message.
const maxErrorBody = 4096

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Code       string // Dify error code, e.g. "invalid_param"
	Message    string
}

func (e *StatusError) Error() string {
	detail := e.Message
	if e.Code != "" {
		detail = e.Code + ": " + detail
	}
	detail = strings.TrimSuffix(detail, ": ")

	var msg string
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		msg = fmt.Sprintf("authorization failed (HTTP %d): check the Dify API key", e.StatusCode)
	default:
		msg = fmt.Sprintf("HTTP error %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if detail != "" {
		msg += ": " + detail
	}
	return msg
}

// newStatusError drains a bounded prefix of the body and decodes Dify's
// {"code","message"} error envelope when present.
func newStatusError(resp *http.Response) *StatusError {
	e := &StatusError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil && (envelope.Code != "" || envelope.Message != "") {
		e.Code = envelope.Code
		e.Message = envelope.Message
		return e
	}
	e.Message = strings.TrimSpace(string(body))
	return e
}
