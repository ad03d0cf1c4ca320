package models

import (
	"time"
)

// InvocationStatus is the terminal outcome of one tool call.
type InvocationStatus string

const (
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
)

// Invocation is the audit record written after every tool call.
type Invocation struct {
	ID           string           `json:"id"`
	Tool         string           `json:"tool"`
	UserID       string           `json:"user_id"`
	ResponseMode ResponseMode     `json:"response_mode"`
	Status       InvocationStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	OutputBytes  int              `json:"output_bytes"`
	DurationMs   int64            `json:"duration_ms"`
	CreatedAt    time.Time        `json:"created_at"`
}
