package repository

import (
	"context"

	"dify-mcp/bridge/pkg/models"
)

// InvocationStore is an interface for recording tool invocations.
type InvocationStore interface {
	// Record persists one invocation record.
	Record(ctx context.Context, invocation *models.Invocation) error
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// NopInvocationStore discards every record. It is used when no database is configured.
type NopInvocationStore struct{}

func (NopInvocationStore) Record(context.Context, *models.Invocation) error { return nil }
func (NopInvocationStore) Ping(context.Context) error                      { return nil }
