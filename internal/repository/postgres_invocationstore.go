package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"dify-mcp/bridge/pkg/models"
)

const invocationSchema = `CREATE TABLE IF NOT EXISTS tool_invocations (
	id UUID PRIMARY KEY,
	tool TEXT NOT NULL,
	user_id TEXT NOT NULL,
	response_mode TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	output_bytes INT NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`

// PostgresInvocationStore is a PostgreSQL implementation of the InvocationStore interface.
type PostgresInvocationStore struct {
	db *pgxpool.Pool
}

// NewPostgresInvocationStore creates a new PostgresInvocationStore.
func NewPostgresInvocationStore(db *pgxpool.Pool) *PostgresInvocationStore {
	return &PostgresInvocationStore{db: db}
}

// EnsureSchema creates the invocation table if it does not exist.
func (s *PostgresInvocationStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, invocationSchema)
	return err
}

// Record saves an invocation to the store.
func (s *PostgresInvocationStore) Record(ctx context.Context, inv *models.Invocation) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO tool_invocations (id, tool, user_id, response_mode, status, error, output_bytes, duration_ms, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		inv.ID, inv.Tool, inv.UserID, string(inv.ResponseMode), string(inv.Status), inv.Error, inv.OutputBytes, inv.DurationMs, inv.CreatedAt)
	return err
}

// Ping checks the database connection.
func (s *PostgresInvocationStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
