package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"dify-mcp/bridge/internal/repository"
)

const pingTimeout = 2 * time.Second

// Handler contains HTTP handlers served next to the MCP endpoints.
type Handler struct {
	store   repository.InvocationStore
	version string
}

// NewHandler creates a new Handler with required dependencies
func NewHandler(store repository.InvocationStore, version string) *Handler {
	if store == nil {
		store = repository.NopInvocationStore{}
	}
	return &Handler{store: store, version: version}
}

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// RegisterHandlers mounts the handler routes on e.
func RegisterHandlers(e *echo.Echo, h *Handler) {
	e.GET("/healthz", h.HandleHealth)
}

// HandleHealth reports ok, or 503 when the audit store cannot be reached.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return writeError(c, http.StatusServiceUnavailable, "Audit store unavailable", err.Error())
	}

	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "dify-mcp-bridge",
		Version:   h.version,
		Checks:    map[string]string{"audit_store": "ok"},
	})
}

// writeError writes an RFC 7807 Problem Details JSON error response
func writeError(c echo.Context, status int, title, detail string) error {
	problem := ProblemDetails{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Request().URL.Path,
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
	c.Response().WriteHeader(status)
	return json.NewEncoder(c.Response()).Encode(problem)
}
