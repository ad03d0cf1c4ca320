// Package mcphost connects to MCP servers the way an agent host does: it reads
// an mcpServers configuration, starts stdio servers, and lists or calls their
// tools.
package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// ServerConfig describes one stdio MCP server.
type ServerConfig struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
	AutoApprove []string          `json:"autoApprove,omitempty"`
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dialer starts a client for cfg. The returned client must already be started.
type Dialer func(ctx context.Context, cfg ServerConfig) (*client.Client, error)

// ErrServerNotFound is returned for an id absent from the configuration.
var ErrServerNotFound = errors.New("server not found")

// Manager tracks configured servers and their live connections.
type Manager struct {
	mu      sync.Mutex
	servers map[string]ServerConfig
	active  map[string]*client.Client
	dial    Dialer
	logger  Logger
}

// NewManager creates a Manager. A nil dial starts servers as subprocesses.
func NewManager(logger Logger, dial Dialer) *Manager {
	if dial == nil {
		dial = DialStdio
	}
	return &Manager{
		servers: map[string]ServerConfig{},
		active:  map[string]*client.Client{},
		dial:    dial,
		logger:  logger,
	}
}

// DialStdio launches cfg.Command and speaks MCP over its stdin/stdout.
func DialStdio(ctx context.Context, cfg ServerConfig) (*client.Client, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
}

// LoadConfig replaces the known servers with the mcpServers entries of the
// JSON file at path. Disabled entries and entries without a command are skipped.
func (m *Manager) LoadConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read MCP config: %w", err)
	}

	// Server ids and env names are case sensitive, so the file is decoded as
	// plain JSON rather than through viper, which folds keys to lower case.
	var file struct {
		Servers map[string]ServerConfig `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to decode MCP config: %w", err)
	}
	if file.Servers == nil {
		return errors.New("invalid MCP config: 'mcpServers' key not found")
	}
	raw := file.Servers

	servers := make(map[string]ServerConfig, len(raw))
	for id, cfg := range raw {
		if cfg.Disabled {
			m.logger.Info("Skipping disabled server", "server", id)
			continue
		}
		if cfg.Command == "" {
			m.logger.Error("Invalid server config: 'command' is required", "server", id)
			continue
		}
		servers[id] = cfg
		m.logger.Info("Loaded server configuration", "server", id)
	}

	m.mu.Lock()
	m.servers = servers
	m.mu.Unlock()
	return nil
}

// ServerIDs returns the configured server ids in sorted order.
func (m *Manager) ServerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Connect starts and initializes the server. Connecting twice is a no-op.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.servers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	if _, ok := m.active[id]; ok {
		m.logger.Warn("Server is already connected", "server", id)
		return nil
	}

	c, err := m.dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to start server %s: %w", id, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "dify-mcp-probe", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("failed to initialize server %s: %w", id, err)
	}

	m.active[id] = c
	m.logger.Info("Connected to server", "server", id)
	return nil
}

// Disconnect closes the connection to the server.
func (m *Manager) Disconnect(id string) error {
	m.mu.Lock()
	c, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("server %s is not connected", id)
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("failed to disconnect from server %s: %w", id, err)
	}
	m.logger.Info("Disconnected from server", "server", id)
	return nil
}

// Close disconnects every active server.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Disconnect(id); err != nil {
			m.logger.Error("Failed to disconnect", "server", id, "error", err)
		}
	}
}

// Tools lists the tools of a connected server.
func (m *Manager) Tools(ctx context.Context, id string) ([]mcp.Tool, error) {
	c, err := m.client(id)
	if err != nil {
		return nil, err
	}

	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get tools from server %s: %w", id, err)
	}
	m.logger.Info("Retrieved tools", "server", id, "count", len(result.Tools))
	return result.Tools, nil
}

// AllTools lists the tools of every connected server, keyed by server id.
// A server that fails to answer is logged and left out.
func (m *Manager) AllTools(ctx context.Context) map[string][]mcp.Tool {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	all := make(map[string][]mcp.Tool, len(ids))
	for _, id := range ids {
		tools, err := m.Tools(ctx, id)
		if err != nil {
			m.logger.Error("Failed to get tools", "server", id, "error", err)
			continue
		}
		all[id] = tools
	}
	return all
}

// CallTool invokes a tool on a connected server.
func (m *Manager) CallTool(ctx context.Context, id, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c, err := m.client(id)
	if err != nil {
		return nil, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return c.CallTool(ctx, req)
}

// AutoApproved reports whether the host may call tool on server id without
// asking the user.
func (m *Manager) AutoApproved(id, tool string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.servers[id].AutoApprove {
		if name == tool {
			return true
		}
	}
	return false
}

func (m *Manager) client(id string) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("server %s is not connected", id)
	}
	return c, nil
}
