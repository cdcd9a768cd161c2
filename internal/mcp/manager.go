// Package mcp merges external MCP tool servers into the tool registry.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/openweaver/wisp/internal/config"
	"github.com/openweaver/wisp/internal/tools"
)

const (
	defaultCallTimeout  = 60 * time.Second
	healthCheckInterval = 30 * time.Second
)

// ServerStatus reports one server for `wisp status`.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

// serverState tracks one connected MCP server.
type serverState struct {
	name      string
	transport string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string
	cancel    context.CancelFunc

	mu      sync.Mutex
	lastErr string
}

// Manager connects configured servers and registers their tools.
type Manager struct {
	registry *tools.Registry
	configs  []config.MCPServerConfig

	mu      sync.RWMutex
	servers map[string]*serverState
}

// NewManager creates a Manager over the given server configs.
func NewManager(registry *tools.Registry, configs []config.MCPServerConfig) *Manager {
	return &Manager{
		registry: registry,
		configs:  configs,
		servers:  make(map[string]*serverState),
	}
}

// Start connects every configured server. Connection failures are logged
// and skipped; a broken MCP server must not take the gateway down.
func (m *Manager) Start(ctx context.Context) {
	for _, cfg := range m.configs {
		if err := m.connect(ctx, cfg); err != nil {
			slog.Warn("mcp server unavailable", "server", cfg.Name, "error", err)
		}
	}
}

// Stop disconnects all servers and removes their tools.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, ss := range m.servers {
		if ss.cancel != nil {
			ss.cancel()
		}
		if ss.client != nil {
			_ = ss.client.Close()
		}
		for _, toolName := range ss.toolNames {
			m.registry.Unregister(toolName)
		}
		slog.Debug("mcp server disconnected", "server", name, "tools", len(ss.toolNames))
	}
	m.servers = make(map[string]*serverState)
}

// Status snapshots all servers.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	statuses := make([]ServerStatus, 0, len(m.servers))
	for _, ss := range m.servers {
		ss.mu.Lock()
		lastErr := ss.lastErr
		ss.mu.Unlock()
		statuses = append(statuses, ServerStatus{
			Name:      ss.name,
			Transport: ss.transport,
			Connected: ss.connected.Load(),
			ToolCount: len(ss.toolNames),
			Error:     lastErr,
		})
	}
	return statuses
}

func (m *Manager) connect(ctx context.Context, cfg config.MCPServerConfig) error {
	transportType := cfg.Transport
	if transportType == "" {
		transportType = "stdio"
	}

	client, err := createClient(transportType, cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	// stdio starts with the subprocess; network transports need an
	// explicit Start.
	if transportType != "stdio" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "wisp", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	ss := &serverState{name: cfg.Name, transport: transportType, client: client}
	ss.connected.Store(true)

	for _, remote := range listed.Tools {
		st := &serverTool{server: cfg.Name, tool: remote, caller: client, timeout: defaultCallTimeout}
		if _, exists := m.registry.Get(st.Name()); exists {
			slog.Warn("mcp tool name collision, skipped", "server", cfg.Name, "tool", st.Name())
			continue
		}
		if err := m.registry.Register(st); err != nil {
			slog.Warn("mcp tool registration failed", "tool", st.Name(), "error", err)
			continue
		}
		ss.toolNames = append(ss.toolNames, st.Name())
	}

	hctx, hcancel := context.WithCancel(context.Background())
	ss.cancel = hcancel
	go m.healthLoop(hctx, ss)

	m.mu.Lock()
	m.servers[cfg.Name] = ss
	m.mu.Unlock()

	slog.Info("mcp server connected",
		"server", cfg.Name, "transport", transportType, "tools", len(ss.toolNames))
	return nil
}

func createClient(transportType string, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch transportType {
	case "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "http":
		return mcpclient.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported transport %q", transportType)
	}
}

// healthLoop pings the server periodically. Servers without a ping
// handler are considered healthy.
func (m *Manager) healthLoop(ctx context.Context, ss *serverState) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := ss.client.Ping(ctx)
			if err != nil && !strings.Contains(strings.ToLower(err.Error()), "method not found") {
				ss.connected.Store(false)
				ss.mu.Lock()
				ss.lastErr = err.Error()
				ss.mu.Unlock()
				slog.Warn("mcp server unhealthy", "server", ss.name, "error", err)
				continue
			}
			ss.connected.Store(true)
			ss.mu.Lock()
			ss.lastErr = ""
			ss.mu.Unlock()
		}
	}
}
