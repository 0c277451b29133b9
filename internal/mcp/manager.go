// Package mcp runs the helper MCP servers the investigator drives (browser
// automation and similar) and exposes their tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	initTimeout = 10 * time.Second
	listTimeout = 5 * time.Second
)

// ServerConfig defines an MCP server to start.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
}

// Tool is an MCP tool qualified by the server that provides it.
type Tool struct {
	Server string
	MCPTool
}

// Manager owns one client per enabled server. Start and Stop may be called
// repeatedly; it implements the liveness pool.
type Manager struct {
	configs []ServerConfig
	logger  *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
	started map[string]time.Time
}

// NewManager returns a Manager for configs; nothing starts until Start.
func NewManager(configs []ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configs: configs,
		logger:  logger,
		clients: make(map[string]*Client),
		started: make(map[string]time.Time),
	}
}

// Enabled returns the number of enabled servers.
func (m *Manager) Enabled() int {
	n := 0
	for _, cfg := range m.configs {
		if cfg.Enabled {
			n++
		}
	}
	return n
}

// Start launches and initializes every enabled server not already connected.
// A server that fails to start is logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, cfg := range m.configs {
		if !cfg.Enabled {
			continue
		}
		if _, ok := m.clients[cfg.Name]; ok {
			continue
		}
		m.logger.Info("starting mcp server", "name", cfg.Name, "command", cfg.Command)

		transport, err := NewRespawningTransport(cfg, m.logger)
		if err != nil {
			m.logger.Error("failed to start mcp server", "name", cfg.Name, "error", err)
			continue
		}
		client, err := NewClient(cfg.Name, transport)
		if err != nil {
			m.logger.Error("failed to create mcp client", "name", cfg.Name, "error", err)
			_ = transport.Close()
			continue
		}

		initCtx, cancel := context.WithTimeout(ctx, initTimeout)
		err = client.Initialize(initCtx)
		cancel()
		if err != nil {
			m.logger.Error("failed to initialize mcp client", "name", cfg.Name, "error", err)
			_ = client.Close()
			continue
		}

		m.clients[cfg.Name] = client
		m.started[cfg.Name] = time.Now()
		m.logger.Info("mcp server initialized", "name", cfg.Name, "pid", transport.PID())
	}
	return ctx.Err()
}

// Stop closes every client and kills its server process.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Warn("error stopping mcp client", "server", name, "error", err)
		}
	}
	m.clients = make(map[string]*Client)
	m.started = make(map[string]time.Time)
	return nil
}

// Connected returns the names of connected servers, sorted.
func (m *Manager) Connected() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Healthy reports whether server is connected.
func (m *Manager) Healthy(server string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clients[server]
	return ok
}

// Tools lists the tools of every connected server. A server that fails to
// answer is logged and left out.
func (m *Manager) Tools(ctx context.Context) []Tool {
	m.mu.RLock()
	clients := make(map[string]*Client, len(m.clients))
	for name, c := range m.clients {
		clients[name] = c
	}
	m.mu.RUnlock()

	var out []Tool
	for name, client := range clients {
		listCtx, cancel := context.WithTimeout(ctx, listTimeout)
		tools, err := client.ListTools(listCtx)
		cancel()
		if err != nil {
			m.logger.Warn("failed to list tools", "server", name, "error", err)
			continue
		}
		for _, t := range tools {
			out = append(out, Tool{Server: name, MCPTool: t})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CallTool invokes a tool on a connected server.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.RLock()
	client, ok := m.clients[server]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server not connected: %s", server)
	}
	return client.CallTool(ctx, tool, args)
}
