package mcp

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/codeloop-ai/codeloop/internal/tools"
)

// ServerStatus is the connection state of one server.
type ServerStatus string

const (
	StatusDisconnected ServerStatus = "disconnected"
	StatusConnecting   ServerStatus = "connecting"
	StatusConnected    ServerStatus = "connected"
)

// DiscoveryState tracks the overall discovery pass.
type DiscoveryState string

const (
	DiscoveryNotStarted DiscoveryState = "not_started"
	DiscoveryInProgress DiscoveryState = "in_progress"
	DiscoveryCompleted  DiscoveryState = "completed"
)

// StatusListener observes per-server status transitions.
type StatusListener func(serverName string, status ServerStatus)

// Manager owns MCP global state: the status map, the OAuth-requirement
// map and the discovery state. It is written only by this subsystem,
// between Discover and Shutdown.
type Manager struct {
	servers map[string]ServerConfig
	auth    *Authenticator

	mu            sync.RWMutex
	clients       map[string]*Client
	statuses      map[string]ServerStatus
	requiresOAuth map[string]bool
	discovery     DiscoveryState
	listeners     []StatusListener
}

// NewManager creates a manager for the configured server map. tokenDir
// stores per-server OAuth tokens.
func NewManager(servers map[string]ServerConfig, tokenDir string) *Manager {
	return &Manager{
		servers:       servers,
		auth:          NewAuthenticator(tokenDir),
		clients:       make(map[string]*Client),
		statuses:      make(map[string]ServerStatus),
		requiresOAuth: make(map[string]bool),
		discovery:     DiscoveryNotStarted,
	}
}

// AddStatusListener registers a listener for status transitions.
// Listeners are notified on every change.
func (m *Manager) AddStatusListener(l StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) setStatus(name string, status ServerStatus) {
	m.mu.Lock()
	m.statuses[name] = status
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, l := range listeners {
		l(name, status)
	}
}

// Status returns the current status of a server.
func (m *Manager) Status(name string) ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.statuses[name]; ok {
		return s
	}
	return StatusDisconnected
}

// Statuses returns a copy of the status map.
func (m *Manager) Statuses() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServerStatus, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// RequiresOAuth reports whether a server demanded OAuth during connect.
func (m *Manager) RequiresOAuth(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requiresOAuth[name]
}

// DiscoveryState returns the overall discovery state.
func (m *Manager) DiscoveryState() DiscoveryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.discovery
}

// ServerNames returns the configured server names, sorted.
func (m *Manager) ServerNames() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discover connects to all configured servers in parallel, discovers
// their tools and prompts, and registers the tools into registry.
// Individual server failures are logged and skipped; discovery always
// completes.
func (m *Manager) Discover(ctx context.Context, registry *tools.Registry) {
	m.mu.Lock()
	m.discovery = DiscoveryInProgress
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, cfg := range m.servers {
		if err := cfg.Validate(); err != nil {
			slog.Warn("mcp server config invalid", "server", name, "error", err)
			m.setStatus(name, StatusDisconnected)
			continue
		}
		wg.Add(1)
		go func(name string, cfg ServerConfig) {
			defer wg.Done()
			m.discoverServer(ctx, name, cfg, registry)
		}(name, cfg)
	}
	wg.Wait()

	m.mu.Lock()
	m.discovery = DiscoveryCompleted
	m.mu.Unlock()
}

func (m *Manager) discoverServer(ctx context.Context, name string, cfg ServerConfig, registry *tools.Registry) {
	m.setStatus(name, StatusConnecting)

	client := NewClient(name, cfg, m.auth)
	err := client.Connect(ctx)
	if client.RequiresOAuth() {
		m.mu.Lock()
		m.requiresOAuth[name] = true
		m.mu.Unlock()
	}
	if err != nil && client.CanFallback(err) {
		// Surface the failed attempt, then retry through OAuth.
		m.setStatus(name, StatusDisconnected)
		m.setStatus(name, StatusConnecting)
		err = client.AuthenticateAndReconnect(ctx, err)
	}
	if err != nil {
		slog.Warn("mcp connect failed", "server", name, "error", err)
		m.setStatus(name, StatusDisconnected)
		return
	}
	if err := client.Discover(ctx); err != nil {
		slog.Warn("mcp discovery failed", "server", name, "error", err)
		client.Close()
		m.setStatus(name, StatusDisconnected)
		return
	}

	m.mu.Lock()
	m.clients[name] = client
	m.mu.Unlock()

	for _, spec := range client.Tools() {
		registry.Register(NewDiscoveredTool(client, name, spec, cfg.Timeout(), cfg.Trust))
	}
	m.setStatus(name, StatusConnected)
}

// Client returns the live client for a connected server.
func (m *Manager) Client(name string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[name]
	return c, ok
}

// Shutdown closes every connection and resets global state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.statuses = make(map[string]ServerStatus)
	m.requiresOAuth = make(map[string]bool)
	m.discovery = DiscoveryNotStarted
	m.mu.Unlock()

	for name, client := range clients {
		if err := client.Close(); err != nil {
			slog.Warn("mcp close failed", "server", name, "error", err)
		}
	}
}
