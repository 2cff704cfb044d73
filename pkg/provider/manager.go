// Package provider manages the capability provider subprocesses. Each
// provider speaks JSON-RPC 2.0 over its stdio pair; the manager owns
// the process handles, performs the initialize handshake, caches the
// advertised tools under canonical names and relays tool invocations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/tools"
)

// ProtocolVersion is the MCP protocol revision the manager negotiates.
const ProtocolVersion = "2024-11-05"

// State of one managed provider.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
	StateDisabled State = "disabled"
)

// Status is the health view of one provider.
type Status struct {
	Name        string `json:"name"`
	State       State  `json:"state"`
	Description string `json:"description,omitempty"`
	ToolCount   int    `json:"tool_count"`
	Error       string `json:"error,omitempty"`
}

// handle owns one subprocess. The semaphore serializes calls: the
// providers are single-threaded stdio processes.
type handle struct {
	name string
	cfg  config.ProviderConfig

	mu     sync.RWMutex
	client *client.Client
	state  State
	err    error

	stderr *stderrTail

	sem chan struct{}
}

func (h *handle) setState(s State, err error) {
	h.mu.Lock()
	h.state = s
	h.err = err
	h.mu.Unlock()
}

func (h *handle) getState() (State, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state, h.err
}

// Manager spawns and supervises the configured providers.
type Manager struct {
	cfgs     map[string]config.ProviderConfig
	registry *tools.Registry

	mu      sync.RWMutex
	handles map[string]*handle

	clientName    string
	clientVersion string
}

// NewManager creates a manager over the provider registry file
// entries. Nothing is spawned until StartAll.
func NewManager(cfgs map[string]config.ProviderConfig, reg *tools.Registry) *Manager {
	return &Manager{
		cfgs:          cfgs,
		registry:      reg,
		handles:       make(map[string]*handle),
		clientName:    "atlas",
		clientVersion: "1.0.0",
	}
}

// StartAll spawns every enabled provider and performs the initialize
// handshake. A failed optional provider is marked disabled; a failed
// required provider aborts startup.
func (m *Manager) StartAll(ctx context.Context) error {
	names := make([]string, 0, len(m.cfgs))
	for name := range m.cfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := m.cfgs[name]
		h := &handle{
			name: name,
			cfg:  cfg,
			sem:  make(chan struct{}, 1),
		}
		m.mu.Lock()
		m.handles[name] = h
		m.mu.Unlock()

		if !cfg.IsEnabled() {
			h.setState(StateDisabled, nil)
			continue
		}

		if err := m.start(ctx, h); err != nil {
			h.setState(StateFailed, err)
			slog.Error("provider failed to start", "provider", name, "error", err)
			if cfg.Required {
				return fmt.Errorf("required provider %q failed to start: %w", name, err)
			}
			continue
		}
	}
	return nil
}

func (m *Manager) start(ctx context.Context, h *handle) error {
	h.setState(StateStarting, nil)

	mcpClient, err := client.NewStdioMCPClient(h.cfg.Command, flattenEnv(h.cfg.Env), h.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to spawn provider: %w", err)
	}

	if r, ok := client.GetStderr(mcpClient); ok {
		tail := newStderrTail(stderrTailCap)
		go tail.consume(r)
		h.mu.Lock()
		h.stderr = tail
		h.mu.Unlock()
	}

	initCtx, cancel := context.WithTimeout(ctx, h.cfg.InitTimeout())
	defer cancel()

	if err := mcpClient.Start(initCtx); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to start provider transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    m.clientName,
		Version: m.clientVersion,
	}
	initReq.Params.ProtocolVersion = ProtocolVersion

	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	h.mu.Lock()
	h.client = mcpClient
	h.mu.Unlock()

	if err := m.refreshTools(initCtx, h); err != nil {
		mcpClient.Close()
		return err
	}

	h.setState(StateReady, nil)
	slog.Info("provider ready", "provider", h.name, "command", h.cfg.Command)
	return nil
}

// refreshTools re-lists the provider's tools and atomically replaces
// its slice of the registry cache.
func (m *Manager) refreshTools(ctx context.Context, h *handle) error {
	h.mu.RLock()
	mcpClient := h.client
	h.mu.RUnlock()
	if mcpClient == nil {
		return fmt.Errorf("provider %q not connected", h.name)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("tools/list failed: %w", err)
	}

	defs := make([]protocol.ToolDef, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		defs = append(defs, protocol.ToolDef{
			Name:        protocol.CanonicalName(h.name, NormalizeAction(h.name, t.Name)),
			Provider:    h.name,
			WireName:    t.Name,
			Description: t.Description,
			InputSchema: convertSchema(t.InputSchema),
		})
	}
	m.registry.ReplaceProvider(h.name, defs)

	slog.Info("provider tools cached", "provider", h.name, "tools", len(defs))
	return nil
}

// Dispatch relays one validated and inspected tool call. The call's
// Tool field is canonical; translation to the provider's wire form
// happens here and nowhere else.
func (m *Manager) Dispatch(ctx context.Context, call protocol.ToolCall) protocol.ExecutionResult {
	start := time.Now()
	result := protocol.ExecutionResult{Call: call}

	h, ok := m.handle(call.Provider)
	if !ok {
		return fail(result, protocol.ErrToolNotFound, "unknown provider %q", call.Provider)
	}

	state, stateErr := h.getState()
	switch state {
	case StateReady:
	case StateDisabled, StateFailed:
		msg := "provider-disabled"
		if stateErr != nil {
			msg = fmt.Sprintf("provider-disabled: %v", stateErr)
		}
		return fail(result, protocol.ErrProvider, "%s", msg)
	default:
		return fail(result, protocol.ErrProvider, "provider %q is %s", call.Provider, state)
	}

	def, ok := m.registry.Get(call.Tool)
	if !ok || def.Provider != call.Provider {
		return fail(result, protocol.ErrToolNotFound, "tool %q not advertised by provider %q", call.Tool, call.Provider)
	}

	// Serialize against the single-threaded subprocess.
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-ctx.Done():
		return fail(result, protocol.ErrCancelled, "dispatch cancelled while waiting for provider %q", call.Provider)
	}

	h.mu.RLock()
	mcpClient := h.client
	tail := h.stderr
	h.mu.RUnlock()
	if mcpClient == nil {
		return fail(result, protocol.ErrProviderTerminated, "provider %q has no live transport", call.Provider)
	}

	// The semaphore is held, so the tail holds exactly this call's
	// diagnostic output.
	if tail != nil {
		tail.reset()
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout())
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = def.WireName
	req.Params.Arguments = call.Parameters

	resp, err := mcpClient.CallTool(callCtx, req)
	result.DurationMs = time.Since(start).Milliseconds()
	if tail != nil {
		result.Stderr = tail.snapshot()
	}

	if err != nil {
		// Cancelling callCtx made the transport emit
		// notifications/cancelled before we got here.
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fail(result, protocol.ErrTimeout, "tool call %q exceeded %s", call.Tool, h.cfg.CallTimeout())
		case errors.Is(err, context.Canceled):
			return fail(result, protocol.ErrCancelled, "tool call %q cancelled", call.Tool)
		case isTransportDead(err):
			m.markTerminated(h, err)
			return fail(result, protocol.ErrProviderTerminated, "provider %q terminated: %v", call.Provider, err)
		default:
			return fail(result, protocol.ErrProvider, "tool call %q failed: %v", call.Tool, err)
		}
	}

	content := flattenContent(resp)
	if resp.IsError {
		result.Success = false
		result.Error = content
		result.ErrorKind = protocol.ErrProvider
		return result
	}

	result.Success = true
	result.Content = content
	return result
}

// markTerminated flips the provider to failed and clears its cached
// tools so pending lookups cannot route to a dead process.
func (m *Manager) markTerminated(h *handle, err error) {
	h.setState(StateFailed, err)
	m.registry.DropProvider(h.name)
	slog.Error("provider terminated unexpectedly", "provider", h.name, "error", err)
}

// Statuses reports every provider for the health endpoint.
func (m *Manager) Statuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.handles))
	for name, h := range m.handles {
		state, err := h.getState()
		s := Status{
			Name:        name,
			State:       state,
			Description: h.cfg.Description,
			ToolCount:   len(m.registry.ForProviders([]string{name})),
		}
		if err != nil {
			s.Error = err.Error()
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnabledProviders lists providers currently able to serve calls.
func (m *Manager) EnabledProviders() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for name, h := range m.handles {
		if state, _ := h.getState(); state == StateReady {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Descriptions returns the one-line description per ready provider,
// used by the provider selection stage prompt.
func (m *Manager) Descriptions() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for name, h := range m.handles {
		if state, _ := h.getState(); state == StateReady {
			out[name] = h.cfg.Description
		}
	}
	return out
}

// StopAll drains and closes every provider.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, h := range m.handles {
		state, _ := h.getState()
		if state != StateReady {
			continue
		}
		h.setState(StateDraining, nil)
		h.mu.Lock()
		if h.client != nil {
			h.client.Close()
			h.client = nil
		}
		h.mu.Unlock()
		h.setState(StateStopped, nil)
	}
}

func (m *Manager) handle(name string) (*handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[name]
	return h, ok
}

func fail(result protocol.ExecutionResult, kind protocol.ErrorKind, format string, args ...any) protocol.ExecutionResult {
	result.Success = false
	result.Error = fmt.Sprintf(format, args...)
	result.ErrorKind = kind
	return result
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func isTransportDead(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "process exited")
}

func flattenContent(resp *mcp.CallToolResult) string {
	var parts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
