package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-supervisor-go/internal/event"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpproc"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcprpc"
)

// StatusNotFound is reported by GetServerStatus for unknown ids.
const StatusNotFound = "not_found"

// Manager supervises a set of tool servers, one process handle and at most
// one JSON-RPC connection per registered id.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger
	metrics *metrics
	events  event.Bus[Event]

	states map[string]*managedState

	closing      bool
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// managedState pairs a process with its connection. opMu serializes the
// lifecycle operations for one id; the conn fields are guarded by Manager.mu.
type managedState struct {
	opMu sync.Mutex

	server      *mcpproc.Server
	unsubscribe func()
	removed     bool

	conn            *mcprpc.Conn
	connUnsubscribe func()
}

// NewManager constructs a Manager with optional initial server
// configurations. Servers are registered but not started. Callers can provide
// nil options to fall back to sensible defaults. The returned Manager runs a
// background health loop until Shutdown.
func NewManager(cfg map[string]ServerConfig, opts *ManagerOptions) (*Manager, error) {
	options := opts.normalized()
	m := &Manager{
		options: options,
		logger:  options.Logger,
		states:  make(map[string]*managedState),
	}
	met, err := newMetrics(options.MeterProvider, m)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: init metrics: %w", err)
	}
	m.metrics = met

	ids := make([]string, 0, len(cfg))
	for id := range cfg {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	var errs []error
	for _, id := range ids {
		if err := m.AddServer(id, cfg[id]); err != nil {
			errs = append(errs, fmt.Errorf("mcpmgr: server %q: %w", id, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.metrics.close()
		return nil, err
	}

	if options.HealthCheckInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.healthCancel = cancel
		m.healthDone = make(chan struct{})
		go m.runHealthLoop(ctx, options.HealthCheckInterval)
	}
	return m, nil
}

func errShuttingDown() error {
	return mcperr.New(mcperr.CodeGeneric, "manager is shutting down")
}

func errUnknownServer(id string) error {
	return mcperr.New(mcperr.CodeGeneric, fmt.Sprintf("unknown server %q", id)).With("serverId", id)
}

func (m *Manager) isClosing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closing
}

// AddServer validates cfg and registers a stopped server under id.
func (m *Manager) AddServer(id string, cfg ServerConfig) error {
	if m.isClosing() {
		return errShuttingDown()
	}
	if strings.TrimSpace(id) == "" {
		return mcperr.Validation("server id is required", "id")
	}
	if m.HasServer(id) {
		return mcperr.New(mcperr.CodeGeneric, fmt.Sprintf("server %q already registered", id)).With("serverId", id)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = m.options.DefaultTimeout
	}
	srv, err := mcpproc.NewServer(id, cfg, m.options.processOptions(m.logger)...)
	if err != nil {
		return err
	}
	state := &managedState{server: srv}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return errShuttingDown()
	}
	if _, exists := m.states[id]; exists {
		m.mu.Unlock()
		return mcperr.New(mcperr.CodeGeneric, fmt.Sprintf("server %q already registered", id)).With("serverId", id)
	}
	state.unsubscribe = srv.Subscribe(func(ev mcpproc.Event) { m.forwardProcess(id, ev) })
	m.states[id] = state
	m.mu.Unlock()

	m.logger.Info("server added", "server", id, "command", cfg.Command)
	m.emit(Event{Type: EventServerAdded, ServerID: id})
	return nil
}

// RemoveServer stops the server if needed and forgets it.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	state, err := m.lockState(id)
	if err != nil {
		return err
	}
	defer state.opMu.Unlock()

	stopErr := m.stopLocked(ctx, state)

	m.mu.Lock()
	delete(m.states, id)
	state.removed = true
	m.mu.Unlock()
	state.unsubscribe()

	m.logger.Info("server removed", "server", id)
	m.emit(Event{Type: EventServerRemoved, ServerID: id})
	return stopErr
}

// StartServer spawns the process and performs the handshake on a fresh
// connection. Failed attempts are retried MaxRetries times, RetryDelay apart;
// configuration errors and missing executables are not retried.
func (m *Manager) StartServer(ctx context.Context, id string) error {
	if m.isClosing() {
		return errShuttingDown()
	}
	state, err := m.lockState(id)
	if err != nil {
		return err
	}
	defer state.opMu.Unlock()
	return m.startLocked(ctx, id, state)
}

// StopServer disconnects the connection, rejecting its outstanding requests,
// then stops the process.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	state, err := m.lockState(id)
	if err != nil {
		return err
	}
	defer state.opMu.Unlock()
	return m.stopLocked(ctx, state)
}

// RestartServer stops the server, waits RestartDelay, and starts it again.
func (m *Manager) RestartServer(ctx context.Context, id string) error {
	if m.isClosing() {
		return errShuttingDown()
	}
	state, err := m.lockState(id)
	if err != nil {
		return err
	}
	defer state.opMu.Unlock()
	if m.isClosing() {
		return errShuttingDown()
	}

	if err := m.stopLocked(ctx, state); err != nil {
		return err
	}
	if err := sleepCtx(ctx, m.options.RestartDelay); err != nil {
		return err
	}
	return m.startLocked(ctx, id, state)
}

// UpdateServerConfig applies patch. A running server is stopped before and
// started again after the change; a stopped server only has its config
// replaced.
func (m *Manager) UpdateServerConfig(ctx context.Context, id string, patch ConfigPatch) error {
	if m.isClosing() {
		return errShuttingDown()
	}
	if err := patch.Validate(); err != nil {
		return err
	}
	state, err := m.lockState(id)
	if err != nil {
		return err
	}
	defer state.opMu.Unlock()
	if m.isClosing() {
		return errShuttingDown()
	}

	wasRunning := state.server.IsRunning()
	if wasRunning {
		if err := m.stopLocked(ctx, state); err != nil {
			return err
		}
	}
	if err := state.server.UpdateConfig(patch); err != nil {
		return err
	}
	m.logger.Info("server config updated", "server", id, "restart", wasRunning)
	if !wasRunning {
		return nil
	}
	return m.startLocked(ctx, id, state)
}

// lookup returns the state for id without taking its operation lock.
func (m *Manager) lookup(id string) (*managedState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	state, ok := m.states[id]
	return state, ok
}

// lockState returns the state for id with opMu held.
func (m *Manager) lockState(id string) (*managedState, error) {
	state, ok := m.lookup(id)
	if !ok {
		return nil, errUnknownServer(id)
	}
	state.opMu.Lock()
	if state.removed {
		state.opMu.Unlock()
		return nil, errUnknownServer(id)
	}
	return state, nil
}

// startLocked spawns nothing once Shutdown has begun, even for callers that
// were already queued on opMu.
func (m *Manager) startLocked(ctx context.Context, id string, state *managedState) error {
	if m.isClosing() {
		return errShuttingDown()
	}
	if state.server.IsRunning() && m.connOf(state) != nil {
		return nil
	}
	cfg := state.server.Config()

	var policy backoff.BackOff = backoff.NewConstantBackOff(cfg.RetryDelay)
	policy = backoff.WithMaxRetries(policy, uint64(cfg.Retries()))
	policy = backoff.WithContext(policy, ctx)

	attempt := 0
	op := func() error {
		if m.isClosing() {
			return backoff.Permanent(errShuttingDown())
		}
		attempt++
		err := m.startOnce(ctx, id, state)
		m.metrics.startAttempt(ctx, id, err)
		if err == nil {
			return nil
		}
		if state.server.IsRunning() {
			_ = m.stopLocked(context.WithoutCancel(ctx), state)
		}
		if isPermanentStartError(err) || m.isClosing() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Warn("server start failed, retrying", "server", id, "attempt", attempt, "retryIn", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		m.logger.Error("server failed to start", "server", id, "attempts", attempt, "error", err)
		return err
	}
	m.logger.Info("server ready", "server", id, "pid", state.server.PID())
	return nil
}

func (m *Manager) startOnce(ctx context.Context, id string, state *managedState) error {
	if !state.server.IsRunning() {
		if err := state.server.Start(ctx); err != nil {
			return err
		}
	}
	cfg := state.server.Config()
	conn := mcprpc.New(state.server, mcprpc.Options{
		Timeout:         cfg.Timeout,
		ClientInfo:      &mcp.Implementation{Name: m.options.ClientName, Version: m.options.ClientVersion},
		ProtocolVersion: m.options.ProtocolVersion,
		Logger:          m.logger.With("server", id),
	})
	unsubscribe := conn.Subscribe(func(ev mcprpc.Event) { m.forwardConn(id, ev) })

	m.mu.Lock()
	state.conn = conn
	state.connUnsubscribe = unsubscribe
	m.mu.Unlock()

	if err := conn.Connect(ctx); err != nil {
		m.detachConn(state)
		return err
	}
	return nil
}

func isPermanentStartError(err error) bool {
	return mcperr.CodeOf(err) == mcperr.CodeConfiguration ||
		mcpproc.IsNotFound(err) ||
		errors.Is(err, context.Canceled)
}

func (m *Manager) stopLocked(ctx context.Context, state *managedState) error {
	m.detachConn(state)
	return state.server.Stop(ctx)
}

// detachConn disconnects and discards the state's connection, if any.
func (m *Manager) detachConn(state *managedState) {
	m.mu.Lock()
	conn, unsubscribe := state.conn, state.connUnsubscribe
	state.conn, state.connUnsubscribe = nil, nil
	m.mu.Unlock()
	if conn == nil {
		return
	}
	conn.Disconnect()
	unsubscribe()
}

// dropConnIfDead runs on process exit. It must not take opMu: a StartServer
// holding it may be waiting on the handshake this unblocks.
func (m *Manager) dropConnIfDead(id string) {
	state, ok := m.lookup(id)
	if !ok {
		return
	}
	m.detachConn(state)
}

func (m *Manager) connOf(state *managedState) *mcprpc.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return state.conn
}

// ServerIDs returns known server identifiers in sorted order.
func (m *Manager) ServerIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// HasServer reports whether a server ID is known.
func (m *Manager) HasServer(id string) bool {
	_, ok := m.lookup(id)
	return ok
}

// Shutdown stops the health loop and every server concurrently. Afterwards
// AddServer, StartServer, RestartServer and UpdateServerConfig fail fast;
// stop, remove and read operations keep working. Calling it again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	cancel, done := m.healthCancel, m.healthDone
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, id := range m.ServerIDs() {
		g.Go(func() error {
			if err := m.StopServer(ctx, id); err != nil && !errors.Is(err, mcperr.ErrGeneric) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mcpmgr: stop %q: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.metrics.close()

	m.logger.Info("manager shut down")
	m.emit(Event{Type: EventManagerShutdown})
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
