// Package mcpproc owns the operating-system side of a tool server: spawning
// the child process, tracking its lifecycle, writing to its stdin and
// publishing what it prints.
//
// A Server never interprets the bytes it carries. The JSON-RPC layer in
// package mcprpc sits on top of it through the small Stream interface that
// Server satisfies.
package mcpproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/vikashloomba/mcp-supervisor-go/internal/event"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
)

// Status is the lifecycle state of a Server.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// HealthStatus is the last health verdict recorded for a Server.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Stream names one of the child's output pipes.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// EventType identifies a lifecycle or output notification.
type EventType string

const (
	EventStarting EventType = "starting"
	EventStarted  EventType = "started"
	EventStopping EventType = "stopping"
	EventStopped  EventType = "stopped"
	EventError    EventType = "error"
	EventOutput   EventType = "output"
	EventExit     EventType = "exit"
)

// Output is a chunk written by the child. Chunk boundaries are arbitrary.
type Output struct {
	Stream Stream
	Data   []byte
}

// ExitInfo describes how the child terminated. Code is -1 when the process
// was killed by a signal.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// Event is published for every lifecycle transition and output chunk.
type Event struct {
	Type     EventType
	ServerID string
	Time     time.Time
	Err      error
	Output   *Output
	Exit     *ExitInfo
}

// Stats counts traffic written to the child and the outcome of the
// request/response exchanges reported back through RecordResult.
//
// TotalRequests counts every SendBytes call, including notifications and
// replies to server pings that never get a RecordResult. It is therefore at
// least SuccessfulRequests + FailedRequests, not equal to it.
type Stats struct {
	TotalRequests         int64   `json:"totalRequests"`
	SuccessfulRequests    int64   `json:"successfulRequests"`
	FailedRequests        int64   `json:"failedRequests"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`

	responses int64
}

const (
	defaultStopGrace    = 5 * time.Second
	defaultRestartDelay = time.Second
	defaultSettleDelay  = 100 * time.Millisecond
	pipeWaitDelay       = 2 * time.Second
)

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the logger used for lifecycle and stderr messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStopGrace sets how long Stop waits after SIGTERM before killing.
func WithStopGrace(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.stopGrace = d
		}
	}
}

// WithRestartDelay sets the pause between the stop and start halves of
// Restart.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.restartDelay = d
		}
	}
}

// WithSettleDelay sets how long a freshly spawned child must stay alive
// before Start reports it as running.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.settleDelay = d
		}
	}
}

// Server owns one child process. All methods are safe for concurrent use;
// Start, Stop and Restart are serialized against each other.
type Server struct {
	id           string
	logger       *slog.Logger
	stopGrace    time.Duration
	restartDelay time.Duration
	settleDelay  time.Duration

	events event.Bus[Event]

	opMu    sync.Mutex
	writeMu sync.Mutex

	mu        sync.RWMutex
	cfg       Config
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	exited    chan struct{}
	stopping  bool
	status    Status
	startTime time.Time
	lastErr   error
	lastExit  *ExitInfo
	health    HealthStatus
	stats     Stats
}

// NewServer validates cfg and returns a stopped Server.
func NewServer(id string, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		id:           id,
		logger:       slog.Default(),
		stopGrace:    defaultStopGrace,
		restartDelay: defaultRestartDelay,
		settleDelay:  defaultSettleDelay,
		cfg:          cfg.Normalize(),
		status:       StatusStopped,
		health:       HealthUnknown,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("server", id)
	return s, nil
}

// ID returns the identifier the Server was created with.
func (s *Server) ID() string { return s.id }

// Subscribe registers fn for every Event. The returned function removes it.
func (s *Server) Subscribe(fn func(Event)) func() { return s.events.Subscribe(fn) }

// OnStdout registers fn for raw stdout chunks.
func (s *Server) OnStdout(fn func([]byte)) func() {
	return s.events.Subscribe(func(ev Event) {
		if ev.Type == EventOutput && ev.Output != nil && ev.Output.Stream == StreamStdout {
			fn(ev.Output.Data)
		}
	})
}

// Start spawns the child. It returns nil immediately when already running.
// The child counts as live once it has survived the settle window; a child
// that exits earlier fails Start with a startup error.
func (s *Server) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.status == StatusRunning {
		s.mu.Unlock()
		return nil
	}
	cfg := s.cfg.Clone()
	if !cfg.IsEnabled() {
		s.mu.Unlock()
		return mcperr.Configuration(fmt.Sprintf("server %s is disabled", s.id), "enabled")
	}
	s.status = StatusStarting
	s.mu.Unlock()
	s.emit(Event{Type: EventStarting})

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Cwd
	cmd.Env = cfg.Environ()
	cmd.Stdout = &outputWriter{server: s, stream: StreamStdout}
	cmd.Stderr = &outputWriter{server: s, stream: StreamStderr}
	cmd.WaitDelay = pipeWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return s.failStart(mcperr.Startup("failed to open stdin", cfg.Command, cfg.Args, err))
	}
	if err := cmd.Start(); err != nil {
		return s.failStart(mcperr.Startup("failed to spawn process", cfg.Command, cfg.Args, err))
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.exited = exited
	s.lastExit = nil
	s.mu.Unlock()
	go s.wait(cmd, exited)

	s.logger.Debug("process spawned", "pid", cmd.Process.Pid, "command", cfg.Command)

	settle := min(s.settleDelay, cfg.Timeout)
	timer := time.NewTimer(settle)
	defer timer.Stop()

	select {
	case <-exited:
		s.mu.RLock()
		info := s.lastExit
		s.mu.RUnlock()
		err := mcperr.Startup("process exited during startup", cfg.Command, cfg.Args, nil)
		if info != nil {
			err.With("exitCode", info.Code).With("signal", info.Signal)
		}
		return s.failStart(err)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return s.failStart(mcperr.Timeout(fmt.Sprintf("server %s did not start in time", s.id), settle))
		}
		return s.failStart(mcperr.Startup("start cancelled", cfg.Command, cfg.Args, ctx.Err()))
	case <-timer.C:
	}

	s.mu.Lock()
	if s.cmd != cmd {
		s.mu.Unlock()
		return s.failStart(mcperr.Startup("process exited during startup", cfg.Command, cfg.Args, nil))
	}
	s.status = StatusRunning
	s.startTime = time.Now()
	s.health = HealthHealthy
	s.mu.Unlock()

	s.logger.Info("server started", "pid", cmd.Process.Pid)
	s.emit(Event{Type: EventStarted})
	return nil
}

func (s *Server) failStart(err *mcperr.Error) error {
	s.mu.Lock()
	s.status = StatusError
	s.lastErr = err
	s.health = HealthUnhealthy
	s.startTime = time.Time{}
	s.mu.Unlock()

	s.logger.Warn("server failed to start", "error", err)
	s.emit(Event{Type: EventError, Err: err})
	return err
}

// IsNotFound reports whether err is a startup failure caused by a missing
// executable, which no amount of retrying will fix.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// Stop terminates the child: SIGTERM first, SIGKILL once the grace period
// (or ctx) runs out. It is a no-op when the server is not running.
func (s *Server) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) error {
	s.mu.Lock()
	cmd, stdin, exited := s.cmd, s.stdin, s.exited
	if s.status != StatusRunning || cmd == nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusStopping
	s.stopping = true
	s.mu.Unlock()
	s.emit(Event{Type: EventStopping})

	_ = stdin.Close()
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		_ = cmd.Process.Kill()
	}

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()
	select {
	case <-exited:
	case <-grace.C:
		s.logger.Warn("server ignored SIGTERM, killing", "grace", s.stopGrace)
		_ = cmd.Process.Kill()
		<-exited
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
	}

	s.mu.Lock()
	s.status = StatusStopped
	s.stopping = false
	s.cmd = nil
	s.stdin = nil
	s.startTime = time.Time{}
	s.health = HealthUnknown
	s.mu.Unlock()

	s.logger.Info("server stopped")
	s.emit(Event{Type: EventStopped})
	return nil
}

// Restart stops the server, waits the restart delay, then starts it again.
func (s *Server) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if s.restartDelay > 0 {
		t := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return mcperr.Wrap(mcperr.CodeGeneric, "restart cancelled", ctx.Err())
		case <-t.C:
		}
	}
	return s.Start(ctx)
}

// wait reaps the child and records how it ended. An exit the server did not
// ask for moves it to StatusError (non-zero code or signal) or StatusStopped.
func (s *Server) wait(cmd *exec.Cmd, exited chan struct{}) {
	waitErr := cmd.Wait()
	info := exitInfoOf(cmd.ProcessState)

	s.mu.Lock()
	current := s.cmd == cmd
	unexpected := current && !s.stopping && s.status == StatusRunning
	var crashErr error
	if current {
		s.cmd = nil
		s.stdin = nil
	}
	s.lastExit = &info
	if unexpected {
		if info.Code != 0 || info.Signal != "" {
			e := mcperr.Connection(fmt.Sprintf("server %s exited unexpectedly", s.id)).
				With("exitCode", info.Code)
			if info.Signal != "" {
				e.With("signal", info.Signal)
			}
			if waitErr != nil {
				e.Cause = waitErr
			}
			crashErr = e
			s.status = StatusError
			s.lastErr = crashErr
			s.health = HealthUnhealthy
		} else {
			s.status = StatusStopped
			s.health = HealthUnknown
		}
		s.startTime = time.Time{}
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventExit, Exit: &info})
	close(exited)
	switch {
	case crashErr != nil:
		s.logger.Error("server crashed", "code", info.Code, "signal", info.Signal)
		s.emit(Event{Type: EventError, Err: crashErr})
	case unexpected:
		s.logger.Info("server exited")
		s.emit(Event{Type: EventStopped})
	}
}

func exitInfoOf(ps *os.ProcessState) ExitInfo {
	if ps == nil {
		return ExitInfo{Code: -1}
	}
	info := ExitInfo{Code: ps.ExitCode()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		info.Signal = ws.Signal().String()
	}
	return info
}

// SendBytes writes p to the child's stdin and counts it in
// Stats.TotalRequests. Writes from concurrent callers are not interleaved.
func (s *Server) SendBytes(p []byte) error {
	s.mu.Lock()
	if s.status != StatusRunning || s.stdin == nil {
		s.mu.Unlock()
		return mcperr.Connection(fmt.Sprintf("server %s is not running", s.id))
	}
	stdin := s.stdin
	s.stats.TotalRequests++
	s.mu.Unlock()

	s.writeMu.Lock()
	_, err := stdin.Write(p)
	s.writeMu.Unlock()
	if err != nil {
		s.mu.Lock()
		s.stats.FailedRequests++
		s.mu.Unlock()
		return mcperr.Wrap(mcperr.CodeConnection, fmt.Sprintf("write to server %s failed", s.id), err)
	}
	return nil
}

// RecordResult folds one completed request into the stats.
func (s *Server) RecordResult(elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.FailedRequests++
	} else {
		s.stats.SuccessfulRequests++
	}
	s.stats.responses++
	ms := float64(elapsed) / float64(time.Millisecond)
	s.stats.AverageResponseTimeMs += (ms - s.stats.AverageResponseTimeMs) / float64(s.stats.responses)
}

// UpdateConfig merges patch into the stored configuration. It does not touch
// a running child; callers restart it to apply the change.
func (s *Server) UpdateConfig(patch ConfigPatch) error {
	if err := patch.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cfg.Apply(patch)
	if err := next.Validate(); err != nil {
		return err
	}
	s.cfg = next.Normalize()
	return nil
}

// SetHealth records the verdict of an external health check.
func (s *Server) SetHealth(h HealthStatus) {
	s.mu.Lock()
	s.health = h
	s.mu.Unlock()
}

func (s *Server) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) IsRunning() bool { return s.Status() == StatusRunning }

// Config returns a copy of the current configuration.
func (s *Server) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Server) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// LastExit returns how the most recent child ended, or nil.
func (s *Server) LastExit() *ExitInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastExit == nil {
		return nil
	}
	info := *s.lastExit
	return &info
}

func (s *Server) Health() HealthStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

// StartTime is zero unless the server is running.
func (s *Server) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startTime
}

// Uptime is zero unless the server is running.
func (s *Server) Uptime() time.Duration {
	start := s.StartTime()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// PID returns the child's process id, or 0 when there is no child.
func (s *Server) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Server) emit(ev Event) {
	ev.ServerID = s.id
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.events.Emit(ev)
}

// outputWriter turns pipe writes into output events. exec copies each pipe on
// its own goroutine, so chunks of one stream arrive in order.
type outputWriter struct {
	server *Server
	stream Stream
}

func (w *outputWriter) Write(p []byte) (int, error) {
	data := make([]byte, len(p))
	copy(data, p)
	if w.stream == StreamStderr {
		w.server.logger.Debug("server stderr", "data", string(data))
	}
	w.server.emit(Event{Type: EventOutput, Output: &Output{Stream: w.stream, Data: data}})
	return len(p), nil
}
