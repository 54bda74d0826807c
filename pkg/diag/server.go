package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

// Supervisor is the part of *mcpmgr.Manager the diagnostics endpoints read.
type Supervisor interface {
	ListServers() []mcpmgr.ServerSummary
	GetServerStatus(id string) mcpmgr.ServerSummary
	GetServerTools(ctx context.Context, id string) ([]*mcp.Tool, error)
	GetStats() mcpmgr.Stats
}

// Server is the diagnostics HTTP listener.
type Server struct {
	sup     Supervisor
	opts    Options
	mux     *http.ServeMux
	handler http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewServer builds the diagnostics routes for sup.
func NewServer(sup Supervisor, opts *Options) (*Server, error) {
	if sup == nil {
		return nil, fmt.Errorf("diag: supervisor is required")
	}
	s := &Server{sup: sup, opts: opts.withDefaults(), mux: http.NewServeMux()}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /servers", s.handleServers)
	s.mux.HandleFunc("GET /servers/{id}", s.handleServer)
	s.mux.HandleFunc("GET /servers/{id}/tools", s.handleTools)
	s.mux.HandleFunc("GET /stats", s.handleStats)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	s.handler = cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}).Handler(s.mux)
	return s, nil
}

// Handler returns the CORS-wrapped handler serving every route.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeMux exposes the underlying mux so callers can add routes.
func (s *Server) ServeMux() *http.ServeMux { return s.mux }

// ListenAndServe serves until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServerMu.Lock()
	if s.httpServer != nil {
		addr := s.httpServer.Addr
		s.httpServerMu.Unlock()
		return fmt.Errorf("diag: server already running on %s", addr)
	}
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.handler}
	s.httpServer = srv
	s.httpServerMu.Unlock()
	defer func() {
		s.httpServerMu.Lock()
		if s.httpServer == srv {
			s.httpServer = nil
		}
		s.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.opts.Logger.Info("diagnostics listening", "addr", s.opts.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the listener if it is running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.httpServerMu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Ready    bool     `json:"ready"`
	NotReady []string `json:"notReady,omitempty"`
}

// handleReadyz reports ready once every enabled server is connected.
func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	var out readiness
	for _, sum := range s.sup.ListServers() {
		if sum.Config.IsEnabled() && !sum.Connected {
			out.NotReady = append(out.NotReady, sum.ID)
		}
	}
	out.Ready = len(out.NotReady) == 0
	status := http.StatusOK
	if !out.Ready {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, out)
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	list := s.sup.ListServers()
	for i := range list {
		list[i] = redact(list[i])
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	sum := s.sup.GetServerStatus(r.PathValue("id"))
	if sum.Status == mcpmgr.StatusNotFound {
		s.writeError(w, http.StatusNotFound, mcperr.Validation("server not found", "id").With("serverId", sum.ID))
		return
	}
	s.writeJSON(w, http.StatusOK, redact(sum))
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.sup.GetServerStatus(id).Status == mcpmgr.StatusNotFound {
		s.writeError(w, http.StatusNotFound, mcperr.Validation("server not found", "id").With("serverId", id))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	tools, err := s.sup.GetServerTools(ctx, id)
	if err != nil {
		s.writeError(w, mcperr.HTTPStatus(err), err)
		return
	}
	if tools == nil {
		tools = []*mcp.Tool{}
	}
	s.writeJSON(w, http.StatusOK, tools)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sup.GetStats())
}

func redact(sum mcpmgr.ServerSummary) mcpmgr.ServerSummary {
	sum.Config = mcpmgr.RedactConfig(sum.Config)
	return sum
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.opts.Logger.Warn("diag: encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	var e *mcperr.Error
	if !errors.As(err, &e) {
		e = mcperr.Wrap(mcperr.CodeGeneric, err.Error(), err)
	}
	s.writeJSON(w, status, e)
}
