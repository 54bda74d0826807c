package mcpmgr

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpproc"
)

// ServerSummary is a point-in-time view of one server and its connection.
type ServerSummary struct {
	ID               string               `json:"id"`
	Status           string               `json:"status"`
	Running          bool                 `json:"running"`
	Connected        bool                 `json:"connected"`
	Config           ServerConfig         `json:"config"`
	Stats            mcpproc.Stats        `json:"stats"`
	LastError        string               `json:"lastError,omitempty"`
	Err              error                `json:"-"`
	Uptime           time.Duration        `json:"uptime"`
	Health           mcpproc.HealthStatus `json:"health"`
	PID              int                  `json:"pid,omitempty"`
	ErrorCount       int64                `json:"errorCount"`
	PendingRequests  int                  `json:"pendingRequests"`
	LastResponseTime time.Duration        `json:"lastResponseTime"`
	ServerInfo       *mcp.Implementation  `json:"serverInfo,omitempty"`
}

// GetServerStatus returns the composite status of id. Unknown ids yield a
// summary whose Status is StatusNotFound.
func (m *Manager) GetServerStatus(id string) ServerSummary {
	state, ok := m.lookup(id)
	if !ok {
		return ServerSummary{ID: id, Status: StatusNotFound}
	}
	return m.summarize(id, state)
}

// ListServers returns status snapshots for all managed servers, sorted by id.
func (m *Manager) ListServers() []ServerSummary {
	ids := m.ServerIDs()
	out := make([]ServerSummary, 0, len(ids))
	for _, id := range ids {
		state, ok := m.lookup(id)
		if !ok {
			continue
		}
		out = append(out, m.summarize(id, state))
	}
	return out
}

func (m *Manager) summarize(id string, state *managedState) ServerSummary {
	srv := state.server
	sum := ServerSummary{
		ID:      id,
		Status:  string(srv.Status()),
		Running: srv.IsRunning(),
		Config:  srv.Config(),
		Stats:   srv.Stats(),
		Err:     srv.LastError(),
		Uptime:  srv.Uptime(),
		Health:  srv.Health(),
		PID:     srv.PID(),
	}
	if sum.Err != nil {
		sum.LastError = sum.Err.Error()
	}
	if conn := m.connOf(state); conn != nil {
		sum.Connected = conn.IsConnected()
		sum.ErrorCount = conn.ErrorCount()
		sum.PendingRequests = conn.PendingCount()
		sum.LastResponseTime = conn.LastResponseTime()
		if info := conn.ServerInfo(); info != nil {
			sum.ServerInfo = info.ServerInfo
		}
	}
	return sum
}

// Usage reads the resource usage of id's child process.
func (m *Manager) Usage(id string) (mcpproc.Usage, error) {
	state, ok := m.lookup(id)
	if !ok {
		return mcpproc.Usage{}, errUnknownServer(id)
	}
	return state.server.Usage()
}
