package mcpmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcprpc"
)

// connected returns the live connection for id or a connection error.
func (m *Manager) connected(id string) (*mcprpc.Conn, error) {
	state, ok := m.lookup(id)
	if !ok {
		return nil, mcperr.Connection(fmt.Sprintf("server %q not found", id)).With("serverId", id)
	}
	conn := m.connOf(state)
	if conn == nil || !conn.IsConnected() {
		return nil, mcperr.Connection(fmt.Sprintf("server %q is not connected", id)).With("serverId", id)
	}
	return conn, nil
}

// CallTool invokes a tool on a connected server and publishes a tool:called
// event carrying the inputs and the outcome.
func (m *Manager) CallTool(ctx context.Context, id, name string, args any) (*mcp.CallToolResult, error) {
	conn, err := m.connected(id)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := conn.CallTool(ctx, name, args)
	elapsed := time.Since(start)

	m.metrics.toolCall(ctx, id, name, elapsed, err)
	m.emit(Event{
		Type:     EventToolCalled,
		ServerID: id,
		Err:      err,
		Tool:     &ToolCall{Name: name, Arguments: args, Result: res, Duration: elapsed},
	})
	if err != nil {
		m.logger.Debug("tool call failed", "server", id, "tool", name, "error", err)
		return nil, err
	}
	return res, nil
}

// GetServerTools lists the tools a connected server offers.
func (m *Manager) GetServerTools(ctx context.Context, id string) ([]*mcp.Tool, error) {
	conn, err := m.connected(id)
	if err != nil {
		return nil, err
	}
	res, err := conn.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

// GetServerResources lists the resources a connected server offers.
func (m *Manager) GetServerResources(ctx context.Context, id string) ([]*mcp.Resource, error) {
	conn, err := m.connected(id)
	if err != nil {
		return nil, err
	}
	res, err := conn.ListResources(ctx)
	if err != nil {
		return nil, err
	}
	return res.Resources, nil
}

// ReadResource reads one resource from a connected server.
func (m *Manager) ReadResource(ctx context.Context, id, uri string) (*mcp.ReadResourceResult, error) {
	conn, err := m.connected(id)
	if err != nil {
		return nil, err
	}
	return conn.ReadResource(ctx, uri)
}

// PingServer sends a protocol-level ping to a connected server.
func (m *Manager) PingServer(ctx context.Context, id string) error {
	conn, err := m.connected(id)
	if err != nil {
		return err
	}
	return conn.Ping(ctx)
}

// TestResult is the outcome of TestServer.
type TestResult struct {
	Success      bool          `json:"success"`
	Tools        int           `json:"tools"`
	Resources    int           `json:"resources"`
	ResponseTime time.Duration `json:"responseTime"`
	Error        string        `json:"error,omitempty"`
	Err          error         `json:"-"`
}

// TestServer is a best-effort diagnostic: it starts the server when needed,
// then lists its tools and resources. Failures are reported in the result,
// never returned. A server that answers resources/list with JSON-RPC "method
// not found" counts as having no resources; any other error fails the test.
func (m *Manager) TestServer(ctx context.Context, id string) TestResult {
	start := time.Now()
	fail := func(err error) TestResult {
		return TestResult{Error: err.Error(), Err: err, ResponseTime: time.Since(start)}
	}

	if _, err := m.connected(id); err != nil {
		if err := m.StartServer(ctx, id); err != nil {
			return fail(err)
		}
	}
	tools, err := m.GetServerTools(ctx, id)
	if err != nil {
		return fail(err)
	}
	resources, err := m.GetServerResources(ctx, id)
	if err != nil && !mcprpc.IsMethodNotFound(err) {
		return fail(err)
	}
	return TestResult{
		Success:      true,
		Tools:        len(tools),
		Resources:    len(resources),
		ResponseTime: time.Since(start),
	}
}
