package mcpmgr

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpproc"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcprpc"
)

// EventType names a supervisor notification.
type EventType string

const (
	EventServerAdded            EventType = "server:added"
	EventServerRemoved          EventType = "server:removed"
	EventServerStarting         EventType = "server:starting"
	EventServerStarted          EventType = "server:started"
	EventServerStopping         EventType = "server:stopping"
	EventServerStopped          EventType = "server:stopped"
	EventServerError            EventType = "server:error"
	EventServerOutput           EventType = "server:output"
	EventServerExit             EventType = "server:exit"
	EventConnectionConnected    EventType = "connection:connected"
	EventConnectionDisconnected EventType = "connection:disconnected"
	EventConnectionError        EventType = "connection:error"
	EventConnectionMessage      EventType = "connection:message"
	EventToolCalled             EventType = "tool:called"
	EventHealthChecked          EventType = "health:checked"
	EventManagerShutdown        EventType = "manager:shutdown"
)

// Event is the single notification channel of the Manager. Only the fields
// relevant to Type are set.
type Event struct {
	Type     EventType
	ServerID string
	Time     time.Time
	Err      error

	Output  *mcpproc.Output
	Exit    *mcpproc.ExitInfo
	Message jsonrpc.Message
	Tool    *ToolCall
	Health  map[string]HealthResult
}

// ToolCall records one CallTool invocation.
type ToolCall struct {
	Name      string
	Arguments any
	Result    *mcp.CallToolResult
	Duration  time.Duration
}

// Subscribe registers fn for every Manager event. Handlers run synchronously
// on the goroutine that produced the event and must not block; a panicking
// handler is logged and skipped.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.events.Emit(ev)
}

var processEventTypes = map[mcpproc.EventType]EventType{
	mcpproc.EventStarting: EventServerStarting,
	mcpproc.EventStarted:  EventServerStarted,
	mcpproc.EventStopping: EventServerStopping,
	mcpproc.EventStopped:  EventServerStopped,
	mcpproc.EventError:    EventServerError,
	mcpproc.EventOutput:   EventServerOutput,
	mcpproc.EventExit:     EventServerExit,
}

var connEventTypes = map[mcprpc.EventType]EventType{
	mcprpc.EventConnected:    EventConnectionConnected,
	mcprpc.EventDisconnected: EventConnectionDisconnected,
	mcprpc.EventError:        EventConnectionError,
	mcprpc.EventMessage:      EventConnectionMessage,
}

// forwardProcess re-emits a process event under the server id. An exit the
// manager did not ask for also tears down the paired connection so its
// outstanding requests fail now rather than at their timeouts.
func (m *Manager) forwardProcess(id string, ev mcpproc.Event) {
	typ, ok := processEventTypes[ev.Type]
	if !ok {
		return
	}
	if ev.Type == mcpproc.EventExit {
		m.dropConnIfDead(id)
	}
	m.emit(Event{Type: typ, ServerID: id, Time: ev.Time, Err: ev.Err, Output: ev.Output, Exit: ev.Exit})
}

func (m *Manager) forwardConn(id string, ev mcprpc.Event) {
	typ, ok := connEventTypes[ev.Type]
	if !ok {
		return
	}
	m.emit(Event{Type: typ, ServerID: id, Time: ev.Time, Err: ev.Err, Message: ev.Message})
}
