// Package mcprpc speaks newline-delimited JSON-RPC 2.0 to a tool server over
// the byte stream of its process, including the MCP initialize handshake and
// the typed tools/resources calls built on top of it.
//
// Requests are correlated with responses purely by id. Every request has its
// own timer; Disconnect is the only way to fail all outstanding requests at
// once, and it rejects each of them with a connection error.
package mcprpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-supervisor-go/internal/event"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultProtocolVersion = "2025-06-18"

	methodInitialize    = "initialize"
	methodInitialized   = "notifications/initialized"
	methodPing          = "ping"
	methodToolsCall     = "tools/call"
	methodToolsList     = "tools/list"
	methodResourcesList = "resources/list"
	methodResourcesRead = "resources/read"
)

// CodeMethodNotFound is the JSON-RPC code for a method the server does not
// implement.
const CodeMethodNotFound int64 = -32601

// DetailRPCCode is the mcperr detail key holding the JSON-RPC error code of a
// server error reply.
const DetailRPCCode = "rpcCode"

// Stream is the byte transport a Conn runs on. *mcpproc.Server implements it.
type Stream interface {
	IsRunning() bool
	SendBytes(p []byte) error
	OnStdout(fn func([]byte)) (unsubscribe func())
}

// resultRecorder is implemented by streams that keep request statistics.
type resultRecorder interface {
	RecordResult(elapsed time.Duration, err error)
}

// Options configure a Conn. The zero value is usable.
type Options struct {
	// Timeout bounds each request. Defaults to 30s.
	Timeout         time.Duration
	ClientInfo      *mcp.Implementation
	ProtocolVersion string
	Logger          *slog.Logger
	// NewID generates request ids. Defaults to random UUIDs.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ClientInfo == nil {
		o.ClientInfo = &mcp.Implementation{Name: "mcp-supervisor", Version: "1.0.0"}
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// EventType identifies a connection notification.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventMessage      EventType = "message"
)

// Event is published on connection state changes, non-fatal protocol errors
// and every inbound message that does not answer a pending request.
type Event struct {
	Type    EventType
	Time    time.Time
	Err     error
	Message jsonrpc.Message
}

type result struct {
	raw json.RawMessage
	err error
}

type pendingRequest struct {
	method string
	start  time.Time
	timer  *time.Timer
	done   chan result
}

// remoteError carries the code and message of a JSON-RPC error response
// until the typed call translates it into the right error kind.
type remoteError struct {
	method string
	code   int64
	msg    string
}

func (e *remoteError) Error() string { return e.msg }

// Conn is one JSON-RPC session over a Stream.
type Conn struct {
	stream Stream
	opts   Options
	logger *slog.Logger
	events event.Bus[Event]
	frames lineBuffer

	connectMu sync.Mutex

	mu           sync.Mutex
	attached     bool
	connected    bool
	unsubscribe  func()
	pending      map[string]*pendingRequest
	lastResponse time.Duration
	errorCount   int64
	serverInfo   *mcp.InitializeResult
}

// New returns a disconnected Conn over stream.
func New(stream Stream, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		stream:  stream,
		opts:    opts,
		logger:  opts.Logger,
		pending: make(map[string]*pendingRequest),
	}
}

// Subscribe registers fn for every Event.
func (c *Conn) Subscribe(fn func(Event)) func() { return c.events.Subscribe(fn) }

// Connect performs the initialize handshake. It is a no-op when already
// connected and fails with a connection error when the stream is not running
// or the server does not answer the handshake successfully.
func (c *Conn) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if !c.stream.IsRunning() {
		c.mu.Unlock()
		return mcperr.Connection("server is not running")
	}
	c.frames.reset()
	c.unsubscribe = c.stream.OnStdout(c.handleChunk)
	c.attached = true
	c.mu.Unlock()

	raw, err := c.sendRequest(ctx, methodInitialize, initializeParams{
		ProtocolVersion: c.opts.ProtocolVersion,
		Capabilities:    clientCapabilities{Tools: struct{}{}, Resources: struct{}{}},
		ClientInfo:      c.opts.ClientInfo,
	})
	if err != nil {
		c.detach()
		return mcperr.Wrap(mcperr.CodeConnection, "initialize handshake failed", err)
	}
	var info mcp.InitializeResult
	if err := json.Unmarshal(raw, &info); err != nil {
		c.detach()
		return mcperr.Wrap(mcperr.CodeConnection, "invalid initialize result", err)
	}
	if err := c.notify(methodInitialized, struct{}{}); err != nil {
		c.detach()
		return mcperr.Wrap(mcperr.CodeConnection, "send initialized notification", err)
	}

	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return mcperr.Connection("connection closed during handshake")
	}
	c.connected = true
	c.serverInfo = &info
	c.mu.Unlock()

	c.logger.Debug("connection established", "protocol", info.ProtocolVersion)
	c.emit(Event{Type: EventConnected})
	return nil
}

type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Capabilities    clientCapabilities  `json:"capabilities"`
	ClientInfo      *mcp.Implementation `json:"clientInfo"`
}

type clientCapabilities struct {
	Tools     struct{} `json:"tools"`
	Resources struct{} `json:"resources"`
}

// Disconnect rejects every outstanding request with a "Connection closed"
// connection error and detaches from the stream. Late responses to those
// requests are dropped as unmatched. It is a no-op when not connected.
func (c *Conn) Disconnect() {
	if c.detach() {
		c.logger.Debug("connection closed")
		c.emit(Event{Type: EventDisconnected})
	}
}

func (c *Conn) detach() bool {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return false
	}
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.attached = false
	c.connected = false
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, p := range pending {
		p.timer.Stop()
		p.done <- result{err: mcperr.Connection("Connection closed")}
	}
	c.frames.reset()
	return true
}

// CallTool invokes tools/call. A JSON-RPC error reply becomes a tool error
// carrying the server's message.
func (c *Conn) CallTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	var res mcp.CallToolResult
	err := c.call(ctx, methodToolsCall, &mcp.CallToolParams{Name: name, Arguments: args}, &res)
	var re *remoteError
	if errors.As(err, &re) {
		return nil, mcperr.Tool(re.msg, name, args).With(DetailRPCCode, re.code)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTools invokes tools/list.
func (c *Conn) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	var res mcp.ListToolsResult
	if err := c.call(ctx, methodToolsList, &mcp.ListToolsParams{}, &res); err != nil {
		return nil, remoteAsGeneric(err)
	}
	return &res, nil
}

// ListResources invokes resources/list.
func (c *Conn) ListResources(ctx context.Context) (*mcp.ListResourcesResult, error) {
	var res mcp.ListResourcesResult
	if err := c.call(ctx, methodResourcesList, &mcp.ListResourcesParams{}, &res); err != nil {
		return nil, remoteAsGeneric(err)
	}
	return &res, nil
}

// ReadResource invokes resources/read.
func (c *Conn) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res mcp.ReadResourceResult
	if err := c.call(ctx, methodResourcesRead, &mcp.ReadResourceParams{URI: uri}, &res); err != nil {
		var re *remoteError
		if errors.As(err, &re) {
			return nil, mcperr.New(mcperr.CodeGeneric, re.msg).With("uri", uri).With(DetailRPCCode, re.code)
		}
		return nil, err
	}
	return &res, nil
}

// Ping sends a ping request and waits for the empty reply.
func (c *Conn) Ping(ctx context.Context) error {
	return remoteAsGeneric(c.call(ctx, methodPing, &mcp.PingParams{}, nil))
}

func remoteAsGeneric(err error) error {
	var re *remoteError
	if errors.As(err, &re) {
		return mcperr.New(mcperr.CodeGeneric, re.msg).With("method", re.method).With(DetailRPCCode, re.code)
	}
	return err
}

// IsMethodNotFound reports whether err is a server's JSON-RPC reply saying
// it does not implement the requested method.
func IsMethodNotFound(err error) bool {
	var e *mcperr.Error
	if !errors.As(err, &e) {
		return false
	}
	code, ok := e.Details[DetailRPCCode].(int64)
	return ok && code == CodeMethodNotFound
}

// wireCode extracts the numeric code of a decoded JSON-RPC error object. A
// reply without a code yields 0.
func wireCode(err error) int64 {
	raw, merr := json.Marshal(err)
	if merr != nil {
		return 0
	}
	var wire struct {
		Code int64 `json:"code"`
	}
	if json.Unmarshal(raw, &wire) != nil {
		return 0
	}
	return wire.Code
}

func (c *Conn) call(ctx context.Context, method string, params, out any) error {
	if !c.IsConnected() {
		return mcperr.Connection("not connected")
	}
	raw, err := c.sendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return mcperr.Protocol("invalid result payload", method, err)
	}
	return nil
}

// sendRequest registers a pending entry, writes the request and waits for it
// to settle. Exactly one of the response handler, the timer, a write failure,
// ctx cancellation or Disconnect settles each entry: whichever removes it from
// the pending map first.
func (c *Conn) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.opts.NewID()
	data, err := encodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{method: method, start: time.Now(), done: make(chan result, 1)}
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return nil, mcperr.Connection("not connected")
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(c.opts.Timeout, func() { c.expire(id) })
	c.mu.Unlock()

	if err := c.stream.SendBytes(data); err != nil {
		if c.take(id) != nil {
			p.timer.Stop()
			c.bumpErrors()
			return nil, err
		}
	}

	select {
	case r := <-p.done:
		return r.raw, r.err
	case <-ctx.Done():
		if c.take(id) != nil {
			p.timer.Stop()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, mcperr.Wrap(mcperr.CodeTimeout, fmt.Sprintf("%s: context deadline exceeded", method), ctx.Err())
			}
			return nil, mcperr.Wrap(mcperr.CodeGeneric, fmt.Sprintf("%s: cancelled", method), ctx.Err())
		}
		r := <-p.done
		return r.raw, r.err
	}
}

func (c *Conn) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.bumpErrors()
	c.record(time.Since(p.start), errRequestTimeout)
	c.logger.Warn("request timed out", "method", p.method, "id", id, "timeout", c.opts.Timeout)
	p.done <- result{err: mcperr.Timeout(fmt.Sprintf("request %s timed out", p.method), c.opts.Timeout).With("method", p.method)}
}

var errRequestTimeout = errors.New("request timed out")

// take removes and returns the pending entry for id, or nil if it has already
// been settled.
func (c *Conn) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return p
}

func (c *Conn) bumpErrors() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

func (c *Conn) record(elapsed time.Duration, err error) {
	if rec, ok := c.stream.(resultRecorder); ok {
		rec.RecordResult(elapsed, err)
	}
}

func (c *Conn) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{Method: method, Params: raw})
	if err != nil {
		return err
	}
	return c.stream.SendBytes(append(data, '\n'))
}

func encodeRequest(id, method string, params any) ([]byte, error) {
	rid, err := jsonrpc.MakeID(id)
	if err != nil {
		return nil, mcperr.Protocol("invalid request id", method, err)
	}
	req := &jsonrpc.Request{ID: rid, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, mcperr.Protocol("encode params", method, err)
		}
		req.Params = raw
	}
	data, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, mcperr.Protocol("encode request", method, err)
	}
	return append(data, '\n'), nil
}

// handleChunk is the stdout listener. Chunk boundaries are arbitrary; the
// line buffer reassembles complete messages.
func (c *Conn) handleChunk(chunk []byte) {
	for _, line := range c.frames.feed(chunk) {
		c.handleLine(line)
	}
}

func (c *Conn) handleLine(line []byte) {
	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		c.logger.Debug("discarding malformed message", "error", err)
		c.emit(Event{Type: EventError, Err: mcperr.Protocol("malformed message from server", "", err).With("line", string(line))})
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		if id, ok := m.ID.Raw().(string); ok {
			if p := c.take(id); p != nil {
				c.settle(p, m)
				return
			}
		}
	case *jsonrpc.Request:
		if m.Method == methodPing && m.IsCall() {
			c.replyPing(m)
		}
	}
	c.emit(Event{Type: EventMessage, Message: msg})
}

func (c *Conn) settle(p *pendingRequest, resp *jsonrpc.Response) {
	p.timer.Stop()
	elapsed := time.Since(p.start)
	c.mu.Lock()
	c.lastResponse = elapsed
	c.mu.Unlock()
	c.record(elapsed, resp.Error)

	if resp.Error != nil {
		p.done <- result{err: &remoteError{method: p.method, code: wireCode(resp.Error), msg: resp.Error.Error()}}
		return
	}
	p.done <- result{raw: resp.Result}
}

func (c *Conn) replyPing(req *jsonrpc.Request) {
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: req.ID, Result: json.RawMessage("{}")})
	if err != nil {
		return
	}
	if err := c.stream.SendBytes(append(data, '\n')); err != nil {
		c.logger.Debug("ping reply failed", "error", err)
	}
}

func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastResponseTime is the round-trip time of the most recently answered
// request.
func (c *Conn) LastResponseTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResponse
}

// ErrorCount counts timed out requests and failed writes.
func (c *Conn) ErrorCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorCount
}

// PendingCount is the number of requests awaiting a response.
func (c *Conn) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ServerInfo returns the server's initialize result, or nil before the
// handshake completes.
func (c *Conn) ServerInfo() *mcp.InitializeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

func (c *Conn) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	c.events.Emit(ev)
}
