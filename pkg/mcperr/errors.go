// Package mcperr defines the closed set of error kinds produced by the
// supervisor, the process handles and the JSON-RPC connections.
//
// Every failure is a *Error carrying a Code. Callers branch on the code with
// errors.Is against the exported sentinels or with CodeOf, never on message
// text:
//
//	if errors.Is(err, mcperr.ErrTimeout) {
//		// retry later
//	}
package mcperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies an error kind.
type Code string

const (
	CodeGeneric       Code = "MCP_ERROR"
	CodeConnection    Code = "MCP_CONNECTION_ERROR"
	CodeTimeout       Code = "MCP_TIMEOUT_ERROR"
	CodeStartup       Code = "MCP_SERVER_STARTUP_ERROR"
	CodeProtocol      Code = "MCP_PROTOCOL_ERROR"
	CodeTool          Code = "MCP_TOOL_ERROR"
	CodeResource      Code = "MCP_RESOURCE_ERROR"
	CodeValidation    Code = "MCP_VALIDATION_ERROR"
	CodePermission    Code = "MCP_PERMISSION_ERROR"
	CodeRateLimit     Code = "MCP_RATE_LIMIT_ERROR"
	CodeConfiguration Code = "MCP_CONFIGURATION_ERROR"
)

// Sentinels for errors.Is. They match any *Error with the same Code.
var (
	ErrGeneric       = &Error{Code: CodeGeneric}
	ErrConnection    = &Error{Code: CodeConnection}
	ErrTimeout       = &Error{Code: CodeTimeout}
	ErrStartup       = &Error{Code: CodeStartup}
	ErrProtocol      = &Error{Code: CodeProtocol}
	ErrTool          = &Error{Code: CodeTool}
	ErrResource      = &Error{Code: CodeResource}
	ErrValidation    = &Error{Code: CodeValidation}
	ErrPermission    = &Error{Code: CodePermission}
	ErrRateLimit     = &Error{Code: CodeRateLimit}
	ErrConfiguration = &Error{Code: CodeConfiguration}
)

// Error is the single error type used across the module.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Cause     error          `json:"-"`
}

// New builds an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Timestamp: time.Now()}
}

// Wrap builds an Error that keeps cause reachable through errors.Unwrap.
func Wrap(code Code, msg string, cause error) *Error {
	e := New(code, msg)
	e.Cause = cause
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a sentinel (no message) with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" {
		return t.Code == e.Code
	}
	return t == e
}

// With attaches a detail field and returns e for chaining.
func (e *Error) With(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 4)
	}
	e.Details[key] = val
	return e
}

// JSON renders the error for logs and HTTP bodies.
func (e *Error) JSON() string {
	out, _ := json.Marshal(e)
	return string(out)
}

// CodeOf returns the code of the first *Error in err's chain, or "" when
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Connection reports a missing or broken connection to a tool server.
func Connection(msg string) *Error {
	return New(CodeConnection, msg)
}

// Timeout reports a request or lifecycle step that exceeded timeout.
func Timeout(msg string, timeout time.Duration) *Error {
	return New(CodeTimeout, msg).With("timeout", timeout.String())
}

// Startup reports a failure to spawn command.
func Startup(msg, command string, args []string, cause error) *Error {
	return Wrap(CodeStartup, msg, cause).With("command", command).With("args", args)
}

// Protocol reports a malformed or unexpected JSON-RPC exchange.
func Protocol(msg, method string, cause error) *Error {
	e := Wrap(CodeProtocol, msg, cause)
	if method != "" {
		e.With("method", method)
	}
	return e
}

// Tool reports a failed tools/call.
func Tool(msg, tool string, params any) *Error {
	return New(CodeTool, msg).With("tool", tool).With("parameters", params)
}

// Resource reports a failed resource access.
func Resource(msg, uri string) *Error {
	return New(CodeResource, msg).With("uri", uri)
}

// Validation reports invalid caller input.
func Validation(msg, field string) *Error {
	return New(CodeValidation, msg).With("field", field)
}

// Permission reports a denied operation.
func Permission(msg string) *Error {
	return New(CodePermission, msg)
}

// RateLimit reports throttling; retryAfter may be zero when unknown.
func RateLimit(msg string, retryAfter time.Duration) *Error {
	e := New(CodeRateLimit, msg)
	if retryAfter > 0 {
		e.With("retryAfter", retryAfter.String())
	}
	return e
}

// Configuration reports an invalid or unusable server configuration.
func Configuration(msg, field string) *Error {
	e := New(CodeConfiguration, msg)
	if field != "" {
		e.With("field", field)
	}
	return e
}

// HTTPStatus maps an error to the status an HTTP layer should answer with.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeConnection:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeTool, CodeResource, CodeValidation, CodeConfiguration:
		return http.StatusBadRequest
	case CodePermission:
		return http.StatusForbidden
	case CodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
