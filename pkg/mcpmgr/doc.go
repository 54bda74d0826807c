// Package mcpmgr supervises a fleet of Model Context Protocol (MCP) tool
// servers running as local child processes. Each registered id owns one
// process handle (package mcpproc) and, while the server is up, one JSON-RPC
// connection over its stdio (package mcprpc). The Manager ties the two
// together, monitors health, and exposes tool and resource calls by id.
//
// # Core entry points
//
//   - Manager is the long-lived orchestration type. Construct it with
//     NewManager, register servers with AddServer, then StartServer /
//     StopServer / RestartServer them. Shutdown stops everything.
//   - ServerConfig declares how each server is launched: command, args, env,
//     working directory, request timeout, and start retry policy.
//   - ManagerOptions set the client identity sent during the handshake, the
//     health-check cadence and thresholds, and the logger and meter provider.
//
// Once a server is started, use CallTool, GetServerTools,
// GetServerResources, ReadResource and PingServer to talk to it. Calls made
// before the connection is up fail immediately with a connection error from
// package mcperr rather than waiting.
//
// Operations on one id are serialized; operations on different ids run
// independently. A crash of one server is reported through its status and the
// server:error event and never affects the others.
//
// Subscribe delivers every lifecycle, connection, tool and health event under
// a single Event type; it is the intended hook for logging, auditing and
// monitoring.
package mcpmgr
