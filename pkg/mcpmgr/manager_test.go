package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpproc"
)

func TestManagerInitialServersAndSummaries(t *testing.T) {
	t.Parallel()

	cfg := map[string]ServerConfig{
		"weather": {Command: "python", Args: []string{"weather_mcp.py"}},
		"files":   {Command: "npx", Args: []string{"@modelcontextprotocol/server-filesystem"}, Env: map[string]string{"ROOT": "/tmp"}},
	}
	manager, err := NewManager(cfg, &ManagerOptions{HealthCheckInterval: -1, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer manager.Shutdown(context.Background())

	ids := manager.ServerIDs()
	if len(ids) != 2 || ids[0] != "files" || ids[1] != "weather" {
		t.Fatalf("ServerIDs() = %v", ids)
	}
	if !manager.HasServer("weather") || manager.HasServer("missing") {
		t.Fatalf("HasServer reported wrong membership")
	}

	summaries := manager.ListServers()
	if len(summaries) != 2 {
		t.Fatalf("expected two summaries, got %d", len(summaries))
	}
	for _, s := range summaries {
		if s.Status != string(mcpproc.StatusStopped) || s.Running || s.Connected {
			t.Fatalf("expected stopped, disconnected summary for %s, got %#v", s.ID, s)
		}
		if s.Health != mcpproc.HealthUnknown {
			t.Fatalf("health for %s = %s, want unknown", s.ID, s.Health)
		}
	}
	weather := manager.GetServerStatus("weather").Config
	if weather.Command != "python" || len(weather.Args) != 1 || weather.Args[0] != "weather_mcp.py" {
		t.Fatalf("config not preserved: %#v", weather)
	}
	if !weather.IsEnabled() || weather.Timeout != mcpproc.DefaultTimeout || weather.MaxRetries != mcpproc.DefaultMaxRetries {
		t.Fatalf("defaults not applied: %#v", weather)
	}
}

func TestNewManagerRejectsInvalidConfigs(t *testing.T) {
	t.Parallel()

	_, err := NewManager(map[string]ServerConfig{
		"ok":  {Command: "python"},
		"bad": {},
		"neg": {Command: "x", Timeout: -time.Second},
	}, &ManagerOptions{HealthCheckInterval: -1, Logger: quietLogger()})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !errors.Is(err, mcperr.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), `"bad"`) || !strings.Contains(err.Error(), `"neg"`) {
		t.Fatalf("both failures should be reported: %v", err)
	}
}

func TestAddServerValidation(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)

	if err := m.AddServer("weather", ServerConfig{Command: "python"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	err := m.AddServer("weather", ServerConfig{Command: "python"})
	if mcperr.CodeOf(err) != mcperr.CodeGeneric {
		t.Fatalf("duplicate add: got %v, want generic MCP error", err)
	}
	if err := m.AddServer("nocmd", ServerConfig{}); !errors.Is(err, mcperr.ErrConfiguration) {
		t.Fatalf("missing command: got %v, want configuration error", err)
	}
	if err := m.AddServer("", ServerConfig{Command: "x"}); !errors.Is(err, mcperr.ErrValidation) {
		t.Fatalf("empty id: got %v, want validation error", err)
	}
	if m.HasServer("nocmd") {
		t.Fatalf("invalid server must not be registered")
	}
}

func TestEmptyRegistryAndRemove(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	events := recordEvents(m)

	if got := m.ListServers(); len(got) != 0 {
		t.Fatalf("ListServers on empty registry = %v", got)
	}
	if err := m.AddServer("temp", ServerConfig{Command: "python"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	events.wait(t, EventServerAdded, time.Second)
	if err := m.RemoveServer(context.Background(), "temp"); err != nil {
		t.Fatalf("RemoveServer: %v", err)
	}
	events.wait(t, EventServerRemoved, time.Second)

	if got := m.ListServers(); len(got) != 0 {
		t.Fatalf("registry not empty after remove: %v", got)
	}
	if st := m.GetServerStatus("temp"); st.Status != StatusNotFound {
		t.Fatalf("status after remove = %q, want %q", st.Status, StatusNotFound)
	}
	if err := m.RemoveServer(context.Background(), "temp"); err == nil {
		t.Fatalf("removing an unknown server should fail")
	}
	if err := m.StartServer(context.Background(), "temp"); err == nil {
		t.Fatalf("starting an unknown server should fail")
	}
}

func TestCallToolBeforeStartFailsFast(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	if err := m.AddServer("weather", ServerConfig{Command: "python"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	for _, id := range []string{"weather", "unknown"} {
		start := time.Now()
		_, err := m.CallTool(context.Background(), id, "forecast", map[string]any{"city": "Oslo"})
		if !errors.Is(err, mcperr.ErrConnection) {
			t.Fatalf("CallTool(%s) = %v, want connection error", id, err)
		}
		if time.Since(start) > time.Second {
			t.Fatalf("CallTool(%s) should fail immediately", id)
		}
	}
	if _, err := m.GetServerTools(context.Background(), "weather"); !errors.Is(err, mcperr.ErrConnection) {
		t.Fatalf("GetServerTools = %v, want connection error", err)
	}
}

func TestStartCallStop(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	events := recordEvents(m)
	startHelper(t, m, "helper")
	ctx := context.Background()

	st := m.GetServerStatus("helper")
	if st.Status != string(mcpproc.StatusRunning) || !st.Running || !st.Connected {
		t.Fatalf("status after start = %#v", st)
	}
	if st.ServerInfo == nil || st.ServerInfo.Name != "helper" {
		t.Fatalf("server info not captured: %#v", st.ServerInfo)
	}
	if st.Health != mcpproc.HealthHealthy {
		t.Fatalf("health = %s, want healthy", st.Health)
	}
	events.wait(t, EventServerStarted, time.Second)
	events.wait(t, EventConnectionConnected, time.Second)

	res, err := m.CallTool(ctx, "helper", "echo", map[string]any{"text": "hello"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if got := resultText(t, res); got != "hello" {
		t.Fatalf("echo returned %q", got)
	}
	called := events.wait(t, EventToolCalled, time.Second)
	if called.ServerID != "helper" || called.Tool == nil || called.Tool.Name != "echo" || called.Tool.Result != res {
		t.Fatalf("tool:called event = %#v", called)
	}

	tools, err := m.GetServerTools(ctx, "helper")
	if err != nil {
		t.Fatalf("GetServerTools: %v", err)
	}
	if len(tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(tools))
	}
	resources, err := m.GetServerResources(ctx, "helper")
	if err != nil {
		t.Fatalf("GetServerResources: %v", err)
	}
	if len(resources) != 1 || resources[0].URI != "file:///notes.txt" {
		t.Fatalf("resources = %#v", resources)
	}
	read, err := m.ReadResource(ctx, "helper", "file:///notes.txt")
	if err != nil {
		t.Fatalf("ReadResource: %v", err)
	}
	if len(read.Contents) != 1 || read.Contents[0].Text != "remember the milk" {
		t.Fatalf("ReadResource contents = %#v", read.Contents)
	}
	if err := m.PingServer(ctx, "helper"); err != nil {
		t.Fatalf("PingServer: %v", err)
	}

	stats := m.GetServerStatus("helper").Stats
	if stats.TotalRequests == 0 || stats.SuccessfulRequests == 0 {
		t.Fatalf("stats not recorded: %#v", stats)
	}

	if err := m.StopServer(ctx, "helper"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	st = m.GetServerStatus("helper")
	if st.Status != string(mcpproc.StatusStopped) || st.Connected || st.Uptime != 0 {
		t.Fatalf("status after stop = %#v", st)
	}
	if _, err := m.CallTool(ctx, "helper", "echo", map[string]any{"text": "again"}); !errors.Is(err, mcperr.ErrConnection) {
		t.Fatalf("CallTool after stop = %v, want connection error", err)
	}
}

func TestUnknownToolIsToolError(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	startHelper(t, m, "helper")

	_, err := m.CallTool(context.Background(), "helper", "does-not-exist", map[string]any{})
	if !errors.Is(err, mcperr.ErrTool) {
		t.Fatalf("CallTool(unknown tool) = %v, want tool error", err)
	}
	if got := mcperr.HTTPStatus(err); got != 400 {
		t.Fatalf("HTTPStatus = %d, want 400", got)
	}
}

func TestStopRejectsOutstandingRequests(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	startHelper(t, m, "helper")

	const n = 3
	errs := make(chan error, n)
	for range n {
		go func() {
			_, err := m.CallTool(context.Background(), "helper", "slow", map[string]any{"millis": 5000})
			errs <- err
		}()
	}
	waitFor(t, 5*time.Second, func() bool {
		return m.GetServerStatus("helper").PendingRequests == n
	}, "requests to be pending")

	if err := m.StopServer(context.Background(), "helper"); err != nil {
		t.Fatalf("StopServer: %v", err)
	}
	for range n {
		select {
		case err := <-errs:
			if !errors.Is(err, mcperr.ErrConnection) || !strings.Contains(err.Error(), "Connection closed") {
				t.Fatalf("pending call settled with %v, want Connection closed", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("pending call was not rejected")
		}
	}
}

func TestCrashRejectsPendingAndMarksError(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	events := recordEvents(m)
	startHelper(t, m, "helper")

	start := time.Now()
	_, err := m.CallTool(context.Background(), "helper", "crash", map[string]any{"text": "bye"})
	if !errors.Is(err, mcperr.ErrConnection) {
		t.Fatalf("CallTool(crash) = %v, want connection error", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("crash should reject before the request timeout")
	}

	ev := events.wait(t, EventServerError, 5*time.Second)
	if ev.ServerID != "helper" || !errors.Is(ev.Err, mcperr.ErrConnection) {
		t.Fatalf("server:error event = %#v", ev)
	}
	waitFor(t, 5*time.Second, func() bool {
		return m.GetServerStatus("helper").Status == string(mcpproc.StatusError)
	}, "error status")
	st := m.GetServerStatus("helper")
	if st.Connected || st.LastError == "" {
		t.Fatalf("status after crash = %#v", st)
	}

	// error is not terminal
	if err := m.StartServer(context.Background(), "helper"); err != nil {
		t.Fatalf("StartServer after crash: %v", err)
	}
	if !m.GetServerStatus("helper").Connected {
		t.Fatalf("server should be connected after restart")
	}
}

func TestUpdateServerConfigRestartsRunningServer(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	startHelper(t, m, "helper")
	ctx := context.Background()
	before := m.GetServerStatus("helper").PID

	err := m.UpdateServerConfig(ctx, "helper", ConfigPatch{Env: map[string]string{"GREETING": "hej"}})
	if err != nil {
		t.Fatalf("UpdateServerConfig: %v", err)
	}
	st := m.GetServerStatus("helper")
	if !st.Running || !st.Connected {
		t.Fatalf("server not running after update: %#v", st)
	}
	if st.PID == before {
		t.Fatalf("expected a new process after config update")
	}
	if st.Config.Env["GREETING"] != "hej" || st.Config.Env[helperEnv] != "server" {
		t.Fatalf("env not merged: %#v", st.Config.Env)
	}
	res, err := m.CallTool(ctx, "helper", "env", map[string]any{"name": "GREETING"})
	if err != nil {
		t.Fatalf("CallTool(env): %v", err)
	}
	if got := resultText(t, res); got != "hej" {
		t.Fatalf("child sees GREETING=%q", got)
	}
}

func TestUpdateServerConfigWhileStopped(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	if err := m.AddServer("weather", ServerConfig{Command: "python", Args: []string{"weather_mcp.py"}}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	timeout := 5 * time.Second
	if err := m.UpdateServerConfig(context.Background(), "weather", ConfigPatch{Timeout: &timeout}); err != nil {
		t.Fatalf("UpdateServerConfig: %v", err)
	}
	st := m.GetServerStatus("weather")
	if st.Running || st.Config.Timeout != timeout {
		t.Fatalf("status after update = %#v", st)
	}

	empty := ""
	err := m.UpdateServerConfig(context.Background(), "weather", ConfigPatch{Command: &empty})
	if !errors.Is(err, mcperr.ErrConfiguration) {
		t.Fatalf("invalid patch = %v, want configuration error", err)
	}
	if m.GetServerStatus("weather").Config.Command != "python" {
		t.Fatalf("invalid patch must not be applied")
	}
}

func TestRestartServer(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	startHelper(t, m, "helper")
	before := m.GetServerStatus("helper").PID

	if err := m.RestartServer(context.Background(), "helper"); err != nil {
		t.Fatalf("RestartServer: %v", err)
	}
	st := m.GetServerStatus("helper")
	if !st.Connected || st.PID == before {
		t.Fatalf("restart did not produce a fresh connected process: %#v", st)
	}
}

func TestConcurrentStartsOfSameIDAreSerialized(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m := newTestManager(t, &ManagerOptions{MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))})
	if err := m.AddServer("helper", helperConfig("server")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.StartServer(context.Background(), "helper")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("StartServer: %v", err)
		}
	}
	if got := counterTotal(t, reader, "mcp.server.start_attempts"); got != 1 {
		t.Fatalf("start attempts = %d, want 1", got)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	cfg := helperConfig("silent")
	cfg.Timeout = 300 * time.Millisecond
	if err := m.AddServer("silent", cfg); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	err := m.StartServer(context.Background(), "silent")
	if !errors.Is(err, mcperr.ErrConnection) || !errors.Is(err, mcperr.ErrTimeout) {
		t.Fatalf("StartServer = %v, want connection error caused by timeout", err)
	}
	st := m.GetServerStatus("silent")
	if st.Running || st.Connected {
		t.Fatalf("failed start must not leave the process running: %#v", st)
	}
}

func TestMissingExecutableIsNotRetried(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m := newTestManager(t, &ManagerOptions{MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))})
	err := m.AddServer("ghost", ServerConfig{
		Command:    "/nonexistent/mcp-server",
		MaxRetries: 5,
		RetryDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	err = m.StartServer(context.Background(), "ghost")
	if !errors.Is(err, mcperr.ErrStartup) {
		t.Fatalf("StartServer = %v, want startup error", err)
	}
	if got := counterTotal(t, reader, "mcp.server.start_attempts"); got != 1 {
		t.Fatalf("start attempts = %d, want 1", got)
	}
	if st := m.GetServerStatus("ghost"); st.Status != string(mcpproc.StatusError) || st.LastError == "" {
		t.Fatalf("status after failed start = %#v", st)
	}
}

func TestStartRetriesTransientFailures(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m := newTestManager(t, &ManagerOptions{MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))})
	cfg := helperConfig("silent")
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxRetries = 2
	if err := m.AddServer("flaky", cfg); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if err := m.StartServer(context.Background(), "flaky"); err == nil {
		t.Fatalf("silent server should never finish the handshake")
	}
	if got := counterTotal(t, reader, "mcp.server.start_attempts"); got != 3 {
		t.Fatalf("start attempts = %d, want 3", got)
	}
}

func TestDisabledServerDoesNotStart(t *testing.T) {
	t.Parallel()
	m := newTestManager(t, nil)
	cfg := helperConfig("server")
	cfg.Enabled = mcpproc.Ptr(false)
	cfg.MaxRetries = 3
	if err := m.AddServer("off", cfg); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if err := m.StartServer(context.Background(), "off"); !errors.Is(err, mcperr.ErrConfiguration) {
		t.Fatalf("StartServer(disabled) = %v, want configuration error", err)
	}
}

func TestTestServer(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	if err := m.AddServer("helper", helperConfig("server")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	res := m.TestServer(context.Background(), "helper")
	if !res.Success || res.Tools != 4 || res.Resources != 1 || res.ResponseTime <= 0 {
		t.Fatalf("TestServer = %#v", res)
	}
	if !m.GetServerStatus("helper").Running {
		t.Fatalf("TestServer should leave the server running")
	}

	missing := m.TestServer(context.Background(), "missing")
	if missing.Success || missing.Error == "" {
		t.Fatalf("TestServer(missing) = %#v", missing)
	}
}

func TestTestServerFailsOnResourceListError(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	if err := m.AddServer("raw", helperConfig("raw-resources-error")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	res := m.TestServer(context.Background(), "raw")
	if res.Success {
		t.Fatalf("TestServer = %#v, want failure", res)
	}
	if !errors.Is(res.Err, mcperr.ErrGeneric) || !strings.Contains(res.Error, "disk on fire") {
		t.Fatalf("TestServer error = %v", res.Err)
	}
}

func TestTestServerToleratesMissingResourceMethod(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	if err := m.AddServer("raw", helperConfig("raw-no-resources")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	res := m.TestServer(context.Background(), "raw")
	if !res.Success || res.Tools != 0 || res.Resources != 0 {
		t.Fatalf("TestServer = %#v, want success with no resources", res)
	}
}

func TestQueuedStartDoesNotSpawnAfterShutdown(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	if err := m.AddServer("x", helperConfig("server")); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	var starts atomic.Int32
	m.Subscribe(func(ev Event) {
		if ev.Type == EventServerStarting {
			starts.Add(1)
		}
	})
	state, _ := m.lookup("x")

	state.opMu.Lock()
	startErr := make(chan error, 1)
	go func() { startErr <- m.StartServer(context.Background(), "x") }()
	time.Sleep(50 * time.Millisecond)

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- m.Shutdown(context.Background()) }()
	waitFor(t, 2*time.Second, m.isClosing, "shutdown to begin")
	state.opMu.Unlock()

	select {
	case err := <-startErr:
		if mcperr.CodeOf(err) != mcperr.CodeGeneric {
			t.Fatalf("queued StartServer = %v, want %s", err, mcperr.CodeGeneric)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("queued StartServer did not return")
	}
	if err := <-shutdownErr; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if n := starts.Load(); n != 0 {
		t.Fatalf("server spawned %d times after shutdown began", n)
	}
	if st := m.GetServerStatus("x"); st.Running || st.PID != 0 {
		t.Fatalf("server state after shutdown = %#v", st)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	m := newTestManager(t, nil)
	events := recordEvents(m)
	startHelper(t, m, "a")
	startHelper(t, m, "b")

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	events.wait(t, EventManagerShutdown, time.Second)
	for _, s := range m.ListServers() {
		if s.Running || s.Connected {
			t.Fatalf("server %s still up after shutdown: %#v", s.ID, s)
		}
	}

	if err := m.AddServer("c", helperConfig("server")); !errors.Is(err, mcperr.ErrGeneric) {
		t.Fatalf("AddServer after shutdown = %v", err)
	}
	if err := m.StartServer(context.Background(), "a"); !errors.Is(err, mcperr.ErrGeneric) {
		t.Fatalf("StartServer after shutdown = %v", err)
	}
	if err := m.StopServer(context.Background(), "a"); err != nil {
		t.Fatalf("StopServer after shutdown should still work: %v", err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestToolCallMetrics(t *testing.T) {
	requireIntegration(t)
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m := newTestManager(t, &ManagerOptions{MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))})
	startHelper(t, m, "helper")

	for i := range 3 {
		if _, err := m.CallTool(context.Background(), "helper", "echo", map[string]any{"text": fmt.Sprint(i)}); err != nil {
			t.Fatalf("CallTool: %v", err)
		}
	}
	if got := counterTotal(t, reader, "mcp.tool.calls"); got != 3 {
		t.Fatalf("mcp.tool.calls = %d, want 3", got)
	}
	gauge := gaugeValues(t, reader, "mcp.servers")
	if gauge["running"] != 1 || gauge["connected"] != 1 || gauge["registered"] != 1 {
		t.Fatalf("mcp.servers gauge = %v", gauge)
	}
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s is %T, want Sum[int64]", name, md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func gaugeValues(t *testing.T, reader *sdkmetric.ManualReader, name string) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			g, ok := md.Data.(metricdata.Gauge[int64])
			if !ok {
				t.Fatalf("%s is %T, want Gauge[int64]", name, md.Data)
			}
			for _, dp := range g.DataPoints {
				state, _ := dp.Attributes.Value("state")
				out[state.AsString()] = dp.Value
			}
		}
	}
	return out
}
