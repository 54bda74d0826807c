package mcpmgr

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpproc"
)

// HealthResult is the verdict for one server. It is computed on demand from
// the current process and connection state, never cached.
type HealthResult struct {
	Healthy          bool           `json:"healthy"`
	Status           mcpproc.Status `json:"status"`
	Connected        bool           `json:"connected"`
	LastResponseTime time.Duration  `json:"lastResponseTime"`
	ErrorCount       int64          `json:"errorCount"`
	Reason           string         `json:"reason,omitempty"`
	CheckedAt        time.Time      `json:"checkedAt"`
}

// CheckServerHealth evaluates id. A server is unhealthy when it is not
// running, its connection is down, its last response was slower than
// UnhealthyResponseTime, or its connection error count exceeds
// MaxErrorCount. The verdict of a running server is stored as its health
// status.
func (m *Manager) CheckServerHealth(id string) (HealthResult, error) {
	state, ok := m.lookup(id)
	if !ok {
		return HealthResult{}, errUnknownServer(id)
	}
	res := HealthResult{Status: state.server.Status(), CheckedAt: time.Now()}
	if conn := m.connOf(state); conn != nil {
		res.Connected = conn.IsConnected()
		res.LastResponseTime = conn.LastResponseTime()
		res.ErrorCount = conn.ErrorCount()
	}

	switch {
	case res.Status != mcpproc.StatusRunning:
		res.Reason = "not running"
	case !res.Connected:
		res.Reason = "not connected"
	case res.LastResponseTime > m.options.UnhealthyResponseTime:
		res.Reason = "slow responses"
	case res.ErrorCount > m.options.MaxErrorCount:
		res.Reason = "too many errors"
	default:
		res.Healthy = true
	}

	if res.Status == mcpproc.StatusRunning {
		if res.Healthy {
			state.server.SetHealth(mcpproc.HealthHealthy)
		} else {
			state.server.SetHealth(mcpproc.HealthUnhealthy)
		}
	}
	return res, nil
}

// PerformHealthChecks checks every registered server concurrently and
// publishes the full result map as a health:checked event.
func (m *Manager) PerformHealthChecks() map[string]HealthResult {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]HealthResult)
	)
	for _, id := range m.ServerIDs() {
		g.Go(func() error {
			res, err := m.CheckServerHealth(id)
			if err != nil {
				// removed since listing
				return nil
			}
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.emit(Event{Type: EventHealthChecked, Health: results})
	return results
}

func (m *Manager) runHealthLoop(ctx context.Context, every time.Duration) {
	defer close(m.healthDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := m.PerformHealthChecks()
			unhealthy := 0
			for _, r := range results {
				if !r.Healthy {
					unhealthy++
				}
			}
			m.logger.Debug("health check complete", "servers", len(results), "unhealthy", unhealthy)
		}
	}
}
