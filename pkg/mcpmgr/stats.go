package mcpmgr

import "time"

// Stats aggregates counts across all registered servers.
type Stats struct {
	TotalServers          int           `json:"totalServers"`
	RunningServers        int           `json:"runningServers"`
	ConnectedServers      int           `json:"connectedServers"`
	HealthyServers        int           `json:"healthyServers"`
	TotalUptime           time.Duration `json:"totalUptime"`
	AverageResponseTimeMs float64       `json:"averageResponseTimeMs"`
}

// GetStats computes aggregate statistics. The average response time is the
// mean of the per-server averages over connected servers.
func (m *Manager) GetStats() Stats {
	var (
		st      Stats
		sum     float64
		samples int
	)
	for _, s := range m.ListServers() {
		st.TotalServers++
		if s.Running {
			st.RunningServers++
			st.TotalUptime += s.Uptime
		}
		if s.Connected {
			st.ConnectedServers++
			if s.Stats.SuccessfulRequests+s.Stats.FailedRequests > 0 {
				sum += s.Stats.AverageResponseTimeMs
				samples++
			}
		}
		if h, err := m.CheckServerHealth(s.ID); err == nil && h.Healthy {
			st.HealthyServers++
		}
	}
	if samples > 0 {
		st.AverageResponseTimeMs = sum / float64(samples)
	}
	return st
}
