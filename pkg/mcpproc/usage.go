package mcpproc

import (
	"fmt"
	"time"

	"github.com/prometheus/procfs"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcperr"
)

// Usage is a point-in-time resource reading for the child process.
type Usage struct {
	PID           int           `json:"pid"`
	ResidentBytes int           `json:"residentBytes"`
	VirtualBytes  uint          `json:"virtualBytes"`
	CPUTime       time.Duration `json:"cpuTime"`
	Threads       int           `json:"threads"`
}

// Usage reads the child's memory and CPU counters from /proc. It fails with
// a connection error when no child is running and with a generic error on
// systems without procfs.
func (s *Server) Usage() (Usage, error) {
	pid := s.PID()
	if pid == 0 {
		return Usage{}, mcperr.Connection(fmt.Sprintf("server %s is not running", s.id))
	}
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return Usage{}, mcperr.Wrap(mcperr.CodeGeneric, "read process info", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return Usage{}, mcperr.Wrap(mcperr.CodeGeneric, "read process stat", err)
	}
	return Usage{
		PID:           pid,
		ResidentBytes: stat.ResidentMemory(),
		VirtualBytes:  stat.VirtualMemory(),
		CPUTime:       time.Duration(stat.CPUTime() * float64(time.Second)),
		Threads:       stat.NumThreads,
	}, nil
}
