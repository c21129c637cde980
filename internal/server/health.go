package server

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Health is the body of GET /health.
type Health struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Plugins       int            `json:"plugins"`
	Active        int            `json:"active"`
	Sandboxes     int            `json:"sandboxes"`
	Goroutines    int            `json:"goroutines"`
	Process       *ProcessHealth `json:"process,omitempty"`
}

// ProcessHealth is the host process usage.
type ProcessHealth struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{
		Status:        "ok",
		Version:       s.loader.Config().MercuryVersion,
		UptimeSeconds: int64(time.Since(s.started) / time.Second),
		Plugins:       s.loader.Count(),
		Active:        s.loader.CountActive(),
		Sandboxes:     s.loader.Sandboxes().Count(),
		Goroutines:    runtime.NumGoroutine(),
		Process:       processHealth(r),
	}
	sendJSON(w, http.StatusOK, h)
}

// processHealth samples the host process. Fields that cannot be sampled
// stay zero.
func processHealth(r *http.Request) *ProcessHealth {
	p, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid()))
	if err != nil {
		return nil
	}

	ph := &ProcessHealth{}
	if cpu, err := p.CPUPercentWithContext(r.Context()); err == nil {
		ph.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(r.Context()); err == nil && mem != nil {
		ph.RSSBytes = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(r.Context()); err == nil {
		ph.Threads = n
	}
	return ph
}
