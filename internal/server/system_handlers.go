package server

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// handleHealth serves GET /health: process liveness plus session and cache
// observability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	entries, bars := s.engine.CacheStats()
	resp := map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"upstream": map[string]any{
			"connected": s.engine.Connected(),
		},
		"bar_cache": map[string]any{
			"entries": entries,
			"bars":    bars,
		},
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			resp["memory_rss_bytes"] = mem.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			resp["cpu_percent"] = cpu
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}
