package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/ganglionhq/ganglion/internal/download"
	"github.com/ganglionhq/ganglion/internal/session"
)

var startTime = time.Now()

// HealthHandler serves health check and readiness endpoints.
type HealthHandler struct {
	sessions  *session.Registry
	downloads *download.Manager
}

// NewHealthHandler creates a new health check handler.
func NewHealthHandler(sessions *session.Registry, downloads *download.Manager) *HealthHandler {
	return &HealthHandler{sessions: sessions, downloads: downloads}
}

func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ready",
		"uptime":           time.Since(startTime).String(),
		"uptime_seconds":   time.Since(startTime).Seconds(),
		"active_sessions":  h.sessions.Count(),
		"active_downloads": h.downloads.ActiveCount(),
		"memory": map[string]interface{}{
			"alloc_mb":  mem.Alloc / 1024 / 1024,
			"sys_mb":    mem.Sys / 1024 / 1024,
			"gc_cycles": mem.NumGC,
		},
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	})
}
