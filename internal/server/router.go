package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ganglionhq/ganglion/internal/config"
	"github.com/ganglionhq/ganglion/internal/download"
	"github.com/ganglionhq/ganglion/internal/session"
)

// Router wires the gateway's routes: the landing page, the websocket
// that drives the app process, the download endpoint, statics, and
// health checks.
type Router struct {
	cfg       *config.Config
	downloads *download.Manager
	sessions  *session.Registry
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewRouter creates the request router.
func NewRouter(cfg *config.Config, downloads *download.Manager, sessions *session.Registry, logger *slog.Logger) *Router {
	r := &Router{
		cfg:       cfg,
		downloads: downloads,
		sessions:  sessions,
		logger:    logger,
		mux:       http.NewServeMux(),
	}

	r.mux.HandleFunc("GET /{$}", r.handleIndex)
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)
	r.mux.HandleFunc("GET /download/{key}", r.handleDownload)

	if cfg.Static.Root != "" {
		static := NewStaticHandler(cfg.Static.Root, cfg.Static.CacheControl)
		r.mux.Handle("GET /static/", http.StripPrefix("/static/", static))
	}

	health := NewHealthHandler(sessions, downloads)
	r.mux.HandleFunc("GET /healthz", health.Liveness)
	r.mux.HandleFunc("GET /readyz", health.Readiness)

	return r
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// queryInt reads an integer query parameter, falling back to a default
// when absent or malformed.
func queryInt(req *http.Request, name string, fallback int) int {
	value := req.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}
