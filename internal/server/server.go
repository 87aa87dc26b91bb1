package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ganglionhq/ganglion/internal/config"
	"github.com/ganglionhq/ganglion/internal/download"
	"github.com/ganglionhq/ganglion/internal/session"
)

// Server is the ganglion HTTP front end: landing page, websocket
// endpoint, and download endpoint.
type Server struct {
	cfg       *config.Config
	downloads *download.Manager
	sessions  *session.Registry
	logger    *slog.Logger
	http      *http.Server
	redirect  *http.Server
	router    *Router
}

// New creates a new gateway server.
func New(cfg *config.Config, downloads *download.Manager, sessions *session.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		downloads: downloads,
		sessions:  sessions,
		logger:    logger,
	}

	s.router = NewRouter(cfg, downloads, sessions, logger)

	// No read/write timeouts: the websocket and download responses are
	// long-lived by design.
	s.http = &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           s.buildMiddleware(s.router),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Start begins listening for HTTP connections.
func (s *Server) Start() error {
	useTLS := s.cfg.Server.TLS.Auto || (s.cfg.Server.TLS.Cert != "" && s.cfg.Server.TLS.Key != "")

	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address(),
		"public_url", s.cfg.Server.ResolvedPublicURL(),
		"tls", useTLS,
	)

	if s.cfg.Server.HTTP2 {
		EnableHTTP2(s.http, useTLS)
	}

	if useTLS {
		return s.startTLS()
	}
	return s.http.ListenAndServe()
}

// Stop gracefully shuts down the HTTP listeners. Live sessions are
// stopped by the caller once no new connections can arrive.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("gateway server shutting down")
	if s.redirect != nil {
		_ = s.redirect.Shutdown(ctx)
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) startTLS() error {
	tlsCfg := &s.cfg.Server.TLS

	if tlsCfg.Cert != "" && tlsCfg.Key != "" {
		return s.http.ListenAndServeTLS(tlsCfg.Cert, tlsCfg.Key)
	}

	if len(tlsCfg.ACME.Domains) > 0 {
		acmeTLS, redirect, err := SetupACME(tlsCfg, s.logger)
		if err != nil {
			return fmt.Errorf("configuring ACME: %w", err)
		}
		s.redirect = redirect
		s.http.TLSConfig = acmeTLS
		return s.http.ListenAndServeTLS("", "")
	}

	s.logger.Warn("auto-TLS: using self-signed certificate for development")

	cert, key, err := generateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("generating self-signed cert: %w", err)
	}
	tlsPair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return fmt.Errorf("parsing self-signed cert: %w", err)
	}

	s.http.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{tlsPair},
		MinVersion:   tls.VersionTLS12,
	}
	return s.http.ListenAndServeTLS("", "")
}

func (s *Server) buildMiddleware(handler http.Handler) http.Handler {
	handler = CoreMiddleware(s.logger)(handler)
	handler = CompressionMiddleware()(handler)
	return handler
}
