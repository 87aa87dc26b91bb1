package server

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ganglionhq/ganglion/internal/config"
	"github.com/ganglionhq/ganglion/internal/download"
	"github.com/ganglionhq/ganglion/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	cfg       *config.Config
	downloads *download.Manager
	sessions  *session.Registry
	server    *httptest.Server
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.App.Command = "true"
	if mutate != nil {
		mutate(cfg)
	}

	logger := testLogger()
	downloads := download.NewManager(logger)
	sessions := session.NewRegistry()
	router := NewRouter(cfg, downloads, sessions, logger)

	ts := httptest.NewServer(CompressionMiddleware()(CoreMiddleware(logger)(router)))
	t.Cleanup(ts.Close)

	return &fixture{cfg: cfg, downloads: downloads, sessions: sessions, server: ts}
}

func TestIndexPage(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.App.Title = "My App"
		cfg.Server.PublicURL = "https://term.example.com"
	})

	tests := []struct {
		name         string
		path         string
		wantFontSize string
	}{
		{name: "default font size", path: "/", wantFontSize: "font-size: 16px"},
		{name: "explicit font size", path: "/?fontsize=24", wantFontSize: "font-size: 24px"},
		{name: "invalid font size falls back", path: "/?fontsize=giant", wantFontSize: "font-size: 16px"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(f.server.URL + tt.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status: got %d", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			page := string(body)

			if !strings.Contains(page, tt.wantFontSize) {
				t.Errorf("page missing %q", tt.wantFontSize)
			}
			// The URL sits in a JS string literal, where html/template
			// escapes each '/' as '\/'.
			if !strings.Contains(page, `wss:\/\/term.example.com\/ws`) {
				t.Errorf("page missing websocket URL:\n%s", page)
			}
			if !strings.Contains(page, "My App") {
				t.Error("page missing title")
			}
			if !strings.Contains(page, "https://term.example.com/static/") {
				t.Error("page missing static prefix")
			}
		})
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		public string
		want   string
	}{
		{public: "http://localhost:8000", want: "ws://localhost:8000/ws"},
		{public: "https://term.example.com", want: "wss://term.example.com/ws"},
	}
	for _, tt := range tests {
		if got := websocketURL(tt.public); got != tt.want {
			t.Errorf("websocketURL(%q): got %q, want %q", tt.public, got, tt.want)
		}
	}
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest("GET", "/?width=120&bad=abc", nil)
	if got := queryInt(req, "width", 80); got != 120 {
		t.Errorf("width: got %d", got)
	}
	if got := queryInt(req, "bad", 80); got != 80 {
		t.Errorf("bad: got %d", got)
	}
	if got := queryInt(req, "missing", 24); got != 24 {
		t.Errorf("missing: got %d", got)
	}
}

func TestDownloadNotFound(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/download/ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

// feedingRequester plays the app side of a download: each chunk request
// is answered from a queue of pre-planned chunks, ending with the
// end-of-stream sentinel.
type feedingRequester struct {
	id        string
	downloads *download.Manager

	mu     sync.Mutex
	chunks [][]byte
	next   int
}

func (r *feedingRequester) ID() string { return r.id }

func (r *feedingRequester) RequestChunk(key string, size int, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next < len(r.chunks) {
		r.downloads.ChunkReceived(key, r.chunks[r.next])
		r.next++
	} else {
		r.downloads.ChunkReceived(key, nil)
	}
	return true
}

func TestDownloadHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	app := &feedingRequester{
		id:        "s1",
		downloads: f.downloads,
		chunks:    [][]byte{[]byte("hi"), []byte(" there")},
	}
	f.downloads.Create(app, "k1", "report.csv", download.OpenDownload, "text/csv", "utf-8", "")

	resp, err := http.Get(f.server.URL + "/download/k1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Errorf("Content-Type: got %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="report.csv"` {
		t.Errorf("Content-Disposition: got %q", cd)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	if string(body) != "hi there" {
		t.Errorf("body: got %q", body)
	}

	// The key is gone once the stream completes.
	resp2, err := http.Get(f.server.URL + "/download/k1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("second GET: got %d, want 404", resp2.StatusCode)
	}
}

func TestDownloadInlineDisposition(t *testing.T) {
	f := newFixture(t, nil)

	app := &feedingRequester{id: "s1", downloads: f.downloads}
	f.downloads.Create(app, "k1", "shot.png", download.OpenBrowser, "image/png", "", "")

	resp, err := http.Get(f.server.URL + "/download/k1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type: got %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `inline; filename="shot.png"` {
		t.Errorf("Content-Disposition: got %q", cd)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(f.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Errorf("%s: decoding body: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
		if body["status"] == "" {
			t.Errorf("%s: missing status field", path)
		}
	}
}

func TestStaticHandler(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ganglion.js"), []byte("console.log('hi')"), 0o644); err != nil {
		t.Fatalf("writing asset: %v", err)
	}

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Static.Root = dir
	})

	resp, err := http.Get(f.server.URL + "/static/ganglion.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "max-age") {
		t.Errorf("Cache-Control: got %q", cc)
	}

	resp2, err := http.Get(f.server.URL + "/static/missing.js")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("missing asset: got %d, want 404", resp2.StatusCode)
	}
}

func TestCompression(t *testing.T) {
	f := newFixture(t, nil)

	t.Run("landing page is gzipped", func(t *testing.T) {
		req, _ := http.NewRequest("GET", f.server.URL+"/", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		resp, err := http.DefaultTransport.RoundTrip(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()

		if ce := resp.Header.Get("Content-Encoding"); ce != "gzip" {
			t.Fatalf("Content-Encoding: got %q, want gzip", ce)
		}
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			t.Fatalf("gzip reader: %v", err)
		}
		body, err := io.ReadAll(gz)
		if err != nil {
			t.Fatalf("reading body: %v", err)
		}
		if !strings.Contains(string(body), "<html") {
			t.Error("decompressed body is not the landing page")
		}
	})

	t.Run("download stream is never gzipped", func(t *testing.T) {
		app := &feedingRequester{
			id:        "s1",
			downloads: f.downloads,
			chunks:    [][]byte{[]byte("raw bytes")},
		}
		f.downloads.Create(app, "kz", "out.txt", download.OpenDownload, "text/plain", "", "")

		req, _ := http.NewRequest("GET", f.server.URL+"/download/kz", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		resp, err := http.DefaultTransport.RoundTrip(req)
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		defer resp.Body.Close()

		if ce := resp.Header.Get("Content-Encoding"); ce != "" {
			t.Fatalf("Content-Encoding: got %q, want none", ce)
		}
		body, _ := io.ReadAll(resp.Body)
		if string(body) != "raw bytes" {
			t.Errorf("body: got %q", body)
		}
	})
}

func TestRequestIDHeader(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

// TestWebsocketSession drives a real app process (a shell one-liner that
// speaks the frame protocol) through the full websocket path.
func TestWebsocketSession(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	// Prelude, then a Data frame with payload "hello".
	command := `printf '__GANGLION__\n'; printf 'D\000\000\000\005hello'; sleep 2`
	f := newFixture(t, func(cfg *config.Config) {
		cfg.App.Command = command
	})

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?width=100&height=30"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	messageType, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading terminal output: %v", err)
	}
	if messageType != websocket.BinaryMessage || string(message) != "hello" {
		t.Fatalf("got type %d payload %q, want binary hello", messageType, message)
	}

	// Pings are answered by the gateway itself.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`["ping","abc"]`)); err != nil {
		t.Fatalf("sending ping: %v", err)
	}
	messageType, message, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading pong: %v", err)
	}
	if messageType != websocket.TextMessage || string(message) != `["pong","abc"]` {
		t.Fatalf("got type %d payload %q, want pong", messageType, message)
	}
}

// TestWebsocketSessionTeardown checks that closing the browser side stops
// the session and unregisters it.
func TestWebsocketSessionTeardown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	command := `printf '__GANGLION__\n'; sleep 3`
	f := newFixture(t, func(cfg *config.Config) {
		cfg.App.Command = command
	})

	wsURL := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.sessions.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	// The shell ignores the quit meta; teardown completes when it exits.
	deadline = time.Now().Add(10 * time.Second)
	for f.sessions.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never unregistered after disconnect")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
