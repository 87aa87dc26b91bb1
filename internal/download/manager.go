package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// ChunkSize is how many bytes the gateway asks the app for per request.
const ChunkSize = 65536

// ChunkTimeout bounds the wait for the next chunk. An app that stops
// producing ends the download gracefully.
const ChunkTimeout = 4 * time.Second

// ErrNotFound is returned when a delivery key has no active download.
var ErrNotFound = errors.New("download not found")

// ChunkRequester is the capability a download holds on its owning session:
// enough to ask for the next chunk, never ownership. RequestChunk reports
// false when the session can no longer reach its app process.
type ChunkRequester interface {
	ID() string
	RequestChunk(key string, size int, name string) bool
}

// OpenMethod says how the browser should treat the delivered file.
type OpenMethod string

const (
	OpenBrowser  OpenMethod = "browser"
	OpenDownload OpenMethod = "download"
)

// Disposition maps the open method to a Content-Disposition type.
func (m OpenMethod) Disposition() string {
	if m == OpenBrowser {
		return "inline"
	}
	return "attachment"
}

// Download tracks one in-progress file delivery. Chunks flow from the app
// through an unbounded queue to the HTTP response; a nil item is the
// end-of-stream sentinel and is always the final item for its key.
type Download struct {
	session    ChunkRequester
	Key        string
	FileName   string
	OpenMethod OpenMethod
	MimeType   string
	Encoding   string // IANA charset for text chunks; "" means chunks are binary
	Name       string // optional display name

	charset encoding.Encoding // resolved from Encoding; nil means plain UTF-8

	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
}

// SessionID returns the id of the owning session.
func (d *Download) SessionID() string {
	return d.session.ID()
}

// DisplayName returns the name shown to the user.
func (d *Download) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.FileName
}

// ContentType builds the Content-Type header value for this delivery.
func (d *Download) ContentType() string {
	if d.Encoding != "" {
		return fmt.Sprintf("%s; charset=%s", d.MimeType, d.Encoding)
	}
	return d.MimeType
}

// enqueue appends a chunk (nil = end of stream) without ever blocking the
// producer. The notify channel only signals "queue may be non-empty".
func (d *Download) enqueue(chunk []byte) {
	d.mu.Lock()
	d.items = append(d.items, chunk)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// dequeue waits up to timeout for the next item. The bool result is false
// on timeout or context cancellation.
func (d *Download) dequeue(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(d.items) > 0 {
			chunk := d.items[0]
			d.items = d.items[1:]
			d.mu.Unlock()
			return chunk, true
		}
		d.mu.Unlock()

		select {
		case <-d.notify:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// encodeText converts a text chunk to bytes using the declared charset,
// defaulting to UTF-8.
func (d *Download) encodeText(text string) ([]byte, error) {
	if d.charset == nil {
		return []byte(text), nil
	}
	return d.charset.NewEncoder().Bytes([]byte(text))
}

// Manager is the process-wide download broker. It owns the table mapping
// delivery keys to downloads across all sessions.
type Manager struct {
	logger *slog.Logger

	mu        sync.Mutex
	downloads map[string]*Download
}

// NewManager creates the download broker shared by all sessions.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		downloads: make(map[string]*Download),
	}
}

// Create registers a new download for the given session and delivery key.
// A duplicate key is an app-side protocol error but is tolerated:
// last writer wins.
func (m *Manager) Create(session ChunkRequester, key, fileName string, openMethod OpenMethod, mimeType, charsetName, name string) *Download {
	d := &Download{
		session:    session,
		Key:        key,
		FileName:   fileName,
		OpenMethod: openMethod,
		MimeType:   mimeType,
		Encoding:   charsetName,
		Name:       name,
		charset:    m.resolveCharset(charsetName),
		notify:     make(chan struct{}, 1),
	}

	m.mu.Lock()
	_, clobbered := m.downloads[key]
	m.downloads[key] = d
	m.mu.Unlock()

	if clobbered {
		m.logger.Warn("duplicate delivery key, replacing download", "key", key)
	}
	m.logger.Debug("download registered",
		"key", key,
		"file_name", fileName,
		"mime_type", mimeType,
		"session_id", session.ID(),
	)
	return d
}

func (m *Manager) resolveCharset(name string) encoding.Encoding {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		m.logger.Warn("unknown charset, falling back to utf-8", "charset", name)
		return nil
	}
	return enc
}

// ChunkReceived enqueues a binary chunk for the given key. An empty chunk
// is the end-of-stream sentinel. Chunks for unknown keys were cancelled
// mid-flight and are discarded.
func (m *Manager) ChunkReceived(key string, chunk []byte) {
	d := m.get(key)
	if d == nil {
		m.logger.Debug("chunk for inactive download discarded", "key", key)
		return
	}
	if len(chunk) == 0 {
		d.enqueue(nil)
		return
	}
	d.enqueue(chunk)
}

// TextChunkReceived enqueues a text chunk, re-encoded with the delivery's
// declared charset so HTTP consumers always see bytes.
func (m *Manager) TextChunkReceived(key string, text string) {
	d := m.get(key)
	if d == nil {
		m.logger.Debug("chunk for inactive download discarded", "key", key)
		return
	}
	if text == "" {
		d.enqueue(nil)
		return
	}
	chunk, err := d.encodeText(text)
	if err != nil {
		m.logger.Warn("encoding text chunk failed, ending download", "key", key, "error", err)
		d.enqueue(nil)
		return
	}
	d.enqueue(chunk)
}

// Stream drives one download to completion: request a chunk from the app,
// wait for it, hand it to write, repeat. Demand-driven by construction --
// the app produces exactly one chunk per request. The download is removed
// from the table on every exit path.
func (m *Manager) Stream(ctx context.Context, key string, write func([]byte) error) error {
	d := m.get(key)
	if d == nil {
		return ErrNotFound
	}

	defer m.remove(key)

	for {
		if !d.session.RequestChunk(key, ChunkSize, d.DisplayName()) {
			m.logger.Debug("chunk request failed, ending download", "key", key)
			return nil
		}

		chunk, ok := d.dequeue(ctx, ChunkTimeout)
		if !ok {
			if ctx.Err() != nil {
				m.logger.Debug("download consumer went away", "key", key)
				return nil
			}
			m.logger.Debug("download timed out waiting for chunk", "key", key)
			return nil
		}
		if chunk == nil {
			return nil
		}

		if err := write(chunk); err != nil {
			return fmt.Errorf("writing chunk: %w", err)
		}
	}
}

// CancelSessionDownloads ends every download owned by the given session by
// enqueueing the end-of-stream sentinel. In-flight streams finish their
// current step and terminate; keys with no active stream stay registered
// until a stream is opened, which dequeues the sentinel and removes them.
func (m *Manager) CancelSessionDownloads(sessionID string) {
	m.mu.Lock()
	var owned []*Download
	for _, d := range m.downloads {
		if d.session.ID() == sessionID {
			owned = append(owned, d)
		}
	}
	m.mu.Unlock()

	for _, d := range owned {
		d.enqueue(nil)
	}
	if len(owned) > 0 {
		m.logger.Debug("cancelled session downloads", "session_id", sessionID, "count", len(owned))
	}
}

// Metadata returns the download for HTTP header construction.
func (m *Manager) Metadata(key string) (*Download, error) {
	d := m.get(key)
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

// ActiveCount reports how many downloads are currently registered.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.downloads)
}

func (m *Manager) get(key string) *Download {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloads[key]
}

func (m *Manager) remove(key string) {
	m.mu.Lock()
	delete(m.downloads, key)
	m.mu.Unlock()
}
