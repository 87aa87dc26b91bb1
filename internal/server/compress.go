package server

import (
	"compress/gzip"
	"net/http"
	"strconv"
	"strings"
)

// gzipMinSize is the declared Content-Length below which compressing is
// not worth the header overhead.
const gzipMinSize = 256

// CompressionMiddleware applies gzip to the landing page, statics, and
// health responses. Websocket upgrades and download streams pass through
// untouched: the first must stay hijackable, the second must flush raw
// chunks as they arrive.
//
// The compression decision is made once, from the response headers, at
// WriteHeader time. Handlers here always set Content-Type before writing,
// so there is no need to buffer body bytes to sniff them.
func CompressionMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Range requests are served uncompressed: byte offsets are
			// defined on the stored representation.
			if r.Header.Get("Upgrade") != "" ||
				r.Header.Get("Range") != "" ||
				strings.HasPrefix(r.URL.Path, "/download/") ||
				!strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
				next.ServeHTTP(w, r)
				return
			}

			gz := &gzipResponseWriter{ResponseWriter: w}
			defer gz.close()

			next.ServeHTTP(gz, r)
		})
	}
}

// gzipResponseWriter decides between a plain and a gzip-wrapped body when
// the response headers are committed, then streams every write straight
// through -- no body buffering.
type gzipResponseWriter struct {
	http.ResponseWriter
	gz      *gzip.Writer
	decided bool
}

func (w *gzipResponseWriter) decide() {
	if w.decided {
		return
	}
	w.decided = true

	h := w.Header()
	if h.Get("Content-Encoding") != "" || !compressibleType(h.Get("Content-Type")) {
		return
	}
	if cl := h.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n < gzipMinSize {
			return
		}
	}

	h.Set("Content-Encoding", "gzip")
	h.Add("Vary", "Accept-Encoding")
	h.Del("Content-Length")
	w.gz = gzip.NewWriter(w.ResponseWriter)
}

func compressibleType(contentType string) bool {
	if contentType == "" {
		return false
	}
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "application/json") ||
		strings.Contains(ct, "application/javascript") ||
		strings.Contains(ct, "image/svg+xml")
}

func (w *gzipResponseWriter) WriteHeader(code int) {
	w.decide()
	w.ResponseWriter.WriteHeader(code)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	w.decide()
	if w.gz != nil {
		return w.gz.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *gzipResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *gzipResponseWriter) close() {
	if w.gz != nil {
		w.gz.Close()
	}
}
