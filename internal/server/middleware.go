package server

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"
)

// rwPool pools the wrapped response writer so per-request middleware
// overhead stays a single context-free allocation-free path.
var rwPool = sync.Pool{
	New: func() interface{} {
		return &gatewayResponseWriter{}
	},
}

type gatewayResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rw *gatewayResponseWriter) reset(w http.ResponseWriter) {
	rw.ResponseWriter = w
	rw.statusCode = 200
	rw.bytesWritten = 0
	rw.wroteHeader = false
}

func (rw *gatewayResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *gatewayResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
		rw.statusCode = 200
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// Flush keeps download streaming working through the wrapper.
func (rw *gatewayResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps the websocket upgrade working through the wrapper.
func (rw *gatewayResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *gatewayResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

var ridBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 8)
		return &b
	},
}

func fastRequestID() string {
	bp := ridBufPool.Get().(*[]byte)
	b := *bp
	rand.Read(b)
	var dst [16]byte
	hex.Encode(dst[:], b)
	ridBufPool.Put(bp)
	return string(dst[:])
}

// CoreMiddleware combines recovery, request ID, and access logging into a
// single handler with one pooled response writer.
func CoreMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"path", r.URL.Path,
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = fastRequestID()
				r.Header.Set("X-Request-ID", id)
			}
			w.Header().Set("X-Request-ID", id)

			start := time.Now()
			rw := rwPool.Get().(*gatewayResponseWriter)
			rw.reset(w)

			next.ServeHTTP(rw, r)

			if logger.Enabled(r.Context(), slog.LevelInfo) {
				attrs := [7]slog.Attr{
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", rw.statusCode),
					slog.Duration("duration", time.Since(start)),
					slog.Int("bytes", rw.bytesWritten),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("request_id", id),
				}
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request", attrs[:]...)
			}

			rwPool.Put(rw)
		})
	}
}
