package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ganglionhq/ganglion/internal/download"
)

// handleDownload streams one delivery to the browser. Chunks are pulled
// from the app process on demand by the broker; each is flushed as soon
// as it is written so the client sees progress.
func (r *Router) handleDownload(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")

	d, err := r.downloads.Metadata(key)
	if err != nil {
		http.NotFound(w, req)
		return
	}

	w.Header().Set("Content-Type", d.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("%s; filename=%q", d.OpenMethod.Disposition(), d.FileName))

	flusher, _ := w.(http.Flusher)
	err = r.downloads.Stream(req.Context(), key, func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, download.ErrNotFound) {
			// Removed between the metadata lookup and the stream open.
			http.NotFound(w, req)
			return
		}
		r.logger.Debug("download stream ended early", "key", key, "error", err)
	}
}
