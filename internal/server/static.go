package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
)

// StaticHandler serves the terminal client bundle (script, stylesheet,
// fonts) referenced by the landing page. Files go through
// http.ServeContent so conditional requests and byte ranges work for the
// larger font assets.
type StaticHandler struct {
	root         string
	cacheControl string
}

// NewStaticHandler creates a static asset handler rooted at root.
func NewStaticHandler(root, cacheControl string) *StaticHandler {
	return &StaticHandler{
		root:         root,
		cacheControl: cacheControl,
	}
}

func (h *StaticHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Clean as a rooted URL path first so ".." segments can never climb
	// out of the asset root.
	name := path.Clean("/" + r.URL.Path)
	full := filepath.Join(h.root, filepath.FromSlash(name))

	f, err := os.Open(full)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	if h.cacheControl != "" {
		w.Header().Set("Cache-Control", h.cacheControl)
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}
