package protocol

import "encoding/json"

// Meta message types emitted by the app.
const (
	MetaExit             = "exit"
	MetaOpenURL          = "open_url"
	MetaDeliverFileStart = "deliver_file_start"
)

// Meta message types the gateway sends to the app.
const (
	MetaResize              = "resize"
	MetaBlur                = "blur"
	MetaFocus               = "focus"
	MetaQuit                = "quit"
	MetaDeliverChunkRequest = "deliver_chunk_request"
)

// MetaEnvelope extracts just the type field so the router can dispatch
// before committing to a message shape.
type MetaEnvelope struct {
	Type string `json:"type"`
}

// OpenURL asks the browser to open a URL.
type OpenURL struct {
	URL    string `json:"url"`
	NewTab bool   `json:"new_tab"`
}

// DeliverFileStart announces a new deliverable file. The app assigns the
// delivery key; Path is a path on the app's filesystem whose basename
// becomes the download file name.
type DeliverFileStart struct {
	Key        string  `json:"key"`
	Path       string  `json:"path"`
	OpenMethod string  `json:"open_method"` // "browser" or "download"
	MimeType   string  `json:"mime_type"`
	Encoding   *string `json:"encoding"` // nil when chunks are already binary
	Name       *string `json:"name"`
}

// Resize tells the app its terminal dimensions changed.
type Resize struct {
	Type   string `json:"type"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Signal is a bare control message carrying only a type (blur, focus, quit).
type Signal struct {
	Type string `json:"type"`
}

// DeliverChunkRequest asks the app for the next chunk of a delivery.
type DeliverChunkRequest struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	Size int    `json:"size"`
	Name string `json:"name"`
}

// EncodeMeta serializes a meta message for a TagMeta frame.
func EncodeMeta(v any) ([]byte, error) {
	return json.Marshal(v)
}
