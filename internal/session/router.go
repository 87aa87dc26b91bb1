package session

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ganglionhq/ganglion/internal/download"
	"github.com/ganglionhq/ganglion/internal/protocol"
)

// Routing between browser-side JSON control messages and app-side framed
// packets. The router is stateless; it lives with its session so both
// directions share the same capabilities.

// onMeta dispatches a Meta frame from the app. A payload that does not
// decode as JSON is a protocol error and ends the session; an unknown
// type is tolerated with a warning.
func (s *Session) onMeta(payload []byte) error {
	var envelope protocol.MetaEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("decoding meta: %w", err)
	}

	switch envelope.Type {
	case protocol.MetaExit:
		if err := s.remote.Close(); err != nil {
			s.logger.Debug("closing browser connection failed", "error", err)
		}

	case protocol.MetaOpenURL:
		var msg protocol.OpenURL
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding open_url: %w", err)
		}
		if text := jsonText([]any{protocol.MetaOpenURL, msg}); text != nil {
			if err := s.remote.WriteText(text); err != nil {
				s.logger.Debug("write to browser failed", "error", err)
			}
		}

	case protocol.MetaDeliverFileStart:
		var msg protocol.DeliverFileStart
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decoding deliver_file_start: %w", err)
		}
		s.onDeliverFileStart(msg)

	default:
		s.logger.Warn("unknown meta type from app", "type", envelope.Type)
	}
	return nil
}

func (s *Session) onDeliverFileStart(msg protocol.DeliverFileStart) {
	if msg.Key == "" || msg.Path == "" || msg.OpenMethod == "" || msg.MimeType == "" {
		s.logger.Warn("deliver_file_start missing required fields",
			"key", msg.Key,
			"path", msg.Path,
			"open_method", msg.OpenMethod,
			"mime_type", msg.MimeType,
		)
		return
	}

	var charset, name string
	if msg.Encoding != nil {
		charset = *msg.Encoding
	}
	if msg.Name != nil {
		name = *msg.Name
	}

	s.downloads.Create(
		s,
		msg.Key,
		filepath.Base(msg.Path),
		download.OpenMethod(msg.OpenMethod),
		msg.MimeType,
		charset,
		name,
	)

	if text := jsonText([]any{protocol.MetaDeliverFileStart, msg.Key}); text != nil {
		if err := s.remote.WriteText(text); err != nil {
			s.logger.Debug("write to browser failed", "error", err)
		}
	}
}

// onPacked dispatches a Packed frame from the app. Only deliver_chunk is
// defined today; unknown discriminators are skipped.
func (s *Session) onPacked(payload []byte) error {
	discriminator, fields, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return err
	}

	switch discriminator {
	case protocol.PackedDeliverChunk:
		dc, err := protocol.ParseDeliverChunk(fields)
		if err != nil {
			return err
		}
		if dc.IsText {
			s.downloads.TextChunkReceived(dc.Key, dc.Text)
		} else {
			s.downloads.ChunkReceived(dc.Key, dc.Chunk)
		}

	default:
		s.logger.Warn("unknown packed discriminator from app", "discriminator", discriminator)
	}
	return nil
}

// HandleClientText routes one JSON array received on the websocket text
// channel. Anything that does not match a known shape is silently
// dropped.
func (s *Session) HandleClientText(message []byte) {
	var envelope []json.RawMessage
	if err := json.Unmarshal(message, &envelope); err != nil || len(envelope) == 0 {
		return
	}

	var kind string
	if err := json.Unmarshal(envelope[0], &kind); err != nil {
		return
	}

	switch kind {
	case "stdin":
		if len(envelope) < 2 {
			return
		}
		var text string
		if err := json.Unmarshal(envelope[1], &text); err != nil {
			return
		}
		s.SendBytes([]byte(text))

	case "resize":
		if len(envelope) < 2 {
			return
		}
		var size struct {
			Width  int `json:"width"`
			Height int `json:"height"`
		}
		if err := json.Unmarshal(envelope[1], &size); err != nil {
			return
		}
		s.SetTerminalSize(size.Width, size.Height)

	case "ping":
		// The gateway answers pings itself; the app never sees them.
		if len(envelope) < 2 {
			return
		}
		if text := jsonText([]any{"pong", envelope[1]}); text != nil {
			if err := s.remote.WriteText(text); err != nil {
				s.logger.Debug("write to browser failed", "error", err)
			}
		}

	case "blur":
		s.Blur()

	case "focus":
		s.Focus()
	}
}
