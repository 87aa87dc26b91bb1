package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Packed discriminators. Packed frames carry a msgpack array whose first
// element names the message; extra trailing elements are ignored so the
// app side can extend the tuple without breaking older gateways.
const PackedDeliverChunk = "deliver_chunk"

// DecodeEnvelope decodes a Packed payload into its discriminator and the
// remaining tuple elements. msgpack keeps the str/bin distinction, which
// the chunk path relies on.
func DecodeEnvelope(data []byte) (string, []any, error) {
	var envelope []any
	if err := msgpack.Unmarshal(data, &envelope); err != nil {
		return "", nil, fmt.Errorf("decoding packed envelope: %w", err)
	}
	if len(envelope) == 0 {
		return "", nil, fmt.Errorf("packed envelope is empty")
	}
	discriminator, ok := envelope[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("packed discriminator expected string, found %T", envelope[0])
	}
	return discriminator, envelope[1:], nil
}

// EncodeEnvelope encodes a discriminator plus fields as a msgpack array.
func EncodeEnvelope(discriminator string, fields ...any) ([]byte, error) {
	envelope := append([]any{discriminator}, fields...)
	data, err := msgpack.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding packed envelope: %w", err)
	}
	return data, nil
}

// DeliverChunk is the decoded form of a ("deliver_chunk", key, chunk) tuple.
// Text is set when the chunk arrived as a msgpack string rather than bytes;
// the download layer re-encodes it with the delivery's declared charset.
type DeliverChunk struct {
	Key    string
	Chunk  []byte
	Text   string
	IsText bool
}

// ParseDeliverChunk validates the tuple fields of a deliver_chunk envelope.
// An empty or nil chunk slot is the end-of-stream sentinel.
func ParseDeliverChunk(fields []any) (*DeliverChunk, error) {
	if len(fields) < 2 {
		return nil, fmt.Errorf("deliver_chunk expects 2 fields, found %d", len(fields))
	}
	key, ok := fields[0].(string)
	if !ok {
		return nil, fmt.Errorf("deliver_chunk key expected string, found %T", fields[0])
	}

	dc := &DeliverChunk{Key: key}
	switch chunk := fields[1].(type) {
	case nil:
	case []byte:
		dc.Chunk = chunk
	case string:
		dc.Text = chunk
		dc.IsText = true
	default:
		return nil, fmt.Errorf("deliver_chunk chunk expected bytes or string, found %T", fields[1])
	}
	return dc, nil
}
