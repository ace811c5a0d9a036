package protocol

import (
	"fmt"
	"maps"
	"strconv"
)

// Envelope is the unit of protocol exchange: a kind, an opaque payload and a
// flat string metadata map. Chunk carries raw file bytes for FILE_DATA
// envelopes sent with the binary chunk encoding.
type Envelope struct {
	Kind     Kind
	Payload  string
	Metadata map[string]string
	Chunk    []byte
}

// NewEnvelope creates an envelope, copying metadata so the caller may reuse it.
func NewEnvelope(kind Kind, payload string, metadata map[string]string) Envelope {
	md := make(map[string]string, len(metadata))
	maps.Copy(md, metadata)
	return Envelope{Kind: kind, Payload: payload, Metadata: md}
}

// Text creates a TEXT envelope.
func Text(payload string) Envelope {
	return NewEnvelope(KindText, payload, nil)
}

// Errorf creates an ERROR envelope with a formatted message.
func Errorf(format string, args ...any) Envelope {
	return NewEnvelope(KindError, fmt.Sprintf(format, args...), nil)
}

// Meta returns a metadata value, or "" when absent.
func (e Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// MetaInt parses a numeric metadata value. A missing key yields 0, false.
func (e Envelope) MetaInt(key string) (int64, bool) {
	v, ok := e.Metadata[key]
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// WithMeta returns a copy of e with key set to value.
func (e Envelope) WithMeta(key, value string) Envelope {
	c := e.Clone()
	c.Metadata[key] = value
	return c
}

// Clone returns a deep copy of the envelope.
func (e Envelope) Clone() Envelope {
	c := NewEnvelope(e.Kind, e.Payload, e.Metadata)
	if e.Chunk != nil {
		c.Chunk = append([]byte(nil), e.Chunk...)
	}
	return c
}

// String returns a debug representation of the envelope.
func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{Kind=%s, PayloadLen=%d, Metadata=%d keys, ChunkLen=%d}",
		e.Kind, len(e.Payload), len(e.Metadata), len(e.Chunk))
}
