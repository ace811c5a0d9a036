package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope is returned when an envelope body cannot be parsed
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrUnknownKind is returned for envelopes whose type is not in the known set
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// chunkSeparator ends the JSON header when a binary chunk follows. Encoded
// JSON never contains a raw NUL byte, so the first NUL is unambiguous.
const chunkSeparator = 0x00

type wireEnvelope struct {
	Type     string            `json:"type"`
	Data     string            `json:"data"`
	Metadata map[string]string `json:"metadata"`
}

type wireEnvelopeIn struct {
	Type     *string                    `json:"type"`
	Data     *string                    `json:"data"`
	Metadata map[string]json.RawMessage `json:"metadata"`
}

// Encode serializes an envelope into a frame body.
//
// The text form is {"type":"KIND","data":"...","metadata":{...}}. When the
// envelope has a Chunk, the JSON is followed by a NUL byte, a 4-byte
// big-endian chunk length and the raw chunk bytes.
func Encode(e Envelope) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}

	md := e.Metadata
	if md == nil {
		md = map[string]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(wireEnvelope{Type: string(e.Kind), Data: e.Payload, Metadata: md}); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	// json.Encoder terminates every value with a newline
	buf.Truncate(buf.Len() - 1)

	if e.Chunk != nil {
		var hdr [5]byte
		hdr[0] = chunkSeparator
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(e.Chunk)))
		buf.Write(hdr[:])
		buf.Write(e.Chunk)
	}

	return buf.Bytes(), nil
}

// Decode parses a frame body produced by Encode (or by any peer emitting the
// same JSON form). Non-string scalar metadata values, as sent by older
// clients, are kept as their literal text; nested values are rejected.
func Decode(body []byte) (Envelope, error) {
	header := body
	var chunk []byte

	if idx := bytes.IndexByte(body, chunkSeparator); idx >= 0 {
		header = body[:idx]
		rest := body[idx+1:]
		if len(rest) < 4 {
			return Envelope{}, fmt.Errorf("%w: truncated chunk length", ErrInvalidFrame)
		}
		n := binary.BigEndian.Uint32(rest[:4])
		if int(n) != len(rest)-4 {
			return Envelope{}, fmt.Errorf("%w: chunk length %d does not match %d trailing bytes",
				ErrInvalidFrame, n, len(rest)-4)
		}
		chunk = make([]byte, n)
		copy(chunk, rest[4:])
	}

	var in wireEnvelopeIn
	if err := json.Unmarshal(header, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if in.Type == nil || *in.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	kind := Kind(*in.Type)
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, *in.Type)
	}

	md := make(map[string]string, len(in.Metadata))
	for k, raw := range in.Metadata {
		v, err := metadataValue(raw)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: metadata %q: %v", ErrMalformedEnvelope, k, err)
		}
		md[k] = v
	}

	e := Envelope{Kind: kind, Metadata: md, Chunk: chunk}
	if in.Data != nil {
		e.Payload = *in.Data
	}
	return e, nil
}

func metadataValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", errors.New("nested values are not supported")
	case 'n':
		return "", nil
	default:
		return string(raw), nil
	}
}
