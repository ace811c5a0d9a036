// Package filetransfer implements the chunked file transfer sequence
// FILE, FILE_DATA..., FILE_COMPLETE on both the sending and receiving side.
package filetransfer

import (
	"errors"

	"github.com/postalsys/muti-relay/internal/protocol"
)

var (
	// ErrNoSession is returned when FILE_DATA or FILE_COMPLETE arrives while
	// no transfer is active, or names a transfer other than the active one.
	// Callers ignore it.
	ErrNoSession = errors.New("no active transfer session")

	// ErrMalformedChunk is returned when a FILE_DATA payload cannot be decoded.
	// Nothing is written and the session stays active.
	ErrMalformedChunk = errors.New("malformed chunk")

	// ErrNotRegularFile is returned when asked to send a directory or device.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrUnknownEncoding is returned for chunk encodings other than hex and binary.
	ErrUnknownEncoding = errors.New("unknown chunk encoding")
)

// EnvelopeWriter is the sink a Sender emits the transfer sequence into.
// Implementations must finish with the envelope before returning.
type EnvelopeWriter interface {
	WriteEnvelope(protocol.Envelope) error
}

// EnvelopeWriterFunc adapts a function to EnvelopeWriter.
type EnvelopeWriterFunc func(protocol.Envelope) error

// WriteEnvelope calls f(e).
func (f EnvelopeWriterFunc) WriteEnvelope(e protocol.Envelope) error {
	return f(e)
}

// ChunkCount returns the number of FILE_DATA envelopes needed for size bytes.
func ChunkCount(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + protocol.ChunkSize - 1) / protocol.ChunkSize
}

// ValidEncoding reports whether enc is a chunk encoding this package can send.
func ValidEncoding(enc string) bool {
	return enc == protocol.EncodingHex || enc == protocol.EncodingBinary
}
