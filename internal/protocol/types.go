// Package protocol defines the wire protocol shared by the Muti Relay server
// and client: length-prefixed frames carrying one encoded envelope each.
package protocol

// Kind identifies what an envelope carries. The set is closed; decoding an
// envelope with any other kind fails with ErrUnknownKind.
type Kind string

// Envelope kinds
const (
	KindText         Kind = "TEXT"          // Chat text, broadcast or "@user" private
	KindFile         Kind = "FILE"          // Transfer announcement, details in metadata
	KindFileData     Kind = "FILE_DATA"     // One chunk of file content
	KindFileComplete Kind = "FILE_COMPLETE" // Transfer finished
	KindUserJoin     Kind = "USER_JOIN"     // Handshake / join notice
	KindUserLeave    Kind = "USER_LEAVE"    // Goodbye / leave notice
	KindError        Kind = "ERROR"         // Application level error report
)

// Metadata keys
const (
	MetaFilename   = "filename"
	MetaSize       = "size"
	MetaSender     = "sender"
	MetaBytesSent  = "bytes_sent"
	MetaTotalSize  = "total_size"
	MetaChunkIndex = "chunk_index"
	MetaChunkCount = "chunk_count"
	MetaTransferID = "transfer_id"
	MetaEncoding   = "encoding"
	MetaChecksum   = "checksum"
)

// Chunk encodings announced in the MetaEncoding key of FILE_DATA envelopes.
// A missing key means hex.
const (
	EncodingHex    = "hex"
	EncodingBinary = "binary"
)

// Protocol constants
const (
	// HeaderSize is the size of the frame length prefix in bytes
	HeaderSize = 4

	// MaxFrameSize is the largest frame body accepted (1 MiB)
	MaxFrameSize = 1 << 20

	// ChunkSize is the number of file bytes carried by one FILE_DATA envelope
	ChunkSize = 8192
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindFile, KindFileData, KindFileComplete,
		KindUserJoin, KindUserLeave, KindError:
		return true
	default:
		return false
	}
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k == "" {
		return "UNKNOWN"
	}
	return string(k)
}

// IsTransferKind reports whether k belongs to the file transfer sequence.
func IsTransferKind(k Kind) bool {
	return k == KindFile || k == KindFileData || k == KindFileComplete
}

// IsNoticeKind reports whether k is shown to users as a system notice.
func IsNoticeKind(k Kind) bool {
	return k == KindUserJoin || k == KindUserLeave
}
