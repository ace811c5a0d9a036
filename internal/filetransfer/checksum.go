package filetransfer

import (
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/blake2b"
)

// newHash returns the BLAKE2b-256 hash announced in FILE_COMPLETE.
func newHash() hash.Hash {
	// New256 only fails for keys longer than 64 bytes
	h, _ := blake2b.New256(nil)
	return h
}

func sumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the hex BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
