package filetransfer

import (
	"encoding/hex"
	"fmt"
	"hash"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Dir is where received files are stored. Created on first use.
	Dir string

	// Prefix is prepended to every stored filename (the server uses "<sender>_").
	Prefix string

	// OnProgress receives throttled progress observations. Optional.
	OnProgress ProgressFunc

	// ProgressInterval overrides DefaultProgressInterval.
	ProgressInterval time.Duration
}

// Session describes an active or finished receive session.
type Session struct {
	ID           string
	Filename     string // name as announced by the sender
	StoredPath   string
	Peer         string
	ExpectedSize int64
	Bytes        int64
	Chunks       int64
	StartedAt    time.Time
}

// Result is returned by Complete.
type Result struct {
	Session
	Elapsed  time.Duration
	Checksum string // BLAKE2b-256 of the bytes written

	// Verified is set when the sender announced a checksum.
	Verified bool

	// ChecksumOK is false only when an announced checksum did not match.
	ChecksumOK bool
}

// Receiver is the receive side of the transfer state machine. It is either
// Idle or Receiving exactly one file. All methods are safe for concurrent use.
type Receiver struct {
	cfg ReceiverConfig

	mu       sync.Mutex
	session  *Session
	announce string // transfer_id from FILE, empty when the sender gave none
	file     *os.File
	hash     hash.Hash
	progress *progressReporter
}

// NewReceiver creates an idle Receiver.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	return &Receiver{cfg: cfg}
}

// Begin handles a FILE envelope. Any session still active is torn down first,
// leaving its partial file closed on disk.
func (r *Receiver) Begin(env protocol.Envelope) (Session, error) {
	if env.Kind != protocol.KindFile {
		return Session{}, fmt.Errorf("begin transfer: unexpected kind %s", env.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.closeLocked()

	announced := env.Meta(protocol.MetaFilename)
	name := r.cfg.Prefix + SanitizeName(announced)

	f, path, err := CreateUnique(r.cfg.Dir, name)
	if err != nil {
		return Session{}, fmt.Errorf("begin transfer: %w", err)
	}

	size, ok := env.MetaInt(protocol.MetaSize)
	if !ok {
		size, _ = env.MetaInt(protocol.MetaTotalSize)
	}

	id := env.Meta(protocol.MetaTransferID)
	if id == "" {
		id = uuid.NewString()
	}
	if announced == "" {
		announced = UnknownFilename
	}

	r.session = &Session{
		ID:           id,
		Filename:     announced,
		StoredPath:   path,
		Peer:         env.Meta(protocol.MetaSender),
		ExpectedSize: size,
		StartedAt:    time.Now(),
	}
	r.announce = env.Meta(protocol.MetaTransferID)
	r.file = f
	r.hash = newHash()
	r.progress = newProgressReporter(r.cfg.OnProgress, r.cfg.ProgressInterval, id, announced, size)

	return *r.session, nil
}

// Ingest handles a FILE_DATA envelope and returns the number of bytes written.
// A chunk naming another transfer is rejected with ErrNoSession and nothing is
// written. A chunk that fails to decode is rejected with ErrMalformedChunk and the
// session stays active. A filesystem error aborts the session and removes the
// partial file.
func (r *Receiver) Ingest(env protocol.Envelope) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(env); err != nil {
		return 0, err
	}

	data, err := chunkBytes(env)
	if err != nil {
		return 0, err
	}

	n, err := r.file.Write(data)
	if err != nil {
		path := r.session.StoredPath
		r.closeLocked()
		os.Remove(path)
		return n, fmt.Errorf("write chunk to %s: %w", path, err)
	}

	r.hash.Write(data)
	r.session.Bytes += int64(n)
	r.session.Chunks++
	r.progress.update(r.session.Bytes)

	return n, nil
}

// Complete handles a FILE_COMPLETE envelope, closing the file and returning
// the session summary. The receiver is Idle afterwards. A completion naming
// another transfer is rejected with ErrNoSession and the session stays open.
func (r *Receiver) Complete(env protocol.Envelope) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkLocked(env); err != nil {
		return Result{}, err
	}

	s := *r.session
	sum := sumHex(r.hash)
	r.progress.finish(s.Bytes)
	err := r.file.Close()
	r.reset()

	res := Result{
		Session:    s,
		Elapsed:    time.Since(s.StartedAt),
		Checksum:   sum,
		ChecksumOK: true,
	}
	if want := env.Meta(protocol.MetaChecksum); want != "" {
		res.Verified = true
		res.ChecksumOK = want == sum
	}

	if err != nil {
		return res, fmt.Errorf("close %s: %w", s.StoredPath, err)
	}
	return res, nil
}

// Abort tears down the active session without completing it. The partial
// file is closed and left on disk. It reports the aborted session, if any.
func (r *Receiver) Abort() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return Session{}, false
	}
	s := *r.session
	r.closeLocked()
	return s, true
}

// Active reports whether a session is in progress.
func (r *Receiver) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session != nil
}

// Snapshot returns a copy of the active session.
func (r *Receiver) Snapshot() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return Session{}, false
	}
	return *r.session, true
}

// checkLocked reports ErrNoSession unless env belongs to the active session.
// Envelopes without a transfer_id are accepted for senders that never set one.
func (r *Receiver) checkLocked(env protocol.Envelope) error {
	if r.session == nil {
		return ErrNoSession
	}
	id := env.Meta(protocol.MetaTransferID)
	if id != "" && r.announce != "" && id != r.announce {
		return fmt.Errorf("%w: transfer %s is not the active one", ErrNoSession, id)
	}
	return nil
}

func (r *Receiver) closeLocked() {
	if r.file != nil {
		r.file.Close()
	}
	r.reset()
}

func (r *Receiver) reset() {
	r.session = nil
	r.announce = ""
	r.file = nil
	r.hash = nil
	r.progress = nil
}

// chunkBytes extracts the raw bytes of a FILE_DATA envelope. A missing
// encoding means hex.
func chunkBytes(env protocol.Envelope) ([]byte, error) {
	enc := env.Meta(protocol.MetaEncoding)
	if env.Chunk != nil && enc == "" {
		enc = protocol.EncodingBinary
	}

	switch enc {
	case "", protocol.EncodingHex:
		data, err := hex.DecodeString(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
		return data, nil
	case protocol.EncodingBinary:
		if env.Chunk == nil {
			return nil, fmt.Errorf("%w: binary encoding without chunk", ErrMalformedChunk)
		}
		return env.Chunk, nil
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformedChunk, ErrUnknownEncoding, enc)
	}
}
