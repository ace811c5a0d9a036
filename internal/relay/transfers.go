package relay

import (
	"errors"
	"sync"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/history"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/registry"
)

// transferTable holds one upload receiver per session. Its lock is
// independent of the registry lock and is never held across file or socket
// I/O.
type transferTable struct {
	cfg filetransfer.ReceiverConfig

	mu        sync.Mutex
	receivers map[registry.SessionID]*filetransfer.Receiver
}

func newTransferTable(cfg filetransfer.ReceiverConfig) *transferTable {
	return &transferTable{
		cfg:       cfg,
		receivers: make(map[registry.SessionID]*filetransfer.Receiver),
	}
}

// get returns the session's receiver, creating it on first use. Stored files
// are prefixed with the sender's username.
func (t *transferTable) get(id registry.SessionID, username string) *filetransfer.Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.receivers[id]
	if !ok {
		cfg := t.cfg
		cfg.Prefix = username + "_"
		r = filetransfer.NewReceiver(cfg)
		t.receivers[id] = r
	}
	return r
}

func (t *transferTable) lookup(id registry.SessionID) (*filetransfer.Receiver, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.receivers[id]
	return r, ok
}

func (t *transferTable) remove(id registry.SessionID) *filetransfer.Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.receivers[id]
	delete(t.receivers, id)
	return r
}

// active counts receivers with an upload in progress.
func (t *transferTable) active() int {
	t.mu.Lock()
	rs := make([]*filetransfer.Receiver, 0, len(t.receivers))
	for _, r := range t.receivers {
		rs = append(rs, r)
	}
	t.mu.Unlock()

	n := 0
	for _, r := range rs {
		if r.Active() {
			n++
		}
	}
	return n
}

func (t *transferTable) snapshot(id registry.SessionID) (filetransfer.Session, bool) {
	r, ok := t.lookup(id)
	if !ok {
		return filetransfer.Session{}, false
	}
	return r.Snapshot()
}

// beginUpload opens a receive session for a FILE envelope. An upload still in
// progress on the same session is aborted first.
func (s *Server) beginUpload(c *conn, env protocol.Envelope) {
	r := s.uploads.get(c.id.SessionID, c.id.Username)
	if prev, ok := r.Abort(); ok {
		s.uploadAborted(c, prev, "superseded")
	}

	sess, err := r.Begin(env)
	if err != nil {
		c.logger.Warn("cannot store upload", logging.KeyError, err)
		return
	}

	s.metrics.RecordTransferStart()
	c.logger.Info("upload started",
		logging.KeyTransferID, sess.ID,
		logging.KeyFilename, sess.Filename,
		logging.KeyPath, sess.StoredPath,
		"size", filetransfer.FormatSize(sess.ExpectedSize))

	if s.ledger != nil {
		if _, err := s.ledger.BeginTransfer(history.Transfer{
			ID:           sess.ID,
			Direction:    history.DirectionInbound,
			Peer:         c.id.Username,
			Filename:     sess.Filename,
			StoredPath:   sess.StoredPath,
			ExpectedSize: sess.ExpectedSize,
			StartedAt:    sess.StartedAt,
		}); err != nil {
			c.logger.Warn("failed to record upload", logging.KeyError, err)
		}
	}
}

// ingestUpload writes a FILE_DATA chunk. A filesystem error ends the upload.
func (s *Server) ingestUpload(c *conn, env protocol.Envelope) {
	r, ok := s.uploads.lookup(c.id.SessionID)
	if !ok {
		c.logger.Debug("chunk without an upload in progress")
		return
	}
	sess, _ := r.Snapshot()

	n, err := r.Ingest(env)
	if n > 0 {
		s.metrics.RecordTransferBytes(n)
	}
	switch {
	case err == nil:
	case errors.Is(err, filetransfer.ErrNoSession):
		c.logger.Debug("chunk without an upload in progress")
	case errors.Is(err, filetransfer.ErrMalformedChunk):
		c.logger.Warn("skipping malformed chunk", logging.KeyTransferID, sess.ID, logging.KeyError, err)
	default:
		c.logger.Warn("upload failed", logging.KeyTransferID, sess.ID, logging.KeyError, err)
		s.metrics.RecordTransferAbort("write_error")
		s.finishLedger(c, sess.ID, history.Outcome{
			Status: history.StatusFailed,
			Bytes:  sess.Bytes,
			Chunks: sess.Chunks,
		})
	}
}

// completeUpload closes the receive session for a FILE_COMPLETE envelope.
func (s *Server) completeUpload(c *conn, env protocol.Envelope) {
	r, ok := s.uploads.lookup(c.id.SessionID)
	if !ok {
		c.logger.Debug("completion without an upload in progress")
		return
	}

	res, err := r.Complete(env)
	if errors.Is(err, filetransfer.ErrNoSession) {
		c.logger.Debug("completion without an upload in progress")
		return
	}
	if err != nil {
		c.logger.Warn("closing upload failed", logging.KeyPath, res.StoredPath, logging.KeyError, err)
	}

	s.metrics.RecordTransferComplete(res.Elapsed.Seconds(), res.ChecksumOK)
	c.logger.Info("upload complete",
		logging.KeyTransferID, res.ID,
		logging.KeyPath, res.StoredPath,
		logging.KeyBytes, res.Bytes,
		logging.KeyChunks, res.Chunks,
		logging.KeyDuration, res.Elapsed.String())
	if !res.ChecksumOK {
		c.logger.Warn("upload checksum mismatch",
			logging.KeyTransferID, res.ID,
			"announced", env.Meta(protocol.MetaChecksum),
			"computed", res.Checksum)
	}

	outcome := history.Outcome{
		Status:   history.StatusComplete,
		Bytes:    res.Bytes,
		Chunks:   res.Chunks,
		Checksum: res.Checksum,
	}
	if res.Verified {
		ok := res.ChecksumOK
		outcome.ChecksumOK = &ok
	}
	s.finishLedger(c, res.ID, outcome)
}

// abortUpload tears down the session's upload, leaving the partial file on disk.
func (s *Server) abortUpload(c *conn, reason string) {
	r := s.uploads.remove(c.id.SessionID)
	if r == nil {
		return
	}
	if sess, ok := r.Abort(); ok {
		s.uploadAborted(c, sess, reason)
	}
}

func (s *Server) uploadAborted(c *conn, sess filetransfer.Session, reason string) {
	s.metrics.RecordTransferAbort(reason)
	c.logger.Info("upload aborted",
		logging.KeyTransferID, sess.ID,
		logging.KeyPath, sess.StoredPath,
		logging.KeyBytes, sess.Bytes,
		"reason", reason)
	s.finishLedger(c, sess.ID, history.Outcome{
		Status: history.StatusAborted,
		Bytes:  sess.Bytes,
		Chunks: sess.Chunks,
	})
}

func (s *Server) finishLedger(c *conn, id string, o history.Outcome) {
	if s.ledger == nil || id == "" {
		return
	}
	if err := s.ledger.FinishTransfer(id, o); err != nil {
		c.logger.Warn("failed to record upload outcome", logging.KeyTransferID, id, logging.KeyError, err)
	}
}
