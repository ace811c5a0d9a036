package filetransfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Name is announced in the "sender" metadata of FILE. Optional.
	Name string

	// Encoding selects how FILE_DATA carries bytes: binary (default) or hex.
	Encoding string

	// RateLimit caps the read rate in bytes per second. 0 means unlimited.
	RateLimit int64

	// OnProgress receives throttled progress observations. Optional.
	OnProgress ProgressFunc

	// ProgressInterval overrides DefaultProgressInterval.
	ProgressInterval time.Duration
}

// SendResult summarizes a finished send.
type SendResult struct {
	TransferID string
	Filename   string
	Bytes      int64
	Chunks     int64
	Elapsed    time.Duration
	Checksum   string
}

// Sender emits a file as FILE, FILE_DATA..., FILE_COMPLETE.
type Sender struct {
	cfg SenderConfig
}

// NewSender creates a Sender.
func NewSender(cfg SenderConfig) *Sender {
	if cfg.Encoding == "" {
		cfg.Encoding = protocol.EncodingBinary
	}
	return &Sender{cfg: cfg}
}

// Send streams the file at path into w. Any write failure or context
// cancellation aborts the transfer before FILE_COMPLETE is emitted.
func (s *Sender) Send(ctx context.Context, path string, w EnvelopeWriter) (SendResult, error) {
	if !ValidEncoding(s.cfg.Encoding) {
		return SendResult{}, fmt.Errorf("%w: %q", ErrUnknownEncoding, s.cfg.Encoding)
	}

	f, err := os.Open(path)
	if err != nil {
		return SendResult{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return SendResult{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return SendResult{}, fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}

	size := info.Size()
	res := SendResult{
		TransferID: uuid.NewString(),
		Filename:   filepath.Base(path),
	}
	total := strconv.FormatInt(size, 10)
	start := time.Now()

	announce := map[string]string{
		protocol.MetaFilename:   res.Filename,
		protocol.MetaSize:       total,
		protocol.MetaTransferID: res.TransferID,
	}
	if s.cfg.Name != "" {
		announce[protocol.MetaSender] = s.cfg.Name
	}
	if err := w.WriteEnvelope(protocol.NewEnvelope(protocol.KindFile, "", announce)); err != nil {
		return res, fmt.Errorf("send file header: %w", err)
	}

	h := newHash()
	progress := newProgressReporter(s.cfg.OnProgress, s.cfg.ProgressInterval, res.TransferID, res.Filename, size)
	src := NewRateLimitedReader(ctx, io.LimitReader(f, size), s.cfg.RateLimit)
	buf := make([]byte, protocol.ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("send %s: %w", res.Filename, err)
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			chunk := buf[:n]
			env := s.chunkEnvelope(chunk, res, total)
			if err := w.WriteEnvelope(env); err != nil {
				return res, fmt.Errorf("send chunk %d of %s: %w", res.Chunks, res.Filename, err)
			}
			h.Write(chunk)
			res.Bytes += int64(n)
			res.Chunks++
			progress.update(res.Bytes)
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return res, fmt.Errorf("read %s: %w", path, readErr)
		}
	}

	res.Checksum = sumHex(h)
	res.Elapsed = time.Since(start)

	done := protocol.NewEnvelope(protocol.KindFileComplete, "", map[string]string{
		protocol.MetaFilename:   res.Filename,
		protocol.MetaTotalSize:  strconv.FormatInt(res.Bytes, 10),
		protocol.MetaChunkCount: strconv.FormatInt(res.Chunks, 10),
		protocol.MetaTransferID: res.TransferID,
		protocol.MetaChecksum:   res.Checksum,
	})
	if err := w.WriteEnvelope(done); err != nil {
		return res, fmt.Errorf("send file completion: %w", err)
	}

	progress.finish(res.Bytes)
	return res, nil
}

func (s *Sender) chunkEnvelope(chunk []byte, res SendResult, total string) protocol.Envelope {
	env := protocol.NewEnvelope(protocol.KindFileData, "", map[string]string{
		protocol.MetaBytesSent:  strconv.FormatInt(res.Bytes, 10),
		protocol.MetaTotalSize:  total,
		protocol.MetaChunkIndex: strconv.FormatInt(res.Chunks, 10),
		protocol.MetaTransferID: res.TransferID,
		protocol.MetaEncoding:   s.cfg.Encoding,
	})
	if s.cfg.Encoding == protocol.EncodingHex {
		env.Payload = hex.EncodeToString(chunk)
	} else {
		env.Chunk = append([]byte(nil), chunk...)
	}
	return env
}
