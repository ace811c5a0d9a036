package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")

	// ErrClosed is returned when the peer went away mid-frame or between frames.
	// It is distinct from ErrFrameTooLarge and ErrInvalidFrame so callers can tell
	// a disconnect from a protocol violation.
	ErrClosed = errors.New("connection closed")
)

const (
	// writeRetries bounds retries of transient write errors and zero-byte writes
	writeRetries = 50

	// writeBackoff is the pause between write retries
	writeBackoff = time.Millisecond
)

// IsClosed reports whether err means the underlying connection is gone.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

func closedError(op string, err error) error {
	if IsClosed(err) && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("%s: %w: %w", op, ErrClosed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// FrameReader reads length-prefixed frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads the next frame body. An oversized length prefix fails with
// ErrFrameTooLarge before any body byte is read.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, closedError("read frame length", err)
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, closedError("read frame payload", err)
		}
	}

	return payload, nil
}

// ReadEnvelope reads one frame and decodes it.
func (fr *FrameReader) ReadEnvelope() (Envelope, error) {
	body, err := fr.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	return Decode(body)
}

// FrameWriter writes length-prefixed frames to an io.Writer. It is not safe
// for concurrent use; callers serialize writes.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes the 4-byte big-endian length and the payload. Short
// writes and transient errors are retried; anything else fails the frame.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	return fw.writeFull(buf)
}

// WriteEnvelope encodes e and writes it as one frame.
func (fw *FrameWriter) WriteEnvelope(e Envelope) error {
	body, err := Encode(e)
	if err != nil {
		return err
	}
	return fw.WriteFrame(body)
}

func (fw *FrameWriter) writeFull(buf []byte) error {
	retries := 0
	for len(buf) > 0 {
		n, err := fw.w.Write(buf)
		buf = buf[n:]
		if err == nil && n > 0 {
			continue
		}
		if err != nil && !isTransient(err) {
			return closedError("write frame", err)
		}
		retries++
		if retries > writeRetries {
			if err == nil {
				err = io.ErrShortWrite
			}
			return fmt.Errorf("write frame: giving up after %d retries: %w", writeRetries, err)
		}
		time.Sleep(writeBackoff)
	}
	return nil
}
