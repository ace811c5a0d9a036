package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/protocol"
)

// ErrDisconnected is returned by Run when the server goes away.
var ErrDisconnected = errors.New("disconnected from server")

// EventType classifies what the receive loop observed.
type EventType int

const (
	EventMessage EventType = iota
	EventPrivate
	EventJoin
	EventLeave
	EventError
	EventFileStarted
	EventFileProgress
	EventFileReceived
	EventFileFailed
)

var eventNames = map[EventType]string{
	EventMessage:      "message",
	EventPrivate:      "private",
	EventJoin:         "join",
	EventLeave:        "leave",
	EventError:        "error",
	EventFileStarted:  "file_started",
	EventFileProgress: "file_progress",
	EventFileReceived: "file_received",
	EventFileFailed:   "file_failed",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event is one thing worth showing to the user.
type Event struct {
	Type EventType

	// Text is the message or notice for chat events.
	Text string

	// Session is set for EventFileStarted and EventFileFailed.
	Session filetransfer.Session

	// Progress is set for EventFileProgress.
	Progress filetransfer.Progress

	// Result is set for EventFileReceived.
	Result filetransfer.Result

	// Err is set for EventFileFailed.
	Err error
}

// EventFunc receives events from Run. It is called from the receive
// goroutine and must not block for long.
type EventFunc func(Event)

// Run reads from the server until the connection ends. It returns nil after
// Close, ctx.Err() when ctx is cancelled and an error wrapping
// ErrDisconnected otherwise. An incoming file still in progress when Run
// returns is left on disk as a partial file.
func (c *Client) Run(ctx context.Context, onEvent EventFunc) error {
	if onEvent == nil {
		onEvent = func(Event) {}
	}

	stop := context.AfterFunc(ctx, func() { c.nc.Close() })
	defer stop()

	rx := filetransfer.NewReceiver(filetransfer.ReceiverConfig{
		Dir: c.cfg.DownloadDir,
		OnProgress: func(p filetransfer.Progress) {
			if !p.Done {
				onEvent(Event{Type: EventFileProgress, Progress: p})
			}
		},
		ProgressInterval: c.cfg.ProgressInterval,
	})
	defer func() {
		if sess, ok := rx.Abort(); ok {
			c.logger.Info("incoming file interrupted",
				logging.KeyTransferID, sess.ID,
				logging.KeyPath, sess.StoredPath,
				logging.KeyBytes, sess.Bytes)
			onEvent(Event{Type: EventFileFailed, Session: sess, Err: ErrDisconnected})
		}
	}()

	for {
		env, err := c.fr.ReadEnvelope()
		if err != nil {
			switch {
			case c.isClosed():
				return nil
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, protocol.ErrMalformedEnvelope),
				errors.Is(err, protocol.ErrUnknownKind),
				errors.Is(err, protocol.ErrInvalidFrame):
				c.logger.Warn("skipping undecodable message", logging.KeyError, err)
				continue
			}
			return fmt.Errorf("%w: %w", ErrDisconnected, err)
		}

		c.dispatch(rx, env, onEvent)
	}
}

func (c *Client) dispatch(rx *filetransfer.Receiver, env protocol.Envelope, onEvent EventFunc) {
	switch env.Kind {
	case protocol.KindText:
		ev := Event{Type: EventMessage, Text: env.Payload}
		if protocol.IsPrivate(env.Payload) {
			ev.Type = EventPrivate
		}
		onEvent(ev)

	case protocol.KindUserJoin:
		onEvent(Event{Type: EventJoin, Text: env.Payload})

	case protocol.KindUserLeave:
		onEvent(Event{Type: EventLeave, Text: env.Payload})

	case protocol.KindError:
		onEvent(Event{Type: EventError, Text: env.Payload})

	case protocol.KindFile:
		if prev, ok := rx.Snapshot(); ok {
			onEvent(Event{Type: EventFileFailed, Session: prev, Err: errors.New("superseded by a new file")})
		}
		sess, err := rx.Begin(env)
		if err != nil {
			c.logger.Warn("cannot store incoming file", logging.KeyError, err)
			onEvent(Event{Type: EventFileFailed, Session: filetransfer.Session{Filename: env.Meta(protocol.MetaFilename)}, Err: err})
			return
		}
		c.logger.Debug("incoming file", logging.KeyTransferID, sess.ID, logging.KeyPath, sess.StoredPath)
		onEvent(Event{Type: EventFileStarted, Session: sess})

	case protocol.KindFileData:
		sess, _ := rx.Snapshot()
		_, err := rx.Ingest(env)
		switch {
		case err == nil, errors.Is(err, filetransfer.ErrNoSession):
		case errors.Is(err, filetransfer.ErrMalformedChunk):
			c.logger.Warn("skipping malformed chunk", logging.KeyTransferID, sess.ID, logging.KeyError, err)
		default:
			onEvent(Event{Type: EventFileFailed, Session: sess, Err: err})
		}

	case protocol.KindFileComplete:
		res, err := rx.Complete(env)
		if errors.Is(err, filetransfer.ErrNoSession) {
			return
		}
		if err != nil {
			onEvent(Event{Type: EventFileFailed, Session: res.Session, Err: err})
			return
		}
		if !res.ChecksumOK {
			c.logger.Warn("checksum mismatch", logging.KeyTransferID, res.ID, logging.KeyPath, res.StoredPath)
		}
		onEvent(Event{Type: EventFileReceived, Result: res})
	}
}
