package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/muti-relay/internal/history"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/registry"
	"github.com/postalsys/muti-relay/internal/transport"
)

// Handshake failure reasons, used as metric labels.
const (
	reasonTimeout   = "timeout"
	reasonClosed    = "closed"
	reasonTooLarge  = "frame_too_large"
	reasonMalformed = "malformed"
	reasonNotJoin   = "not_join"
	reasonNameTaken = "name_taken"
)

// conn is one client connection. Writes are serialized by writeMu so frames
// from concurrent senders never interleave.
type conn struct {
	srv       *Server
	nc        net.Conn
	transport transport.TransportType
	remote    string
	fr        *protocol.FrameReader
	logger    *slog.Logger

	writeMu sync.Mutex
	fw      *protocol.FrameWriter

	// set once the handshake succeeds
	id registry.Identity

	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn, tt transport.TransportType) *conn {
	remote := remoteAddr(nc)
	return &conn{
		srv:       s,
		nc:        nc,
		transport: tt,
		remote:    remote,
		fr:        protocol.NewFrameReader(nc),
		fw:        protocol.NewFrameWriter(nc),
		logger: s.logger.With(
			logging.KeyRemoteAddr, remote,
			logging.KeyTransport, string(tt)),
	}
}

// Send writes one envelope to the connection. It implements registry.Handle.
// A failed write closes the connection and its read loop tears it down.
func (c *conn) Send(env protocol.Envelope) error {
	body, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if t := c.srv.cfg.WriteTimeout; t > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(t))
	}
	if err := c.fw.WriteFrame(body); err != nil {
		// a partial frame leaves the stream unusable
		c.close()
		return err
	}
	c.srv.metrics.RecordFrameSent(env.Kind.String(), protocol.HeaderSize+len(body))
	return nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.nc.Close()
	})
}

// handle runs the handshake and the read loop, then tears the session down.
func (s *Server) handle(c *conn) {
	start := time.Now()
	if err := s.handshake(c); err != nil {
		c.logger.Info("handshake failed", logging.KeyError, err)
		c.close()
		return
	}
	defer s.teardown(c)

	s.metrics.RecordSessionOpen(string(c.transport), time.Since(start).Seconds())
	c.logger.Info("user joined", logging.KeyCount, s.registry.Len())

	s.broadcast(protocol.NewEnvelope(protocol.KindUserJoin, fmt.Sprintf("%s joined the chat", c.id.Username), nil),
		c.id.SessionID, metrics.RouteBroadcast)
	c.Send(protocol.Text(fmt.Sprintf("Welcome! %d user(s) online", s.registry.Len())))

	s.readLoop(c)
}

// handshake waits for USER_JOIN and registers the connection.
func (s *Server) handshake(c *conn) error {
	c.nc.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	body, err := c.fr.ReadFrame()
	if err != nil {
		reason := reasonClosed
		switch {
		case protocol.IsTimeout(err):
			reason = reasonTimeout
		case errors.Is(err, protocol.ErrFrameTooLarge):
			reason = reasonTooLarge
		}
		s.metrics.RecordHandshakeFailure(reason)
		return fmt.Errorf("read join: %w", err)
	}

	env, err := protocol.Decode(body)
	if err != nil {
		s.metrics.RecordHandshakeFailure(reasonMalformed)
		return fmt.Errorf("decode join: %w", err)
	}
	s.metrics.RecordFrameReceived(env.Kind.String(), protocol.HeaderSize+len(body))

	if env.Kind != protocol.KindUserJoin {
		s.metrics.RecordHandshakeFailure(reasonNotJoin)
		return fmt.Errorf("expected %s, got %s", protocol.KindUserJoin, env.Kind)
	}

	id, err := s.registry.Register(c, registry.Identity{
		Username:   env.Payload,
		RemoteAddr: c.remote,
		Transport:  string(c.transport),
	})
	if err != nil {
		s.metrics.RecordHandshakeFailure(reasonNameTaken)
		if errors.Is(err, registry.ErrNameTaken) {
			c.Send(protocol.Errorf("username '%s' is already in use", env.Payload))
		}
		return err
	}

	c.id = id
	c.logger = logging.ForSession(c.logger, uint64(id.SessionID), id.Username)

	c.nc.SetReadDeadline(time.Time{})
	return nil
}

// readLoop dispatches envelopes until the connection fails or the user leaves.
func (s *Server) readLoop(c *conn) {
	for {
		if t := s.cfg.IdleTimeout; t > 0 {
			c.nc.SetReadDeadline(time.Now().Add(t))
		}

		body, err := c.fr.ReadFrame()
		if err != nil {
			switch {
			case protocol.IsTimeout(err):
				c.logger.Info("idle timeout, closing session")
			case errors.Is(err, protocol.ErrFrameTooLarge):
				s.metrics.RecordFrameError(reasonTooLarge)
				c.logger.Warn("dropping session", logging.KeyError, err)
			case protocol.IsClosed(err):
				c.logger.Debug("connection closed", logging.KeyError, err)
			default:
				c.logger.Warn("read failed", logging.KeyError, err)
			}
			return
		}

		env, err := protocol.Decode(body)
		if err != nil {
			s.metrics.RecordFrameError(reasonMalformed)
			c.logger.Warn("dropping session after malformed envelope", logging.KeyError, err)
			return
		}
		s.metrics.RecordFrameReceived(env.Kind.String(), protocol.HeaderSize+len(body))

		if !s.dispatch(c, env) {
			return
		}
	}
}

// teardown aborts the session's upload, unregisters it and tells the others.
func (s *Server) teardown(c *conn) {
	s.abortUpload(c, "disconnect")

	_, ok := s.registry.Unregister(c.id.SessionID)
	c.close()
	if !ok {
		return
	}

	left := time.Now()
	s.metrics.RecordSessionClose(left.Sub(c.id.ConnectedAt).Seconds())
	c.logger.Info("user left", "connected_for", left.Sub(c.id.ConnectedAt).Round(time.Second).String())

	if s.ledger != nil {
		if err := s.ledger.RecordSession(history.Session{
			SessionID:  uint64(c.id.SessionID),
			Username:   c.id.Username,
			RemoteAddr: c.id.RemoteAddr,
			Transport:  c.id.Transport,
			JoinedAt:   c.id.ConnectedAt,
			LeftAt:     left,
		}); err != nil {
			c.logger.Warn("failed to record session", logging.KeyError, err)
		}
	}

	s.broadcast(protocol.NewEnvelope(protocol.KindUserLeave, fmt.Sprintf("%s left the chat", c.id.Username), nil),
		c.id.SessionID, metrics.RouteBroadcast)
}
