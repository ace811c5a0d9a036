package relay

import (
	"errors"
	"fmt"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/registry"
)

// ErrUnknownUser is returned when a directed message names no registered user.
var ErrUnknownUser = errors.New("user is not online")

// dispatch routes one envelope from a registered session. It returns false
// when the session should end.
func (s *Server) dispatch(c *conn, env protocol.Envelope) bool {
	switch env.Kind {
	case protocol.KindText:
		s.routeText(c, env)

	case protocol.KindFile:
		if env.Meta(protocol.MetaSender) == "" {
			env = env.WithMeta(protocol.MetaSender, c.id.Username)
		}
		s.beginUpload(c, env)
		s.broadcast(env, c.id.SessionID, metrics.RouteBroadcast)

	case protocol.KindFileData:
		s.ingestUpload(c, env)
		s.broadcast(env, c.id.SessionID, metrics.RouteBroadcast)

	case protocol.KindFileComplete:
		s.completeUpload(c, env)
		name := env.Meta(protocol.MetaFilename)
		if name == "" {
			name = filetransfer.UnknownFilename
		}
		s.broadcast(protocol.Text(fmt.Sprintf("%s shared file %s", c.id.Username, name)),
			c.id.SessionID, metrics.RouteBroadcast)
		s.broadcast(env, c.id.SessionID, metrics.RouteBroadcast)

	case protocol.KindUserLeave:
		c.logger.Debug("user said goodbye")
		return false

	default:
		c.logger.Debug("ignoring unexpected envelope", logging.KeyKind, env.Kind.String())
	}
	return true
}

// routeText broadcasts chat text or delivers an "@user" private message.
func (s *Server) routeText(c *conn, env protocol.Envelope) {
	target, rest, ok := protocol.ParseDirected(env.Payload)
	if !ok {
		s.broadcast(protocol.Text(fmt.Sprintf("%s: %s", c.id.Username, env.Payload)),
			c.id.SessionID, metrics.RouteBroadcast)
		return
	}

	err := s.sendTo(target, protocol.Text(protocol.PrivateText(c.id.Username, rest)), metrics.RoutePrivate)
	if err == nil {
		c.logger.Debug("private message delivered", logging.KeyTarget, target)
		return
	}

	c.logger.Debug("private message not delivered", logging.KeyTarget, target, logging.KeyError, err)
	if errors.Is(err, ErrUnknownUser) {
		c.Send(protocol.Errorf("user '%s' is not online", target))
	}
}

// broadcast sends env to every session except exclude (0 = none) and
// returns the number of successful deliveries. A failed recipient never
// stops delivery to the others and is not retried.
func (s *Server) broadcast(env protocol.Envelope, exclude registry.SessionID, route string) int {
	delivered := 0
	for _, e := range s.registry.Snapshot(exclude) {
		if err := e.Handle.Send(env); err != nil {
			s.metrics.RecordDeliveryFailure(route)
			s.logger.Debug("delivery failed",
				logging.KeyUsername, e.Username,
				logging.KeyKind, env.Kind.String(),
				logging.KeyError, err)
			continue
		}
		delivered++
	}
	s.metrics.RecordRouted(env.Kind.String(), route)
	return delivered
}

// sendTo delivers env to one user.
func (s *Server) sendTo(username string, env protocol.Envelope, route string) error {
	e, ok := s.registry.Find(username)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if err := e.Handle.Send(env); err != nil {
		s.metrics.RecordDeliveryFailure(route)
		return fmt.Errorf("send to %s: %w", username, err)
	}
	s.metrics.RecordRouted(env.Kind.String(), route)
	return nil
}

// Announce broadcasts an operator message to every session and returns the
// number of recipients reached.
func (s *Server) Announce(text string) int {
	return s.broadcast(protocol.Text(protocol.ServerText(text)), 0, metrics.RouteServer)
}

// Whisper sends an operator message to one user.
func (s *Server) Whisper(username, text string) error {
	return s.sendTo(username, protocol.Text(protocol.ServerPrivateText(text)), metrics.RouteServer)
}
