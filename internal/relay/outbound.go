package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/history"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/registry"
)

// ErrNoRecipients is returned when a file send has nobody left to deliver to.
var ErrNoRecipients = errors.New("no recipients")

// fanout writes each envelope to a fixed set of recipients. A recipient that
// fails once is dropped for the rest of the transfer.
type fanout struct {
	srv        *Server
	route      string
	recipients []registry.Entry
}

func (f *fanout) WriteEnvelope(env protocol.Envelope) error {
	kept := f.recipients[:0]
	for _, e := range f.recipients {
		if err := e.Handle.Send(env); err != nil {
			f.srv.metrics.RecordDeliveryFailure(f.route)
			f.srv.logger.Warn("dropping file recipient",
				logging.KeyUsername, e.Username,
				logging.KeyError, err)
			continue
		}
		kept = append(kept, e)
	}
	f.recipients = kept

	if len(kept) == 0 {
		return ErrNoRecipients
	}
	f.srv.metrics.RecordRouted(env.Kind.String(), f.route)
	return nil
}

// SendFile streams a local file from the operator to every session, or to
// one user when username is not empty. Recipients see the same
// FILE, FILE_DATA..., FILE_COMPLETE sequence a client upload produces, with
// sender set to ServerName.
func (s *Server) SendFile(ctx context.Context, path, username string, onProgress filetransfer.ProgressFunc) (filetransfer.SendResult, error) {
	var recipients []registry.Entry
	if username != "" {
		e, ok := s.registry.Find(username)
		if !ok {
			return filetransfer.SendResult{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
		}
		recipients = []registry.Entry{e}
	} else {
		recipients = s.registry.Snapshot(0)
	}
	if len(recipients) == 0 {
		return filetransfer.SendResult{}, fmt.Errorf("%w: no users online", ErrNoRecipients)
	}

	sender := filetransfer.NewSender(filetransfer.SenderConfig{
		Name:             ServerName,
		Encoding:         s.cfg.ChunkEncoding,
		RateLimit:        s.cfg.RateLimit,
		OnProgress:       onProgress,
		ProgressInterval: s.cfg.ProgressInterval,
	})

	w := &fanout{srv: s, route: metrics.RouteServer, recipients: recipients}
	start := time.Now()
	res, err := sender.Send(ctx, path, w)

	logger := s.logger.With(
		logging.KeyTransferID, res.TransferID,
		logging.KeyPath, path,
		logging.KeyTarget, targetLabel(username))
	if err != nil {
		logger.Warn("file send failed", logging.KeyBytes, res.Bytes, logging.KeyError, err)
	} else {
		logger.Info("file sent",
			logging.KeyBytes, res.Bytes,
			logging.KeyChunks, res.Chunks,
			logging.KeyCount, len(w.recipients),
			logging.KeyDuration, res.Elapsed.String())
	}

	s.recordOutbound(res, username, start, err)
	return res, err
}

func (s *Server) recordOutbound(res filetransfer.SendResult, username string, start time.Time, sendErr error) {
	if s.ledger == nil || res.TransferID == "" {
		return
	}

	id, err := s.ledger.BeginTransfer(history.Transfer{
		ID:        res.TransferID,
		Direction: history.DirectionOutbound,
		Peer:      ServerName,
		Recipient: username,
		Filename:  res.Filename,
		StartedAt: start,
	})
	if err != nil {
		s.logger.Warn("failed to record file send", logging.KeyError, err)
		return
	}

	outcome := history.Outcome{
		Status:   history.StatusComplete,
		Bytes:    res.Bytes,
		Chunks:   res.Chunks,
		Checksum: res.Checksum,
	}
	if sendErr != nil {
		outcome.Status = history.StatusFailed
		outcome.Checksum = ""
	}
	if err := s.ledger.FinishTransfer(id, outcome); err != nil {
		s.logger.Warn("failed to record file send outcome", logging.KeyError, err)
	}
}

func targetLabel(username string) string {
	if username == "" {
		return "all"
	}
	return username
}
