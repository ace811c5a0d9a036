// Package relay implements the relay server: it accepts client connections,
// registers them under a username and routes chat messages and file
// transfers between them.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/health"
	"github.com/postalsys/muti-relay/internal/history"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/recovery"
	"github.com/postalsys/muti-relay/internal/registry"
	"github.com/postalsys/muti-relay/internal/transport"
)

// ServerName is the sender name used for messages and files from the operator.
const ServerName = protocol.ServerName

// rejectWriteTimeout bounds the ERROR written to a connection refused before
// the handshake.
const rejectWriteTimeout = 2 * time.Second

// Config holds relay server configuration.
type Config struct {
	// Address is the TCP listen address (e.g., "127.0.0.1:8888")
	Address string

	// WebSocket enables the optional WebSocket listener when Enabled is set.
	WebSocket config.WebSocketConfig

	// FilesDir is where uploads are stored as "<sender>_<name>".
	FilesDir string

	// MaxConnections caps concurrent connections, handshaking ones included.
	MaxConnections int

	// HandshakeTimeout bounds the wait for USER_JOIN.
	HandshakeTimeout time.Duration

	// IdleTimeout drops a session that sends nothing for this long. 0 = never.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single frame write to one recipient. 0 = none.
	WriteTimeout time.Duration

	// ChunkEncoding, RateLimit and ProgressInterval apply to operator file sends.
	ChunkEncoding    string
	RateLimit        int64
	ProgressInterval time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default())
}

// ConfigFrom extracts the server configuration from a loaded config file.
// The rate limit is assumed to have passed validation.
func ConfigFrom(cfg *config.Config) Config {
	rate, _ := cfg.Transfer.RateLimitBytes()
	return Config{
		Address:          cfg.Server.Address,
		WebSocket:        cfg.Server.WebSocket,
		FilesDir:         cfg.Server.FilesDir,
		MaxConnections:   cfg.Limits.MaxConnections,
		HandshakeTimeout: cfg.Limits.HandshakeTimeout,
		IdleTimeout:      cfg.Limits.IdleTimeout,
		WriteTimeout:     cfg.Limits.WriteTimeout,
		ChunkEncoding:    cfg.Transfer.ChunkEncoding,
		RateLimit:        rate,
		ProgressInterval: cfg.Transfer.ProgressInterval,
	}
}

// Ledger records sessions and transfers. *history.Store implements it.
type Ledger interface {
	BeginTransfer(t history.Transfer) (string, error)
	FinishTransfer(id string, o history.Outcome) error
	RecordSession(s history.Session) error
}

// Options carries the server's optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Ledger  Ledger
}

// Server is the relay server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	ledger   Ledger
	registry *registry.Registry
	uploads  *transferTable

	listener net.Listener
	ws       *transport.WebSocketListener
	sem      chan struct{}

	mu    sync.Mutex
	conns map[*conn]struct{}

	running   atomic.Bool
	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewServer creates a relay server. Nil options fall back to a discarding
// logger and the default metrics registry.
func NewServer(cfg Config, opts Options) *Server {
	defaults := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaults.MaxConnections
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if cfg.FilesDir == "" {
		cfg.FilesDir = defaults.FilesDir
	}
	if cfg.ChunkEncoding == "" {
		cfg.ChunkEncoding = protocol.EncodingBinary
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Server{
		cfg:      cfg,
		logger:   logging.ForComponent(opts.Logger, logging.ComponentRelay),
		metrics:  m,
		ledger:   opts.Ledger,
		registry: registry.New(),
		uploads: newTransferTable(filetransfer.ReceiverConfig{
			Dir:              cfg.FilesDir,
			ProgressInterval: cfg.ProgressInterval,
		}),
		sem:    make(chan struct{}, cfg.MaxConnections),
		conns:  make(map[*conn]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start binds the TCP listener, and the WebSocket listener when enabled, and
// starts accepting connections.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln

	if s.cfg.WebSocket.Enabled {
		ws, err := transport.NewWebSocketListener(transport.WebSocketConfig{
			Address: s.cfg.WebSocket.Address,
			Path:    s.cfg.WebSocket.Path,
			OnError: func(err error) {
				s.logger.Error("WebSocket listener failed", logging.KeyError, err)
			},
		}, func(nc net.Conn) {
			s.serveConn(nc, transport.TransportWebSocket)
		})
		if err == nil {
			err = ws.Start()
		}
		if err != nil {
			ln.Close()
			return fmt.Errorf("start WebSocket listener: %w", err)
		}
		s.ws = ws
		s.logger.Info("WebSocket listener started", logging.KeyAddress, ws.URL())
	}

	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("relay server started",
		logging.KeyAddress, ln.Addr().String(),
		"max_connections", s.cfg.MaxConnections,
		"files_dir", s.cfg.FilesDir)
	return nil
}

// Stop closes the listeners and every session, then waits for the
// connection goroutines to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.ws != nil {
			if wsErr := s.ws.Stop(); wsErr != nil && err == nil {
				err = wsErr
			}
		}

		s.mu.Lock()
		for c := range s.conns {
			c.close()
		}
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("relay server stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the TCP listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// WebSocketURL returns the ws:// URL clients dial, or "" when disabled.
func (s *Server) WebSocketURL() string {
	if s.ws == nil {
		return ""
	}
	return s.ws.URL()
}

// IsRunning returns true if the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Stats returns relay statistics for the health endpoints.
func (s *Server) Stats() health.Stats {
	st := health.Stats{
		SessionCount:    s.registry.Len(),
		ActiveTransfers: s.uploads.active(),
	}
	if s.listener != nil {
		st.Listeners = append(st.Listeners, "tcp://"+s.listener.Addr().String())
	}
	if s.ws != nil {
		st.Listeners = append(st.Listeners, s.ws.URL())
	}
	if !s.startedAt.IsZero() {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// Sessions returns the registered sessions in join order.
func (s *Server) Sessions() []registry.Identity {
	return s.registry.List()
}

// Upload returns the upload in progress on a session, if any.
func (s *Server) Upload(id registry.SessionID) (filetransfer.Session, bool) {
	return s.uploads.snapshot(id)
}

// acceptLoop accepts TCP connections until the listener closes.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("accept error", logging.KeyError, err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(nc, transport.TransportTCP)
		}()
	}
}

// serveConn runs one connection to completion. It enforces the connection
// cap before anything is read.
func (s *Server) serveConn(nc net.Conn, tt transport.TransportType) {
	select {
	case s.sem <- struct{}{}:
	default:
		s.reject(nc, "max_connections", "server is full, try again later")
		return
	}
	defer func() { <-s.sem }()

	if !s.running.Load() {
		nc.Close()
		return
	}

	c := newConn(s, nc, tt)
	if !s.track(c) {
		c.close()
		return
	}
	defer s.untrack(c)

	defer recovery.RecoverWithLog(s.logger, "relay session")

	s.handle(c)
}

// reject sends a final ERROR to a connection that will not be served.
func (s *Server) reject(nc net.Conn, reason, message string) {
	defer nc.Close()

	s.metrics.RecordConnectionRejected(reason)
	s.logger.Warn("connection rejected",
		logging.KeyRemoteAddr, remoteAddr(nc),
		"reason", reason)

	nc.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	protocol.NewFrameWriter(nc).WriteEnvelope(protocol.Errorf("%s", message))
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
		return false
	default:
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func remoteAddr(nc net.Conn) string {
	if a := nc.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}
