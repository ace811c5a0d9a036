// Package client implements the relay client: it joins a server over TCP or
// WebSocket, receives chat traffic and files, and sends text and files.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/filetransfer"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/transport"
)

// DefaultPort is used when an address names a host without a port.
const DefaultPort = "8888"

// leaveTimeout bounds the USER_LEAVE write on Close.
const leaveTimeout = 2 * time.Second

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("client closed")

// Config configures a Client.
type Config struct {
	// Address is host:port or a ws:// / wss:// URL.
	Address  string
	Username string

	// DownloadDir receives incoming files. Created on first use.
	DownloadDir string

	ChunkEncoding    string
	RateLimit        int64
	ProgressInterval time.Duration
	DialTimeout      time.Duration
}

// ConfigFrom extracts the client settings from a loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	rate, _ := cfg.Transfer.RateLimitBytes()
	return Config{
		Address:          cfg.Client.Address,
		Username:         cfg.Client.Username,
		DownloadDir:      cfg.Client.DownloadDir,
		ChunkEncoding:    cfg.Transfer.ChunkEncoding,
		RateLimit:        rate,
		ProgressInterval: cfg.Transfer.ProgressInterval,
	}
}

// Address builds a dialable address from a host and port. A host that is
// already a URL is returned unchanged; an empty port means DefaultPort.
func Address(host, port string) string {
	host = strings.TrimSpace(host)
	if strings.Contains(host, "://") {
		return host
	}
	if port == "" {
		port = DefaultPort
	}
	return net.JoinHostPort(host, port)
}

// Client is a connected relay session. Sends are safe for concurrent use.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	endpoint transport.Endpoint

	nc net.Conn
	fr *protocol.FrameReader

	writeMu sync.Mutex
	fw      *protocol.FrameWriter

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the server and announces cfg.Username with USER_JOIN. An
// empty username lets the server assign one.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	ep, err := transport.ParseEndpoint(cfg.Address)
	if err != nil {
		return nil, err
	}

	nc, err := transport.Dial(ctx, ep, transport.DialOptions{Timeout: cfg.DialTimeout})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		endpoint: ep,
		logger:   logging.ForComponent(logger, logging.ComponentClient, logging.KeyAddress, ep.String()),
		nc:       nc,
		fr:       protocol.NewFrameReader(nc),
		fw:       protocol.NewFrameWriter(nc),
		closed:   make(chan struct{}),
	}

	if err := c.WriteEnvelope(protocol.NewEnvelope(protocol.KindUserJoin, cfg.Username, nil)); err != nil {
		nc.Close()
		return nil, fmt.Errorf("join %s: %w", ep, err)
	}

	c.logger.Debug("joined", logging.KeyUsername, cfg.Username)
	return c, nil
}

// Endpoint returns the server endpoint.
func (c *Client) Endpoint() transport.Endpoint {
	return c.endpoint
}

// Username returns the requested username.
func (c *Client) Username() string {
	return c.cfg.Username
}

// WriteEnvelope sends one envelope. It implements filetransfer.EnvelopeWriter.
func (c *Client) WriteEnvelope(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.fw.WriteEnvelope(env)
}

// SendText sends a chat line. A line of the form "@user text" is delivered
// privately by the server.
func (c *Client) SendText(text string) error {
	return c.WriteEnvelope(protocol.Text(text))
}

// SendFile streams the file at path to everyone in the room.
func (c *Client) SendFile(ctx context.Context, path string, onProgress filetransfer.ProgressFunc) (filetransfer.SendResult, error) {
	sender := filetransfer.NewSender(filetransfer.SenderConfig{
		Encoding:         c.cfg.ChunkEncoding,
		RateLimit:        c.cfg.RateLimit,
		OnProgress:       onProgress,
		ProgressInterval: c.cfg.ProgressInterval,
	})

	res, err := sender.Send(ctx, path, c)
	if err != nil {
		c.logger.Warn("file send failed", logging.KeyPath, path, logging.KeyError, err)
		return res, err
	}
	c.logger.Debug("file sent",
		logging.KeyTransferID, res.TransferID,
		logging.KeyPath, path,
		logging.KeyBytes, res.Bytes,
		logging.KeyChunks, res.Chunks)
	return res, nil
}

// Close says goodbye with USER_LEAVE and closes the connection. It is safe to
// call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.nc.SetWriteDeadline(time.Now().Add(leaveTimeout))
		if werr := c.fw.WriteEnvelope(protocol.NewEnvelope(protocol.KindUserLeave, c.cfg.Username, nil)); werr != nil {
			c.logger.Debug("leave not delivered", logging.KeyError, werr)
		}
		c.writeMu.Unlock()

		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
