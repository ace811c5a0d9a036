package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/muti-relay/internal/protocol"
)

// WebSocket transport constants
const (
	DefaultWebSocketPath = "/relay"

	// Subprotocol is negotiated on every WebSocket connection.
	Subprotocol = "muti-relay"

	wsReadLimit       = protocol.HeaderSize + protocol.MaxFrameSize
	wsShutdownTimeout = 5 * time.Second
)

// ConnHandler serves one accepted connection and returns when it is done.
type ConnHandler func(conn net.Conn)

// WebSocketConfig configures the WebSocket listener.
type WebSocketConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8889")
	Address string

	// Path for WebSocket upgrade (default: DefaultWebSocketPath)
	Path string

	// OnError is called when the HTTP server fails after starting. Optional.
	OnError func(err error)
}

// WebSocketListener accepts relay connections over WebSocket and hands each
// one to a ConnHandler as a net.Conn.
type WebSocketListener struct {
	cfg     WebSocketConfig
	handler ConnHandler
	server  *http.Server

	// Actual listener address (set after binding)
	addr net.Addr

	mu    sync.Mutex
	conns map[*wsConn]struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewWebSocketListener creates a new WebSocket listener.
func NewWebSocketListener(cfg WebSocketConfig, handler ConnHandler) (*WebSocketListener, error) {
	if handler == nil {
		return nil, fmt.Errorf("connection handler required")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultWebSocketPath
	}

	return &WebSocketListener{
		cfg:     cfg,
		handler: handler,
		conns:   make(map[*wsConn]struct{}),
	}, nil
}

// Start binds the address and starts serving upgrades.
func (l *WebSocketListener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:              l.cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if l.cfg.OnError != nil {
				l.cfg.OnError(err)
			}
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and closes every active connection.
func (l *WebSocketListener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked connections, close them directly.
	l.closeAll()
	err := l.server.Shutdown(ctx)

	l.wg.Wait()
	return err
}

// Address returns the actual listening address.
func (l *WebSocketListener) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// URL returns the ws:// URL clients dial.
func (l *WebSocketListener) URL() string {
	return "ws://" + l.Address() + l.cfg.Path
}

// ConnectionCount returns the number of active WebSocket connections.
func (l *WebSocketListener) ConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// IsRunning returns true if the listener is running.
func (l *WebSocketListener) IsRunning() bool {
	return l.running.Load()
}

// handleWebSocket upgrades the request and blocks until the handler returns.
// nhooyr.io/websocket expects the HTTP handler to stay active for the lifetime
// of the connection.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !l.running.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return
	}

	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusProtocolError, Subprotocol+" subprotocol required")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	wc := newWsConn(conn, wsAddr(l.Address()), wsAddr(r.RemoteAddr))

	l.track(wc, true)
	l.wg.Add(1)
	defer l.wg.Done()
	defer l.track(wc, false)
	defer wc.Close()

	l.handler(wc)
}

func (l *WebSocketListener) track(c *wsConn, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.conns[c] = struct{}{}
	} else {
		delete(l.conns, c)
	}
}

func (l *WebSocketListener) closeAll() {
	l.mu.Lock()
	conns := make([]*wsConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// DialWebSocket connects to a relay WebSocket URL and returns the connection
// as a net.Conn.
func DialWebSocket(ctx context.Context, wsURL string) (net.Conn, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	if conn.Subprotocol() != Subprotocol {
		conn.Close(websocket.StatusProtocolError, Subprotocol+" subprotocol required")
		return nil, fmt.Errorf("server did not negotiate the %s subprotocol", Subprotocol)
	}
	conn.SetReadLimit(wsReadLimit)

	return newWsConn(conn, nil, wsAddr(wsURL)), nil
}

// wsAddr is a net.Addr for WebSocket endpoints.
type wsAddr string

func (a wsAddr) Network() string { return string(TransportWebSocket) }
func (a wsAddr) String() string  { return string(a) }

// wsConn wraps websocket.Conn to implement net.Conn. Reads drain one binary
// message at a time; every Write is sent as one binary message.
type wsConn struct {
	conn   *websocket.Conn
	local  net.Addr
	remote net.Addr

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closeOnce  sync.Once

	mu        sync.Mutex
	readCtx   context.Context
	readStop  context.CancelFunc
	writeCtx  context.Context
	writeStop context.CancelFunc

	readMu sync.Mutex
	reader io.Reader
}

func newWsConn(conn *websocket.Conn, local, remote net.Addr) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:       conn,
		local:      local,
		remote:     remote,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

func (c *wsConn) contexts() (read, write context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	read, write = c.baseCtx, c.baseCtx
	if c.readCtx != nil {
		read = c.readCtx
	}
	if c.writeCtx != nil {
		write = c.writeCtx
	}
	return read, write
}

// Read reads data from the current binary message, moving to the next one
// when it is drained.
func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.reader != nil {
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}

	ctx, _ := c.contexts()
	msgType, reader, err := c.conn.Reader(ctx)
	if err != nil {
		return 0, c.translateError(err)
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("unexpected message type: %v", msgType)
	}

	n, err := reader.Read(b)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}

	c.reader = reader
	return n, nil
}

// Write sends b as one binary message.
func (c *wsConn) Write(b []byte) (int, error) {
	_, ctx := c.contexts()
	if err := c.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return 0, c.translateError(err)
	}
	return len(b), nil
}

// Close closes the WebSocket connection. Safe to call more than once.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.readStop != nil {
			c.readStop()
		}
		if c.writeStop != nil {
			c.writeStop()
		}
		c.mu.Unlock()

		c.baseCancel()
		err = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return err
}

func (c *wsConn) LocalAddr() net.Addr  { return c.local }
func (c *wsConn) RemoteAddr() net.Addr { return c.remote }

// SetDeadline sets both read and write deadlines.
func (c *wsConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

// SetReadDeadline bounds subsequent reads. nhooyr.io/websocket closes the
// connection when a read context expires, so an expired read deadline is
// fatal for the connection.
func (c *wsConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readCtx, c.readStop = c.deadlineContext(t, c.readStop)
	return nil
}

// SetWriteDeadline bounds subsequent writes.
func (c *wsConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeCtx, c.writeStop = c.deadlineContext(t, c.writeStop)
	return nil
}

func (c *wsConn) deadlineContext(t time.Time, prev context.CancelFunc) (context.Context, context.CancelFunc) {
	if prev != nil {
		prev()
	}
	if t.IsZero() {
		return nil, nil
	}
	return context.WithDeadline(c.baseCtx, t)
}

// wsTimeoutError implements net.Error for WebSocket deadline timeouts.
type wsTimeoutError struct {
	err error
}

func (e *wsTimeoutError) Error() string   { return e.err.Error() }
func (e *wsTimeoutError) Timeout() bool   { return true }
func (e *wsTimeoutError) Temporary() bool { return true }

// translateError converts WebSocket errors to the errors net.Conn users expect.
func (c *wsConn) translateError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if c.baseCtx.Err() != nil {
		return net.ErrClosed
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wsTimeoutError{err: err}
	}
	return err
}
