// Package transport provides the byte streams the relay runs over: plain TCP
// and WebSocket, where every binary message carries exactly one frame.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "ws"
)

// DefaultDialTimeout bounds connection setup when DialOptions.Timeout is zero.
const DefaultDialTimeout = 10 * time.Second

// Endpoint is a parsed server address.
type Endpoint struct {
	Type TransportType

	// Address is host:port for TCP and the full URL for WebSocket.
	Address string
}

// String returns the address in the form accepted by ParseEndpoint.
func (e Endpoint) String() string {
	return e.Address
}

// ParseEndpoint parses "host:port", "ws://host:port/path" or
// "wss://host:port/path". A WebSocket URL without a path gets
// DefaultWebSocketPath.
func ParseEndpoint(addr string) (Endpoint, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Endpoint{}, fmt.Errorf("empty address")
	}

	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		u, err := url.Parse(addr)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid WebSocket URL %q: %w", addr, err)
		}
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("invalid WebSocket URL %q: missing host", addr)
		}
		if u.Path == "" || u.Path == "/" {
			u.Path = DefaultWebSocketPath
		}
		return Endpoint{Type: TransportWebSocket, Address: u.String()}, nil
	}

	if strings.Contains(addr, "://") {
		return Endpoint{}, fmt.Errorf("unsupported scheme in %q (use host:port or ws://)", addr)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Endpoint{}, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return Endpoint{Type: TransportTCP, Address: addr}, nil
}

// DialOptions contains options for dialing a relay.
type DialOptions struct {
	// Timeout is the connection timeout. Zero uses DefaultDialTimeout.
	Timeout time.Duration
}

// Dial connects to the endpoint and returns a net.Conn for either transport.
func Dial(ctx context.Context, ep Endpoint, opts DialOptions) (net.Conn, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	switch ep.Type {
	case TransportTCP:
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", ep.Address)
		if err != nil {
			return nil, fmt.Errorf("TCP dial failed: %w", err)
		}
		return conn, nil
	case TransportWebSocket:
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return DialWebSocket(ctx, ep.Address)
	default:
		return nil, fmt.Errorf("unknown transport %q", ep.Type)
	}
}
