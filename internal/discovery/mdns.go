// Package discovery advertises relay servers on the local network via mDNS
// and finds them from the client side.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_muti-relay._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

const (
	txtVersion   = "version"
	txtWebSocket = "ws"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls advertising and browsing.
type Config struct {
	Service     string
	Domain      string
	Instance    string // advertised name, empty = hostname
	Port        int    // TCP port of the relay
	WebSocket   string // optional ws:// URL announced alongside
	ScanTimeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if strings.TrimSpace(out.Instance) == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "muti-relay"
		}
		out.Instance = host
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Advertiser publishes a relay server via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay and keeps answering queries until Stop.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if cfg.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	txt := []string{txtVersion + "=" + strconv.Itoa(DefaultVersion)}
	if cfg.WebSocket != "" {
		txt = append(txt, txtWebSocket+"="+cfg.WebSocket)
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Server is a relay found on the local network.
type Server struct {
	Instance  string   `json:"instance"`
	HostName  string   `json:"host_name"`
	Port      int      `json:"port"`
	Addresses []string `json:"addresses"`
	WebSocket string   `json:"websocket,omitempty"`
	Version   int      `json:"version"`
}

// Address returns a dialable host:port, preferring an IPv4 address.
func (s Server) Address() string {
	host := strings.TrimSuffix(s.HostName, ".")
	for _, a := range s.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			host = a
			break
		}
	}
	if host == "" && len(s.Addresses) > 0 {
		host = s.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

// Browse scans for relays until the scan timeout or ctx ends, and returns
// what it found sorted by instance name.
func Browse(ctx context.Context, config Config) ([]Server, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	found := make(map[string]Server)
	var mu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				srv := parseEntry(entry)
				mu.Lock()
				found[srv.Instance] = srv
				mu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse %s: %w", cfg.Service, err)
	}

	<-scanCtx.Done()
	<-done

	mu.Lock()
	defer mu.Unlock()
	out := make([]Server, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return out, err
	}
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) Server {
	txt := txtToMap(entry.Text)

	version := 0
	if v, err := strconv.Atoi(txt[txtVersion]); err == nil {
		version = v
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return Server{
		Instance:  name,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		WebSocket: txt[txtWebSocket],
		Version:   version,
	}
}

func txtToMap(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		k, v, ok := strings.Cut(rec, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
