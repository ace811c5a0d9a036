package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestAdvertiseBuildsExpectedRecord(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		Instance:  "office relay",
		Port:      8888,
		WebSocket: "ws://10.0.0.5:8889/relay",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance, gotService, gotDomain, gotPort = instance, service, domain, port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	adv, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	adv.Stop()

	if gotInstance != "office relay" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service/domain: %q %q", gotService, gotDomain)
	}
	if gotPort != 8888 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	txt := txtToMap(gotTXT)
	if txt["version"] != "1" || txt["ws"] != "ws://10.0.0.5:8889/relay" {
		t.Fatalf("unexpected TXT records: %v", gotTXT)
	}
}

func TestAdvertiseRequiresPort(t *testing.T) {
	_, err := Advertise(Config{Instance: "x"})
	if err == nil {
		t.Fatal("expected error without port")
	}
}

func TestAdvertiseRegisterError(t *testing.T) {
	boom := errors.New("no multicast")
	_, err := Advertise(Config{
		Port: 1,
		registerFn: func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
			return nil, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped register error, got %v", err)
	}
}

func TestBrowseCollectsEntries(t *testing.T) {
	cfg := Config{
		ScanTimeout: 50 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			a := zeroconf.NewServiceEntry("beta", service, domain)
			a.HostName = "beta.local."
			a.Port = 9000
			a.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
			a.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20"), net.ParseIP("192.168.1.20")}
			a.Text = []string{"version=1", "ws=ws://192.168.1.20:9001/relay"}

			b := zeroconf.NewServiceEntry("alpha", service, domain)
			b.HostName = "alpha.local."
			b.Port = 8888
			b.Text = []string{"version=1", "garbage"}

			go func() {
				entries <- a
				entries <- b
			}()
			return nil
		},
	}

	servers, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %+v", servers)
	}
	if servers[0].Instance != "alpha" || servers[1].Instance != "beta" {
		t.Fatalf("servers not sorted by instance: %+v", servers)
	}

	beta := servers[1]
	if len(beta.Addresses) != 2 {
		t.Errorf("expected deduplicated addresses, got %v", beta.Addresses)
	}
	if beta.Address() != "192.168.1.20:9000" {
		t.Errorf("Address() = %s, want 192.168.1.20:9000", beta.Address())
	}
	if beta.WebSocket != "ws://192.168.1.20:9001/relay" || beta.Version != 1 {
		t.Errorf("unexpected beta record: %+v", beta)
	}

	if servers[0].Address() != "alpha.local:8888" {
		t.Errorf("Address() without IPs = %s, want alpha.local:8888", servers[0].Address())
	}
}

func TestBrowseError(t *testing.T) {
	boom := errors.New("socket closed")
	_, err := Browse(context.Background(), Config{
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped browse error, got %v", err)
	}
}

func TestTxtToMap(t *testing.T) {
	got := txtToMap([]string{"a=1", " b = two ", "novalue", "c=x=y"})
	if got["a"] != "1" || got["b"] != "two" || got["c"] != "x=y" {
		t.Fatalf("unexpected map: %v", got)
	}
	if _, ok := got["novalue"]; ok {
		t.Fatal("entry without '=' should be skipped")
	}
}
