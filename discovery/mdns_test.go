package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"ztalkd/bus"
	"ztalkd/registry"
	"ztalkd/transport"
)

func newMDNSFixture(t *testing.T) (*MDNS, *registry.Registry, uuid.UUID) {
	t.Helper()

	b := bus.New()
	reg := registry.New(registry.Options{Bus: b})

	selfID := uuid.New()
	m, err := StartMDNS(MDNSOptions{
		SelfID:      selfID,
		DisplayName: "Self Device",
		TCPPort:     9000,
		Registry:    reg,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("StartMDNS failed: %v", err)
	}
	return m, reg, selfID
}

func TestStartMDNSRegistersExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	b := bus.New()
	reg := registry.New(registry.Options{Bus: b})
	selfID := uuid.New()

	_, err := StartMDNS(MDNSOptions{
		SelfID:      selfID,
		DisplayName: "Alice Laptop",
		TCPPort:     9123,
		Registry:    reg,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("StartMDNS failed: %v", err)
	}

	if gotInstance != "Alice Laptop" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != MDNSService {
		t.Fatalf("unexpected service: %q", gotService)
	}
	if gotDomain != MDNSDomain {
		t.Fatalf("unexpected domain: %q", gotDomain)
	}
	if gotPort != 9123 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	assertContainsTXT(t, gotTXT, "peer_id="+selfID.String())
	assertContainsTXT(t, gotTXT, "version="+strconv.Itoa(transport.ProtocolVersion))
}

func TestStartMDNSValidation(t *testing.T) {
	b := bus.New()
	reg := registry.New(registry.Options{Bus: b})

	cases := []struct {
		name string
		opts MDNSOptions
	}{
		{"missing self ID", MDNSOptions{DisplayName: "x", TCPPort: 1, Registry: reg}},
		{"missing display name", MDNSOptions{SelfID: uuid.New(), TCPPort: 1, Registry: reg}},
		{"missing port", MDNSOptions{SelfID: uuid.New(), DisplayName: "x", Registry: reg}},
		{"missing registry", MDNSOptions{SelfID: uuid.New(), DisplayName: "x", TCPPort: 1}},
	}
	for _, tc := range cases {
		if _, err := StartMDNS(tc.opts); err == nil {
			t.Fatalf("%s: expected an error", tc.name)
		}
	}
}

func TestRunStopsOnCancelWhenBrowseFails(t *testing.T) {
	b := bus.New()
	reg := registry.New(registry.Options{Bus: b})

	// A failing browse never closes its entries channel; Run must still
	// honor cancellation.
	m, err := StartMDNS(MDNSOptions{
		SelfID:         uuid.New(),
		DisplayName:    "Self Device",
		TCPPort:        9000,
		Registry:       reg,
		BrowseInterval: 20 * time.Millisecond,
		BrowseTimeout:  20 * time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			return nil, nil
		},
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return errors.New("no usable network interfaces")
		},
	})
	if err != nil {
		t.Fatalf("StartMDNS failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	// Let a few browse rounds fail before cancelling.
	time.Sleep(60 * time.Millisecond)
	cancel()

	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("unexpected Run error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}

func TestHandleEntryRegistersPeer(t *testing.T) {
	m, reg, _ := newMDNSFixture(t)

	peerID := uuid.New()
	m.handleEntry(&zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Bob Desktop"},
		Port:          9001,
		Text:          []string{"peer_id=" + peerID.String(), "version=" + strconv.Itoa(transport.ProtocolVersion)},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.20")},
	})

	peers := reg.Snapshot()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if peers[0].ID != peerID {
		t.Fatalf("unexpected peer ID %s", peers[0].ID)
	}
	if peers[0].DisplayName != "Bob Desktop" {
		t.Fatalf("unexpected display name %q", peers[0].DisplayName)
	}
	if len(peers[0].Addresses) != 1 || peers[0].Addresses[0].Port != 9001 {
		t.Fatalf("unexpected addresses: %v", peers[0].Addresses)
	}
	if !peers[0].Addresses[0].IP.Equal(net.ParseIP("192.168.1.20")) {
		t.Fatalf("unexpected address IP: %v", peers[0].Addresses[0].IP)
	}
}

func TestHandleEntryIgnoresSelf(t *testing.T) {
	m, reg, selfID := newMDNSFixture(t)

	m.handleEntry(&zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Self Device"},
		Port:          9000,
		Text:          []string{"peer_id=" + selfID.String()},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.5")},
	})

	if peers := reg.Snapshot(); len(peers) != 0 {
		t.Fatalf("own entry must not be registered, got %d peers", len(peers))
	}
}

func TestHandleEntryDropsVersionMismatch(t *testing.T) {
	m, reg, _ := newMDNSFixture(t)

	m.handleEntry(&zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Old Peer"},
		Port:          9001,
		Text: []string{
			"peer_id=" + uuid.New().String(),
			"version=" + strconv.Itoa(transport.ProtocolVersion+1),
		},
		AddrIPv4: []net.IP{net.ParseIP("192.168.1.30")},
	})

	if peers := reg.Snapshot(); len(peers) != 0 {
		t.Fatalf("mismatched version must be dropped, got %d peers", len(peers))
	}
}

func TestHandleEntryIgnoresMalformedTXT(t *testing.T) {
	m, reg, _ := newMDNSFixture(t)

	m.handleEntry(&zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "Garbage"},
		Port:          9001,
		Text:          []string{"peer_id=not-a-uuid", "noequals"},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.40")},
	})
	m.handleEntry(nil)

	if peers := reg.Snapshot(); len(peers) != 0 {
		t.Fatalf("malformed entries must be ignored, got %d peers", len(peers))
	}
}

func TestHandleEntryFallsBackToHostName(t *testing.T) {
	m, reg, _ := newMDNSFixture(t)

	peerID := uuid.New()
	m.handleEntry(&zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{},
		HostName:      "bob-desktop.local.",
		Port:          9001,
		Text:          []string{"peer_id=" + peerID.String()},
		AddrIPv4:      []net.IP{net.ParseIP("192.168.1.50")},
	})

	peers := reg.Snapshot()
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if peers[0].DisplayName != "bob-desktop.local." {
		t.Fatalf("expected host name fallback, got %q", peers[0].DisplayName)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, value := range txt {
		if value == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}

