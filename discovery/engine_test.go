package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"ztalkd/registry"
	"ztalkd/transport"
)

// fakeBeaconTransport records sent beacons and lets tests inject inbound ones.
type fakeBeaconTransport struct {
	mu      sync.Mutex
	sent    []transport.Beacon
	beacons chan transport.BeaconEvent
}

func newFakeBeaconTransport() *fakeBeaconTransport {
	return &fakeBeaconTransport{beacons: make(chan transport.BeaconEvent, 16)}
}

func (f *fakeBeaconTransport) SendBeacon(b transport.Beacon) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, b)
	return nil
}

func (f *fakeBeaconTransport) Beacons() <-chan transport.BeaconEvent {
	return f.beacons
}

func (f *fakeBeaconTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestEngine(t *testing.T, selfID uuid.UUID, ft *fakeBeaconTransport, reg *registry.Registry) *Engine {
	t.Helper()
	engine, err := New(Options{
		SelfID:            selfID,
		DisplayName:       "local",
		TCPPort:           8990,
		HeartbeatInterval: 50 * time.Millisecond,
		Transport:         ft,
		Registry:          reg,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return engine
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", message)
}

func TestEngineAnnouncesImmediatelyAndPeriodically(t *testing.T) {
	ft := newFakeBeaconTransport()
	reg := registry.New(registry.Options{})
	engine := newTestEngine(t, uuid.New(), ft, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	waitFor(t, 2*time.Second, func() bool { return ft.sentCount() >= 3 },
		"expected repeated beacon announcements")

	ft.mu.Lock()
	first := ft.sent[0]
	ft.mu.Unlock()
	if first.Version != transport.ProtocolVersion || first.TCPPort != 8990 {
		t.Fatalf("unexpected beacon contents: %+v", first)
	}
}

func TestEngineRegistersPeerFromBeacon(t *testing.T) {
	ft := newFakeBeaconTransport()
	reg := registry.New(registry.Options{})
	selfID := uuid.New()
	engine := newTestEngine(t, selfID, ft, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	peerID := uuid.New()
	ft.beacons <- transport.BeaconEvent{
		Beacon: transport.Beacon{
			Version:     transport.ProtocolVersion,
			PeerID:      peerID,
			DisplayName: "remote",
			TCPPort:     9001,
		},
		Addr: &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 8989},
	}

	waitFor(t, 2*time.Second, func() bool {
		_, ok := reg.Get(peerID)
		return ok
	}, "expected beacon to register the peer")

	peer, _ := reg.Get(peerID)
	if peer.DisplayName != "remote" || peer.State != registry.StateOnline {
		t.Fatalf("unexpected peer: %+v", peer)
	}
	best, _ := reg.BestAddress(peerID)
	if best.Port != 9001 || best.IP.String() != "192.168.1.20" {
		t.Fatalf("expected advertised TCP port with source IP, got %s", best)
	}
}

func TestEngineIgnoresOwnBeacon(t *testing.T) {
	ft := newFakeBeaconTransport()
	reg := registry.New(registry.Options{})
	selfID := uuid.New()
	engine := newTestEngine(t, selfID, ft, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	ft.beacons <- transport.BeaconEvent{
		Beacon: transport.Beacon{
			Version:     transport.ProtocolVersion,
			PeerID:      selfID,
			DisplayName: "local",
			TCPPort:     8990,
		},
		Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8989},
	}

	time.Sleep(100 * time.Millisecond)
	if len(reg.Snapshot()) != 0 {
		t.Fatalf("own beacon must not create a peer")
	}
}

func TestEngineDropsVersionMismatch(t *testing.T) {
	ft := newFakeBeaconTransport()
	reg := registry.New(registry.Options{})
	engine := newTestEngine(t, uuid.New(), ft, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	ft.beacons <- transport.BeaconEvent{
		Beacon: transport.Beacon{
			Version:     transport.ProtocolVersion + 1,
			PeerID:      uuid.New(),
			DisplayName: "future",
			TCPPort:     9001,
		},
		Addr: &net.UDPAddr{IP: net.ParseIP("192.168.1.30"), Port: 8989},
	}

	time.Sleep(100 * time.Millisecond)
	if len(reg.Snapshot()) != 0 {
		t.Fatalf("version-mismatched beacon must be dropped")
	}
}
