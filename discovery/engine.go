// Package discovery announces the local peer and converts wire beacons into
// peer registry mutations. It is the only component that writes discovery
// traffic into the registry.
package discovery

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"ztalkd/registry"
	"ztalkd/transport"
)

const (
	// DefaultHeartbeatInterval is the beacon period.
	DefaultHeartbeatInterval = 5 * time.Second
)

// BeaconTransport is the slice of the multicast transport the engine needs.
type BeaconTransport interface {
	SendBeacon(transport.Beacon) error
	Beacons() <-chan transport.BeaconEvent
}

// Options configures the discovery engine.
type Options struct {
	SelfID      uuid.UUID
	DisplayName string
	// TCPPort is the reliable-message listening port advertised in beacons.
	TCPPort int

	HeartbeatInterval time.Duration

	Transport BeaconTransport
	Registry  *registry.Registry
}

func (o Options) withDefaults() Options {
	out := o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return out
}

func (o Options) validate() error {
	if o.SelfID == (uuid.UUID{}) {
		return errors.New("self peer ID is required")
	}
	if o.DisplayName == "" {
		return errors.New("display name is required")
	}
	if o.TCPPort <= 0 {
		return errors.New("TCP port must be > 0")
	}
	if o.Transport == nil {
		return errors.New("beacon transport is required")
	}
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	return nil
}

// Engine runs the periodic self-announcement and passive beacon listener.
type Engine struct {
	opts Options
}

// New creates a discovery engine.
func New(options Options) (*Engine, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Engine{opts: opts}, nil
}

// Run announces, listens, and sweeps until the context is cancelled. The
// sweep runs on its own tick so peer silence is detected even with no
// inbound traffic at all.
func (e *Engine) Run(ctx context.Context) error {
	e.announce()

	beaconTicker := time.NewTicker(e.opts.HeartbeatInterval)
	defer beaconTicker.Stop()
	sweepTicker := time.NewTicker(e.opts.HeartbeatInterval)
	defer sweepTicker.Stop()

	beacons := e.opts.Transport.Beacons()
	for {
		select {
		case <-beaconTicker.C:
			e.announce()
		case <-sweepTicker.C:
			e.opts.Registry.MarkSweep(time.Now())
		case event, ok := <-beacons:
			if !ok {
				return nil
			}
			e.handleBeacon(event)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) announce() {
	err := e.opts.Transport.SendBeacon(transport.Beacon{
		Version:     transport.ProtocolVersion,
		PeerID:      e.opts.SelfID,
		DisplayName: e.opts.DisplayName,
		TCPPort:     uint16(e.opts.TCPPort),
	})
	if err != nil {
		log.Printf("discovery: beacon send failed: %v", err)
	}
}

func (e *Engine) handleBeacon(event transport.BeaconEvent) {
	beacon := event.Beacon

	// Our own multicast loops back.
	if beacon.PeerID == e.opts.SelfID {
		return
	}

	// Version mismatch is a compatibility signal, not an error.
	if beacon.Version != transport.ProtocolVersion {
		log.Printf("discovery: dropping beacon from %s with protocol version %d (want %d)",
			beacon.PeerID, beacon.Version, transport.ProtocolVersion)
		return
	}

	if event.Addr == nil || beacon.TCPPort == 0 {
		return
	}

	e.opts.Registry.Upsert(beacon.PeerID, beacon.DisplayName, registry.Address{
		IP:   event.Addr.IP,
		Port: int(beacon.TCPPort),
	}, time.Now())
}
