// Package registry owns the authoritative set of known peers: liveness
// state, address bindings, and eviction. It is the only structure in the
// daemon with concurrent writers (beacon arrivals and the sweep timer), so
// every mutation runs under one lock and observers only ever see copies.
package registry

import (
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ztalkd/bus"
)

// State is a peer liveness state derived from beacon silence.
type State string

const (
	// StateOnline means the peer announced within the heartbeat window.
	StateOnline State = "online"
	// StateStale means one heartbeat interval was missed.
	StateStale State = "stale"
	// StateOffline means several intervals were missed; eviction candidate.
	StateOffline State = "offline"
)

const (
	// DefaultHeartbeatInterval matches the discovery beacon period.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultOfflineAfterMissed is how many missed intervals mean Offline.
	DefaultOfflineAfterMissed = 3
	// DefaultEvictionGrace is how long an Offline peer is retained.
	DefaultEvictionGrace = 2 * time.Minute
	// maxAddresses bounds the per-peer address history.
	maxAddresses = 4
)

// Address is one reachable TCP endpoint for a peer.
type Address struct {
	IP   net.IP
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.IP.String(), fmt.Sprintf("%d", a.Port))
}

func (a Address) equal(b Address) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// Peer is a snapshot of one known peer. Addresses are ordered
// most-recently-confirmed first.
type Peer struct {
	ID          uuid.UUID
	DisplayName string
	Addresses   []Address
	LastSeen    time.Time
	State       State
}

func (p Peer) clone() Peer {
	out := p
	out.Addresses = append([]Address(nil), p.Addresses...)
	return out
}

// PeerAdded is published when a peer is first seen.
type PeerAdded struct{ Peer Peer }

// PeerUpdated is published when a known peer's beacon or traffic refreshes it.
type PeerUpdated struct{ Peer Peer }

// PeerStateChanged is published on every liveness transition.
type PeerStateChanged struct {
	Peer     Peer
	Previous State
}

// PeerRemoved is published when an offline peer is evicted.
type PeerRemoved struct{ Peer Peer }

func (PeerAdded) EventKind() bus.Kind        { return bus.KindPeerAdded }
func (PeerUpdated) EventKind() bus.Kind      { return bus.KindPeerUpdated }
func (PeerStateChanged) EventKind() bus.Kind { return bus.KindPeerStateChanged }
func (PeerRemoved) EventKind() bus.Kind      { return bus.KindPeerRemoved }

// Options configures liveness thresholds.
type Options struct {
	HeartbeatInterval  time.Duration
	OfflineAfterMissed int
	EvictionGrace      time.Duration

	Bus *bus.Bus
}

func (o Options) withDefaults() Options {
	out := o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.OfflineAfterMissed <= 0 {
		out.OfflineAfterMissed = DefaultOfflineAfterMissed
	}
	if out.EvictionGrace <= 0 {
		out.EvictionGrace = DefaultEvictionGrace
	}
	return out
}

type peerRecord struct {
	peer         Peer
	offlineSince time.Time
}

// Registry is the thread-safe peer set.
type Registry struct {
	opts Options
	bus  *bus.Bus

	mu    sync.RWMutex
	peers map[uuid.UUID]*peerRecord
}

// New creates an empty registry.
func New(options Options) *Registry {
	opts := options.withDefaults()
	return &Registry{
		opts:  opts,
		bus:   opts.Bus,
		peers: make(map[uuid.UUID]*peerRecord),
	}
}

// Upsert inserts or refreshes a peer from a beacon or inbound message.
// The confirmed address moves to the front of the address list; a peer's
// identity follows its ID, never its address.
func (r *Registry) Upsert(id uuid.UUID, displayName string, addr Address, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[id]
	if !exists {
		rec = &peerRecord{peer: Peer{
			ID:          id,
			DisplayName: displayName,
			Addresses:   []Address{addr},
			LastSeen:    now,
			State:       StateOnline,
		}}
		r.peers[id] = rec
		r.publish(PeerAdded{Peer: rec.peer.clone()})
		return
	}

	previous := rec.peer.State
	rec.peer.LastSeen = now
	rec.peer.State = StateOnline
	rec.offlineSince = time.Time{}
	promoteAddress(&rec.peer, addr)

	if displayName != "" && displayName != rec.peer.DisplayName {
		// Most recent beacon wins on conflicting identity data.
		log.Printf("registry: peer %s renamed %q -> %q", id, rec.peer.DisplayName, displayName)
		rec.peer.DisplayName = displayName
	}

	if previous != StateOnline {
		r.publish(PeerStateChanged{Peer: rec.peer.clone(), Previous: previous})
	}
	r.publish(PeerUpdated{Peer: rec.peer.clone()})
}

// Touch refreshes liveness for a peer without address information, used
// when any message arrives from it.
func (r *Registry) Touch(id uuid.UUID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.peers[id]
	if !exists {
		return
	}

	previous := rec.peer.State
	rec.peer.LastSeen = now
	rec.peer.State = StateOnline
	rec.offlineSince = time.Time{}

	if previous != StateOnline {
		r.publish(PeerStateChanged{Peer: rec.peer.clone(), Previous: previous})
	}
}

// MarkSweep walks the peer set, applying Online -> Stale -> Offline
// transitions by silence and evicting peers offline past the grace period.
// It runs under the same lock as Upsert so the two never race.
func (r *Registry) MarkSweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	offlineAfter := time.Duration(r.opts.OfflineAfterMissed) * r.opts.HeartbeatInterval

	for id, rec := range r.peers {
		silence := now.Sub(rec.peer.LastSeen)

		var next State
		switch {
		case silence >= offlineAfter:
			next = StateOffline
		case silence >= r.opts.HeartbeatInterval:
			next = StateStale
		default:
			next = StateOnline
		}

		if next == StateOffline {
			if rec.offlineSince.IsZero() {
				rec.offlineSince = now
			} else if now.Sub(rec.offlineSince) >= r.opts.EvictionGrace {
				delete(r.peers, id)
				r.publish(PeerRemoved{Peer: rec.peer.clone()})
				continue
			}
		}

		if next != rec.peer.State {
			previous := rec.peer.State
			rec.peer.State = next
			r.publish(PeerStateChanged{Peer: rec.peer.clone(), Previous: previous})
		}
	}
}

// Get returns a copy of one peer.
func (r *Registry) Get(id uuid.UUID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.peers[id]
	if !exists {
		return Peer{}, false
	}
	return rec.peer.clone(), true
}

// BestAddress returns the most recently confirmed endpoint for a peer.
func (r *Registry) BestAddress(id uuid.UUID) (Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.peers[id]
	if !exists || len(rec.peer.Addresses) == 0 {
		return Address{}, false
	}
	return rec.peer.Addresses[0], true
}

// Snapshot returns an immutable copy of the peer list, sorted by display
// name then ID for stable presentation.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Peer, 0, len(r.peers))
	for _, rec := range r.peers {
		out = append(out, rec.peer.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

func (r *Registry) publish(event bus.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event)
}

// promoteAddress moves addr to the front, dropping the oldest entry past
// the history bound.
func promoteAddress(peer *Peer, addr Address) {
	addresses := make([]Address, 0, len(peer.Addresses)+1)
	addresses = append(addresses, addr)
	for _, existing := range peer.Addresses {
		if existing.equal(addr) {
			continue
		}
		addresses = append(addresses, existing)
	}
	if len(addresses) > maxAddresses {
		addresses = addresses[:maxAddresses]
	}
	peer.Addresses = addresses
}
