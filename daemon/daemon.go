// Package daemon assembles the transports, registry, discovery, router,
// and SSH manager into one supervised process and exposes the observer
// API the rest of the system (CLI, IPC, tests) talks to.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"ztalkd/bus"
	"ztalkd/config"
	"ztalkd/discovery"
	"ztalkd/registry"
	"ztalkd/router"
	"ztalkd/sshmgr"
	"ztalkd/storage"
	"ztalkd/transport"
)

// Options configures a Daemon. Config and Store are required; the store
// owns persistence and outlives the daemon's Run loop.
type Options struct {
	Config *config.DeviceConfig
	Store  *storage.Store
}

// Daemon owns the running subsystems.
type Daemon struct {
	selfID uuid.UUID
	cfg    *config.DeviceConfig

	bus      *bus.Bus
	store    *storage.Store
	udp      *transport.UDP
	tcp      *transport.TCP
	registry *registry.Registry
	engine   *discovery.Engine
	mdns     *discovery.MDNS
	router   *router.Router
	ssh      *sshmgr.Manager
}

// New wires the subsystems together. The TCP listener is bound here so
// the advertised port is known before the first beacon goes out.
func New(options Options) (*Daemon, error) {
	if options.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	selfID, err := uuid.Parse(options.Config.PeerID)
	if err != nil {
		return nil, fmt.Errorf("daemon: parse peer ID: %w", err)
	}

	eventBus := bus.New()
	heartbeat := time.Duration(options.Config.HeartbeatSeconds) * time.Second

	listenAddr := ":0"
	if options.Config.PortMode == config.PortModeFixed {
		listenAddr = fmt.Sprintf(":%d", options.Config.ListeningPort)
	}
	tcp, err := transport.ListenTCP(transport.TCPOptions{ListenAddress: listenAddr})
	if err != nil {
		return nil, fmt.Errorf("daemon: start TCP transport: %w", err)
	}

	udp, err := transport.ListenMulticast(transport.UDPOptions{
		GroupAddress: options.Config.GroupAddress,
	})
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("daemon: start UDP transport: %w", err)
	}

	reg := registry.New(registry.Options{
		HeartbeatInterval: heartbeat,
		Bus:               eventBus,
	})

	engine, err := discovery.New(discovery.Options{
		SelfID:            selfID,
		DisplayName:       options.Config.DisplayName,
		TCPPort:           tcp.Port(),
		HeartbeatInterval: heartbeat,
		Transport:         udp,
		Registry:          reg,
	})
	if err != nil {
		udp.Close()
		tcp.Close()
		return nil, fmt.Errorf("daemon: build discovery engine: %w", err)
	}

	var store router.Store
	if options.Store != nil {
		store = options.Store
	}
	rtr, err := router.New(router.Options{
		SelfID:    selfID,
		Registry:  reg,
		Reliable:  tcp,
		Broadcast: udp,
		Bus:       eventBus,
		Store:     store,
	})
	if err != nil {
		udp.Close()
		tcp.Close()
		return nil, fmt.Errorf("daemon: build router: %w", err)
	}

	var profiles sshmgr.ProfileStore
	if options.Store != nil {
		profiles = options.Store
	}
	ssh, err := sshmgr.NewManager(sshmgr.Options{
		Bus:      eventBus,
		Profiles: profiles,
	})
	if err != nil {
		udp.Close()
		tcp.Close()
		return nil, fmt.Errorf("daemon: build SSH manager: %w", err)
	}

	d := &Daemon{
		selfID:   selfID,
		cfg:      options.Config,
		bus:      eventBus,
		store:    options.Store,
		udp:      udp,
		tcp:      tcp,
		registry: reg,
		engine:   engine,
		router:   rtr,
		ssh:      ssh,
	}

	if options.Config.EnableMDNS {
		mdns, err := discovery.StartMDNS(discovery.MDNSOptions{
			SelfID:      selfID,
			DisplayName: options.Config.DisplayName,
			TCPPort:     tcp.Port(),
			Registry:    reg,
		})
		if err != nil {
			// mDNS is a secondary path; beacon discovery still works.
			log.Printf("daemon: mDNS unavailable: %v", err)
		} else {
			d.mdns = mdns
		}
	}

	return d, nil
}

// SelfID returns the local peer identity.
func (d *Daemon) SelfID() uuid.UUID { return d.selfID }

// TCPPort returns the bound reliable-message port.
func (d *Daemon) TCPPort() int { return d.tcp.Port() }

// Run supervises all subsystem loops until the context is cancelled or
// one of them fails. Transports are torn down on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return d.engine.Run(ctx) })
	group.Go(func() error { return d.router.Run(ctx) })
	if d.mdns != nil {
		group.Go(func() error { return d.mdns.Run(ctx) })
	}
	group.Go(func() error {
		d.logTransportErrors(ctx)
		return nil
	})
	group.Go(func() error {
		d.persistPeerEvents(ctx)
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		d.ssh.CloseAll()
		d.udp.Close()
		d.tcp.Close()
		return nil
	})

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Subscribe returns an event stream filtered by kind; no kinds means all.
func (d *Daemon) Subscribe(kinds ...bus.Kind) *bus.Subscription {
	return d.bus.Subscribe(kinds...)
}

// Peers returns the registry's current view.
func (d *Daemon) Peers() []registry.Peer { return d.registry.Snapshot() }

// Peer returns one peer by ID.
func (d *Daemon) Peer(id uuid.UUID) (registry.Peer, bool) { return d.registry.Get(id) }

// SendBroadcast sends a message to every peer on the segment.
func (d *Daemon) SendBroadcast(ctx context.Context, content string) (router.Message, error) {
	return d.router.SendBroadcast(ctx, content)
}

// SendPrivate sends a direct message to one peer.
func (d *Daemon) SendPrivate(ctx context.Context, recipientID uuid.UUID, content string) (router.Message, error) {
	return d.router.SendPrivate(ctx, recipientID, content)
}

// SendGroup fans a message out to every member of a group.
func (d *Daemon) SendGroup(ctx context.Context, groupID uuid.UUID, content string) (router.Message, error) {
	return d.router.SendGroup(ctx, groupID, content)
}

// CreateGroup creates a group and propagates it to the members.
func (d *Daemon) CreateGroup(ctx context.Context, name string, memberIDs []uuid.UUID) (router.Group, error) {
	return d.router.CreateGroup(ctx, name, memberIDs)
}

// AddGroupMembers grows a group's membership.
func (d *Daemon) AddGroupMembers(ctx context.Context, groupID uuid.UUID, memberIDs []uuid.UUID) (router.Group, error) {
	return d.router.AddGroupMembers(ctx, groupID, memberIDs)
}

// Groups returns all known groups.
func (d *Daemon) Groups() []router.Group { return d.router.Groups() }

// MessageHistory returns recent persisted messages, newest first.
func (d *Daemon) MessageHistory(limit int) ([]router.Message, error) {
	if d.store == nil {
		return nil, nil
	}
	return d.store.RecentMessages(limit)
}

// RecentPeers returns the persisted recently-seen peer cache, most
// recently seen first. Unlike Peers it survives restarts.
func (d *Daemon) RecentPeers(limit int) ([]storage.PeerRecord, error) {
	if d.store == nil {
		return nil, nil
	}
	return d.store.RecentPeers(limit)
}

// ForgetPeer drops a peer from the persisted cache.
func (d *Daemon) ForgetPeer(id uuid.UUID) error {
	if d.store == nil {
		return nil
	}
	return d.store.DeletePeer(id)
}

// ConnectSSH opens a new SSH connection.
func (d *Daemon) ConnectSSH(ctx context.Context, cfg sshmgr.Config) (uuid.UUID, error) {
	return d.ssh.Connect(ctx, cfg)
}

// ExecuteCommand runs one command on an SSH connection.
func (d *Daemon) ExecuteCommand(ctx context.Context, connID uuid.UUID, command string) (<-chan sshmgr.OutputChunk, error) {
	return d.ssh.Execute(ctx, connID, command)
}

// DisconnectSSH closes an SSH connection.
func (d *Daemon) DisconnectSSH(connID uuid.UUID) error {
	return d.ssh.Disconnect(connID)
}

// ReconnectSSH retries a failed or closed SSH connection.
func (d *Daemon) ReconnectSSH(ctx context.Context, connID uuid.UUID) error {
	return d.ssh.Reconnect(ctx, connID)
}

// SSHConnections returns snapshots of all pooled SSH connections.
func (d *Daemon) SSHConnections() []sshmgr.ConnectionInfo { return d.ssh.List() }

// SSHConnection returns one SSH connection snapshot.
func (d *Daemon) SSHConnection(connID uuid.UUID) (sshmgr.ConnectionInfo, error) {
	return d.ssh.Snapshot(connID)
}

// SSH exposes the manager for profile operations.
func (d *Daemon) SSH() *sshmgr.Manager { return d.ssh }

func (d *Daemon) logTransportErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-d.udp.Errors():
			if !ok {
				return
			}
			log.Printf("daemon: udp transport: %v", err)
		case err, ok := <-d.tcp.Errors():
			if !ok {
				return
			}
			log.Printf("daemon: tcp transport: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

// persistPeerEvents mirrors registry sightings into the database so
// recently seen peers survive a restart.
func (d *Daemon) persistPeerEvents(ctx context.Context) {
	if d.store == nil {
		<-ctx.Done()
		return
	}

	sub := d.bus.Subscribe(bus.KindPeerAdded, bus.KindPeerUpdated)
	defer sub.Close()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			d.persistPeer(event)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) persistPeer(event bus.Event) {
	var peer registry.Peer
	switch e := event.(type) {
	case registry.PeerAdded:
		peer = e.Peer
	case registry.PeerUpdated:
		peer = e.Peer
	default:
		return
	}

	record := storage.PeerRecord{
		ID:          peer.ID,
		DisplayName: peer.DisplayName,
		FirstSeen:   peer.LastSeen,
		LastSeen:    peer.LastSeen,
	}
	if len(peer.Addresses) > 0 {
		record.LastIP = peer.Addresses[0].IP.String()
		record.LastPort = peer.Addresses[0].Port
	}
	if err := d.store.UpsertPeer(record); err != nil {
		log.Printf("daemon: persist peer %s: %v", peer.ID, err)
	}
}
