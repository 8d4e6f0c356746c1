package discovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"ztalkd/registry"
	"ztalkd/transport"
)

const (
	// MDNSService is the mDNS service name without domain suffix.
	MDNSService = "_ztalk._tcp"
	// MDNSDomain is the mDNS domain.
	MDNSDomain = "local."
	// DefaultBrowseInterval is the background mDNS browse period.
	DefaultBrowseInterval = 10 * time.Second
	// DefaultBrowseTimeout bounds each browse operation.
	DefaultBrowseTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSOptions configures the secondary mDNS discovery source. mDNS feeds
// the same registry as the UDP beacon path, so either mechanism alone is
// enough to learn about a peer.
type MDNSOptions struct {
	SelfID      uuid.UUID
	DisplayName string
	TCPPort     int

	Service        string
	Domain         string
	BrowseInterval time.Duration
	BrowseTimeout  time.Duration

	Registry *registry.Registry

	registerFn registerFunc
	browseFn   browseFunc
}

func (o MDNSOptions) withDefaults() MDNSOptions {
	out := o
	if out.Service == "" {
		out.Service = MDNSService
	}
	if out.Domain == "" {
		out.Domain = MDNSDomain
	}
	if out.BrowseInterval <= 0 {
		out.BrowseInterval = DefaultBrowseInterval
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (o MDNSOptions) validate() error {
	if o.SelfID == (uuid.UUID{}) {
		return errors.New("self peer ID is required")
	}
	if o.DisplayName == "" {
		return errors.New("display name is required")
	}
	if o.TCPPort <= 0 {
		return errors.New("TCP port must be > 0")
	}
	if o.Registry == nil {
		return errors.New("registry is required")
	}
	return nil
}

// MDNS advertises the local peer over mDNS and browses for others.
type MDNS struct {
	opts   MDNSOptions
	browse browseFunc
	server *zeroconf.Server
}

// StartMDNS registers the local service and returns a browser ready to run.
func StartMDNS(options MDNSOptions) (*MDNS, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"peer_id=" + opts.SelfID.String(),
		"version=" + strconv.Itoa(transport.ProtocolVersion),
	}
	server, err := opts.registerFn(opts.DisplayName, opts.Service, opts.Domain, opts.TCPPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	browse := opts.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			server.Shutdown()
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	return &MDNS{opts: opts, browse: browse, server: server}, nil
}

// Run browses periodically until the context is cancelled, then withdraws
// the mDNS registration.
func (m *MDNS) Run(ctx context.Context) error {
	defer m.shutdown()

	m.runBrowse(ctx)

	ticker := time.NewTicker(m.opts.BrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runBrowse(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *MDNS) shutdown() {
	if m.server != nil {
		m.server.Shutdown()
	}
}

func (m *MDNS) runBrowse(ctx context.Context) {
	browseCtx, cancel := context.WithTimeout(ctx, m.opts.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	done := make(chan struct{})

	// The collector must not rely on the browse implementation closing
	// entries; a browse that fails to start leaves the channel open.
	go func() {
		defer close(done)
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				m.handleEntry(entry)
			case <-browseCtx.Done():
				return
			}
		}
	}()

	if err := m.browse(browseCtx, m.opts.Service, m.opts.Domain, entries); err != nil {
		log.Printf("discovery: mDNS browse failed: %v", err)
		cancel()
	}

	<-done
}

func (m *MDNS) handleEntry(entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}

	txt := txtToMap(entry.Text)

	peerID, err := uuid.Parse(strings.TrimSpace(txt["peer_id"]))
	if err != nil || peerID == m.opts.SelfID {
		return
	}

	if raw := txt["version"]; raw != "" {
		if version, err := strconv.Atoi(raw); err == nil && version != transport.ProtocolVersion {
			log.Printf("discovery: dropping mDNS entry from %s with protocol version %d (want %d)",
				peerID, version, transport.ProtocolVersion)
			return
		}
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	now := time.Now()
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		m.opts.Registry.Upsert(peerID, name, registry.Address{
			IP:   ip,
			Port: entry.Port,
		}, now)
	}
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
