package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

const (
	// DefaultGroupAddress is the well-known multicast group and port for
	// beacons and broadcast messages.
	DefaultGroupAddress = "239.255.77.88:8989"
)

// UDPOptions configures the multicast transport.
type UDPOptions struct {
	// GroupAddress overrides DefaultGroupAddress (host:port).
	GroupAddress string
}

func (o UDPOptions) withDefaults() UDPOptions {
	out := o
	if out.GroupAddress == "" {
		out.GroupAddress = DefaultGroupAddress
	}
	return out
}

// UDP sends and receives multicast datagrams: discovery beacons and
// broadcast chat messages, distinguished by a leading type byte.
type UDP struct {
	conn  *net.UDPConn
	group *net.UDPAddr

	beacons  chan BeaconEvent
	messages chan MessageEvent
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenMulticast joins the group and starts the datagram read loop.
func ListenMulticast(options UDPOptions) (*UDP, error) {
	opts := options.withDefaults()

	group, err := net.ResolveUDPAddr("udp4", opts.GroupAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", opts.GroupAddress, err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %q: %w", opts.GroupAddress, err)
	}
	_ = conn.SetReadBuffer(1 << 20)

	u := &UDP{
		conn:     conn,
		group:    group,
		beacons:  make(chan BeaconEvent, 64),
		messages: make(chan MessageEvent, 64),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	u.wg.Add(1)
	go u.readLoop()
	return u, nil
}

// Beacons returns inbound decoded beacons.
func (u *UDP) Beacons() <-chan BeaconEvent {
	return u.beacons
}

// Messages returns inbound decoded broadcast messages.
func (u *UDP) Messages() <-chan MessageEvent {
	return u.messages
}

// Errors returns asynchronous receive-side errors.
func (u *UDP) Errors() <-chan error {
	return u.errs
}

// SendBeacon encodes and multicasts one beacon datagram.
func (u *UDP) SendBeacon(b Beacon) error {
	payload, err := EncodeBeacon(b)
	if err != nil {
		return err
	}
	return u.sendDatagram(datagramBeacon, payload)
}

// SendBroadcast encodes and multicasts one message frame datagram.
func (u *UDP) SendBroadcast(m Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	return u.sendDatagram(datagramMessage, payload)
}

func (u *UDP) sendDatagram(kind byte, payload []byte) error {
	if len(payload)+1 > MaxDatagramSize {
		return ErrFrameTooLarge
	}

	datagram := make([]byte, 0, len(payload)+1)
	datagram = append(datagram, kind)
	datagram = append(datagram, payload...)

	if _, err := u.conn.WriteToUDP(datagram, u.group); err != nil {
		return &Error{Kind: KindUnreachable, Addr: u.group.String(), Err: err}
	}
	return nil
}

// Close leaves the group and closes all channels.
func (u *UDP) Close() error {
	var closeErr error
	u.closeOnce.Do(func() {
		close(u.closed)
		closeErr = u.conn.Close()
		u.wg.Wait()
		close(u.beacons)
		close(u.messages)
		close(u.errs)
	})
	return closeErr
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			u.reportError(fmt.Errorf("read datagram: %w", err))
			continue
		}
		if n < 1 {
			continue
		}

		payload := make([]byte, n-1)
		copy(payload, buf[1:n])

		switch buf[0] {
		case datagramBeacon:
			beacon, err := DecodeBeacon(payload)
			if err != nil {
				u.reportError(malformed(addr.String(), err))
				continue
			}
			select {
			case u.beacons <- BeaconEvent{Beacon: beacon, Addr: addr}:
			default:
			}
		case datagramMessage:
			msg, err := DecodeMessage(payload)
			if err != nil {
				u.reportError(malformed(addr.String(), err))
				continue
			}
			select {
			case u.messages <- MessageEvent{Message: msg, Addr: addr}:
			default:
			}
		default:
			// Unknown datagram type: dropped for forward compatibility.
		}
	}
}

func (u *UDP) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case u.errs <- err:
	default:
	}
}
