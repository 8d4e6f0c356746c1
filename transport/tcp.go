package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	// DefaultConnectTimeout bounds a reliable-send TCP dial.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultWriteTimeout bounds writing one frame.
	DefaultWriteTimeout = 5 * time.Second
)

// TCPOptions configures the reliable unicast transport.
type TCPOptions struct {
	// ListenAddress is the accept address, ":0" for an ephemeral port.
	ListenAddress string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

func (o TCPOptions) withDefaults() TCPOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	return out
}

// TCP accepts length-prefixed message frames and performs reliable
// point-to-point sends with bounded connect and write timeouts.
type TCP struct {
	listener net.Listener
	options  TCPOptions

	messages chan MessageEvent
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenTCP starts the listener and accept loop.
func ListenTCP(options TCPOptions) (*TCP, error) {
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.ListenAddress, err)
	}

	t := &TCP{
		listener: listener,
		options:  opts,
		messages: make(chan MessageEvent, 64),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the listening address.
func (t *TCP) Addr() net.Addr {
	return t.listener.Addr()
}

// Port returns the listening TCP port.
func (t *TCP) Port() int {
	if addr, ok := t.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Messages returns inbound decoded message frames.
func (t *TCP) Messages() <-chan MessageEvent {
	return t.messages
}

// Errors returns asynchronous accept/read errors.
func (t *TCP) Errors() <-chan error {
	return t.errs
}

// SendReliable dials addr, writes one message frame, and closes the
// connection. Failures come back as classified *Error values so the caller
// can decide retry policy.
func (t *TCP) SendReliable(ctx context.Context, addr string, m Message) error {
	payload, err := EncodeMessage(m)
	if err != nil {
		return malformed(addr, err)
	}

	dialer := net.Dialer{Timeout: t.options.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(addr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(t.options.WriteTimeout)); err != nil {
		return &Error{Kind: KindUnreachable, Addr: addr, Err: err}
	}
	if err := WriteFrame(conn, payload); err != nil {
		return classifyDialError(addr, err)
	}
	return nil
}

// Close stops accepting and closes all channels.
func (t *TCP) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		close(t.closed)
		closeErr = t.listener.Close()
		t.wg.Wait()
		close(t.messages)
		close(t.errs)
	})
	return closeErr
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		t.wg.Add(1)
		go t.handleConn(conn)
	}
}

// handleConn drains frames from one inbound connection until the remote
// side closes it. Frames from one connection are delivered in read order.
func (t *TCP) handleConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	remote := conn.RemoteAddr()
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		payload, err := ReadFrame(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			t.reportError(malformed(remote.String(), err))
			return
		}
		if len(payload) == 0 {
			continue
		}

		msg, err := DecodeMessage(payload)
		if err != nil {
			t.reportError(malformed(remote.String(), err))
			continue
		}

		select {
		case t.messages <- MessageEvent{Message: msg, Addr: remote}:
		case <-t.closed:
			return
		}
	}
}

func (t *TCP) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case t.errs <- err:
	default:
	}
}
