package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrorKind classifies transport failures so callers can choose retry policy.
type ErrorKind string

const (
	// KindUnreachable means no route or address for the peer.
	KindUnreachable ErrorKind = "unreachable"
	// KindTimeout means the connect or write deadline elapsed.
	KindTimeout ErrorKind = "timeout"
	// KindRefused means the peer actively rejected the connection.
	KindRefused ErrorKind = "refused"
	// KindMalformed means a frame failed decoding or integrity checks.
	KindMalformed ErrorKind = "malformed"
)

// Error is a classified transport failure. All transport errors are
// recoverable; none is fatal to the process.
type Error struct {
	Kind ErrorKind
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s (%s): %v", e.Kind, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the transport error kind, or "" for unclassified errors.
func KindOf(err error) ErrorKind {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return ""
}

// classifyDialError maps a network error onto the transport taxonomy.
func classifyDialError(addr string, err error) *Error {
	kind := KindUnreachable

	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = KindRefused
	}

	return &Error{Kind: kind, Addr: addr, Err: err}
}

func malformed(addr string, err error) *Error {
	return &Error{Kind: KindMalformed, Addr: addr, Err: err}
}
