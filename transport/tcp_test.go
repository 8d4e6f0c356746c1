package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestTCP(t *testing.T) *TCP {
	t.Helper()
	tcp, err := ListenTCP(TCPOptions{ListenAddress: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("ListenTCP failed: %v", err)
	}
	t.Cleanup(func() { tcp.Close() })
	return tcp
}

func TestTCPSendReliableDelivers(t *testing.T) {
	receiver := newTestTCP(t)
	sender := newTestTCP(t)

	msg := Message{
		Version:  ProtocolVersion,
		Kind:     MessageBroadcast,
		ID:       uuid.New(),
		SenderID: uuid.New(),
		Content:  "direct delivery",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sender.SendReliable(ctx, receiver.Addr().String(), msg); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}

	select {
	case event := <-receiver.Messages():
		if event.Message.ID != msg.ID || event.Message.Content != msg.Content {
			t.Fatalf("received message mismatch: %+v", event.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
	}
}

func TestTCPDeliversEveryFrame(t *testing.T) {
	receiver := newTestTCP(t)
	sender := newTestTCP(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sent := make(map[uuid.UUID]bool, 5)
	for i := 0; i < 5; i++ {
		msg := Message{
			Version:  ProtocolVersion,
			Kind:     MessageBroadcast,
			ID:       uuid.New(),
			SenderID: uuid.New(),
			Content:  "reliable",
		}
		if err := sender.SendReliable(ctx, receiver.Addr().String(), msg); err != nil {
			t.Fatalf("SendReliable %d failed: %v", i, err)
		}
		sent[msg.ID] = true
	}

	total := len(sent)
	for i := 0; i < total; i++ {
		select {
		case event := <-receiver.Messages():
			if !sent[event.Message.ID] {
				t.Fatalf("received unexpected message %s", event.Message.ID)
			}
			delete(sent, event.Message.ID)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out with %d message(s) outstanding", len(sent))
		}
	}
}

func TestTCPSendReliableClassifiesRefused(t *testing.T) {
	sender := newTestTCP(t)

	// Bind and immediately close a port so nothing is listening on it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = sender.SendReliable(ctx, addr, Message{
		Version:  ProtocolVersion,
		Kind:     MessageBroadcast,
		ID:       uuid.New(),
		SenderID: uuid.New(),
	})
	if err == nil {
		t.Fatalf("expected send to a closed port to fail")
	}

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *transport.Error, got %T: %v", err, err)
	}
	if terr.Kind != KindRefused && terr.Kind != KindUnreachable {
		t.Fatalf("expected refused or unreachable, got %s", terr.Kind)
	}
}

func TestTCPReportsMalformedFrames(t *testing.T) {
	receiver := newTestTCP(t)

	conn, err := net.Dial("tcp", receiver.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := WriteFrame(conn, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	select {
	case err := <-receiver.Errors():
		if KindOf(err) != KindMalformed {
			t.Fatalf("expected malformed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for malformed frame report")
	}
}
