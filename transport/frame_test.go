package transport

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestBeaconRoundTrip(t *testing.T) {
	beacon := Beacon{
		Version:     ProtocolVersion,
		PeerID:      uuid.New(),
		DisplayName: "workstation-7",
		TCPPort:     8990,
	}

	payload, err := EncodeBeacon(beacon)
	if err != nil {
		t.Fatalf("EncodeBeacon failed: %v", err)
	}

	got, err := DecodeBeacon(payload)
	if err != nil {
		t.Fatalf("DecodeBeacon failed: %v", err)
	}
	if got != beacon {
		t.Fatalf("beacon mismatch: got %+v want %+v", got, beacon)
	}
}

func TestDecodeBeaconIgnoresTrailingBytes(t *testing.T) {
	beacon := Beacon{Version: ProtocolVersion, PeerID: uuid.New(), DisplayName: "n", TCPPort: 1}

	payload, err := EncodeBeacon(beacon)
	if err != nil {
		t.Fatalf("EncodeBeacon failed: %v", err)
	}
	payload = append(payload, 0xAA, 0xBB, 0xCC)

	got, err := DecodeBeacon(payload)
	if err != nil {
		t.Fatalf("DecodeBeacon with trailing bytes failed: %v", err)
	}
	if got != beacon {
		t.Fatalf("beacon mismatch after trailing bytes")
	}
}

func TestDecodeBeaconRejectsCorruption(t *testing.T) {
	payload, err := EncodeBeacon(Beacon{Version: ProtocolVersion, PeerID: uuid.New(), DisplayName: "x", TCPPort: 2})
	if err != nil {
		t.Fatalf("EncodeBeacon failed: %v", err)
	}
	payload[5] ^= 0xFF

	if _, err := DecodeBeacon(payload); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestDecodeBeaconRejectsTruncation(t *testing.T) {
	payload, err := EncodeBeacon(Beacon{Version: ProtocolVersion, PeerID: uuid.New(), DisplayName: "name", TCPPort: 3})
	if err != nil {
		t.Fatalf("EncodeBeacon failed: %v", err)
	}

	if _, err := DecodeBeacon(payload[:len(payload)-6]); !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
}

func TestEncodeBeaconRejectsLongName(t *testing.T) {
	name := make([]byte, MaxDisplayNameLen+1)
	for i := range name {
		name[i] = 'a'
	}

	_, err := EncodeBeacon(Beacon{Version: ProtocolVersion, PeerID: uuid.New(), DisplayName: string(name)})
	if !errors.Is(err, ErrDisplayNameTooLong) {
		t.Fatalf("expected ErrDisplayNameTooLong, got %v", err)
	}
}

func TestMessageRoundTripPrivate(t *testing.T) {
	recipient := uuid.New()
	msg := Message{
		Version:     ProtocolVersion,
		Kind:        MessagePrivate,
		ID:          uuid.New(),
		SenderID:    uuid.New(),
		RecipientID: &recipient,
		Timestamp:   NowMillis(),
		Content:     "hello over there",
	}

	payload, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}

	got, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if got.ID != msg.ID || got.SenderID != msg.SenderID || got.Content != msg.Content {
		t.Fatalf("message mismatch: got %+v", got)
	}
	if got.RecipientID == nil || *got.RecipientID != recipient {
		t.Fatalf("recipient mismatch")
	}
	if got.GroupID != nil {
		t.Fatalf("unexpected group ID on private message")
	}
}

func TestMessageRoundTripGroup(t *testing.T) {
	group := uuid.New()
	msg := Message{
		Version:   ProtocolVersion,
		Kind:      MessageGroup,
		ID:        uuid.New(),
		SenderID:  uuid.New(),
		GroupID:   &group,
		Timestamp: NowMillis(),
		Content:   "standup in 5",
	}

	payload, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	got, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if got.GroupID == nil || *got.GroupID != group {
		t.Fatalf("group mismatch")
	}
}

func TestMessageValidateTargetInvariant(t *testing.T) {
	recipient := uuid.New()
	group := uuid.New()

	cases := []struct {
		name string
		msg  Message
	}{
		{"broadcast with recipient", Message{Kind: MessageBroadcast, RecipientID: &recipient}},
		{"private without recipient", Message{Kind: MessagePrivate}},
		{"private with group", Message{Kind: MessagePrivate, RecipientID: &recipient, GroupID: &group}},
		{"group without group", Message{Kind: MessageGroup}},
		{"unknown kind", Message{Kind: MessageKind(42)}},
	}
	for _, tc := range cases {
		if err := tc.msg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}

	valid := Message{Kind: MessageBroadcast, ID: uuid.New(), SenderID: uuid.New()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("broadcast validation failed: %v", err)
	}
}

func TestDecodeMessageRejectsCorruption(t *testing.T) {
	payload, err := EncodeMessage(Message{
		Version:  ProtocolVersion,
		Kind:     MessageBroadcast,
		ID:       uuid.New(),
		SenderID: uuid.New(),
		Content:  "corrupt me",
	})
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	payload[len(payload)-5] ^= 0x01

	if _, err := DecodeMessage(payload); !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	payload := []byte("length prefixed payload")

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
