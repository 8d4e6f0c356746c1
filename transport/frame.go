package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (1 MB).
	MaxFrameSize = 1 * 1024 * 1024
	// MaxDatagramSize bounds a single UDP datagram read.
	MaxDatagramSize = 8 * 1024
	// MaxDisplayNameLen bounds the beacon display name field.
	MaxDisplayNameLen = 255
)

// Datagram type bytes. Beacons and broadcast chat share one multicast socket.
const (
	datagramBeacon  byte = 0x01
	datagramMessage byte = 0x02
)

// MessageKind identifies how a message frame is routed.
type MessageKind uint8

const (
	MessageBroadcast MessageKind = 0
	MessagePrivate   MessageKind = 1
	MessageGroup     MessageKind = 2
	// MessageGroupUpdate carries group metadata (creation, membership) as
	// content; routed like a group message.
	MessageGroupUpdate MessageKind = 3
)

const (
	flagHasRecipient byte = 0x01
	flagHasGroup     byte = 0x02
)

var (
	// ErrFrameTooLarge indicates a payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("transport: frame exceeds max size")
	// ErrTruncatedFrame indicates a frame ended before its declared fields.
	ErrTruncatedFrame = errors.New("transport: truncated frame")
	// ErrChecksumMismatch indicates frame integrity validation failed.
	ErrChecksumMismatch = errors.New("transport: frame checksum mismatch")
	// ErrInvalidMessageKind indicates an unknown message kind byte.
	ErrInvalidMessageKind = errors.New("transport: invalid message kind")
	// ErrDisplayNameTooLong indicates the beacon name exceeds one length byte.
	ErrDisplayNameTooLong = errors.New("transport: display name too long")
)

// Beacon is one discovery announcement datagram.
type Beacon struct {
	Version     uint8
	PeerID      uuid.UUID
	DisplayName string
	TCPPort     uint16
}

// Message is the wire form of one chat message frame.
type Message struct {
	Version     uint8
	Kind        MessageKind
	ID          uuid.UUID
	SenderID    uuid.UUID
	RecipientID *uuid.UUID
	GroupID     *uuid.UUID
	Timestamp   int64 // epoch milliseconds, sender-local
	Content     string
}

// BeaconEvent is an inbound beacon plus its source address.
type BeaconEvent struct {
	Beacon Beacon
	Addr   *net.UDPAddr
}

// MessageEvent is an inbound message frame plus its source address.
type MessageEvent struct {
	Message Message
	Addr    net.Addr
}

// EncodeBeacon serializes a beacon with a trailing CRC-32.
func EncodeBeacon(b Beacon) ([]byte, error) {
	name := []byte(b.DisplayName)
	if len(name) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}

	out := make([]byte, 0, 1+16+1+len(name)+2+4)
	out = append(out, b.Version)
	out = append(out, b.PeerID[:]...)
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = binary.BigEndian.AppendUint16(out, b.TCPPort)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out, nil
}

// DecodeBeacon parses a beacon payload. Bytes after the checksum are ignored
// so newer senders can append fields.
func DecodeBeacon(payload []byte) (Beacon, error) {
	r := frameReader{buf: payload}

	version, err := r.byte()
	if err != nil {
		return Beacon{}, err
	}
	peerID, err := r.id()
	if err != nil {
		return Beacon{}, err
	}
	nameLen, err := r.byte()
	if err != nil {
		return Beacon{}, err
	}
	name, err := r.bytes(int(nameLen))
	if err != nil {
		return Beacon{}, err
	}
	port, err := r.uint16()
	if err != nil {
		return Beacon{}, err
	}
	if err := r.verifyChecksum(); err != nil {
		return Beacon{}, err
	}

	return Beacon{
		Version:     version,
		PeerID:      peerID,
		DisplayName: string(name),
		TCPPort:     port,
	}, nil
}

// Validate checks the kind/target invariant: exactly one of recipient and
// group for targeted kinds, neither for broadcast.
func (m Message) Validate() error {
	switch m.Kind {
	case MessageBroadcast:
		if m.RecipientID != nil || m.GroupID != nil {
			return errors.New("transport: broadcast message must not carry a target")
		}
	case MessagePrivate:
		if m.RecipientID == nil || m.GroupID != nil {
			return errors.New("transport: private message requires exactly a recipient")
		}
	case MessageGroup, MessageGroupUpdate:
		if m.GroupID == nil || m.RecipientID != nil {
			return errors.New("transport: group message requires exactly a group")
		}
	default:
		return ErrInvalidMessageKind
	}
	return nil
}

// EncodeMessage serializes a message frame with a trailing CRC-32.
func EncodeMessage(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	content := []byte(m.Content)
	if len(content) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	var flags byte
	if m.RecipientID != nil {
		flags |= flagHasRecipient
	}
	if m.GroupID != nil {
		flags |= flagHasGroup
	}

	out := make([]byte, 0, 3+16+16+16+8+4+len(content)+4)
	out = append(out, m.Version, byte(m.Kind), flags)
	out = append(out, m.ID[:]...)
	out = append(out, m.SenderID[:]...)
	if m.RecipientID != nil {
		out = append(out, m.RecipientID[:]...)
	}
	if m.GroupID != nil {
		out = append(out, m.GroupID[:]...)
	}
	out = binary.BigEndian.AppendUint64(out, uint64(m.Timestamp))
	out = binary.BigEndian.AppendUint32(out, uint32(len(content)))
	out = append(out, content...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out, nil
}

// DecodeMessage parses a message frame payload.
func DecodeMessage(payload []byte) (Message, error) {
	r := frameReader{buf: payload}

	version, err := r.byte()
	if err != nil {
		return Message{}, err
	}
	kindByte, err := r.byte()
	if err != nil {
		return Message{}, err
	}
	flags, err := r.byte()
	if err != nil {
		return Message{}, err
	}

	msg := Message{Version: version, Kind: MessageKind(kindByte)}
	if msg.ID, err = r.id(); err != nil {
		return Message{}, err
	}
	if msg.SenderID, err = r.id(); err != nil {
		return Message{}, err
	}
	if flags&flagHasRecipient != 0 {
		id, err := r.id()
		if err != nil {
			return Message{}, err
		}
		msg.RecipientID = &id
	}
	if flags&flagHasGroup != 0 {
		id, err := r.id()
		if err != nil {
			return Message{}, err
		}
		msg.GroupID = &id
	}

	ts, err := r.uint64()
	if err != nil {
		return Message{}, err
	}
	msg.Timestamp = int64(ts)

	contentLen, err := r.uint32()
	if err != nil {
		return Message{}, err
	}
	if contentLen > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	content, err := r.bytes(int(contentLen))
	if err != nil {
		return Message{}, err
	}
	msg.Content = string(content)

	if err := r.verifyChecksum(); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// NowMillis returns the current time in the wire timestamp unit.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// WriteFrame writes one length-prefixed frame to a stream.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from a stream.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// frameReader is a bounds-checked cursor that tracks the checksummed region.
type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) byte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, ErrTruncatedFrame
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *frameReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, ErrTruncatedFrame
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *frameReader) id() (uuid.UUID, error) {
	raw, err := r.bytes(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], raw)
	return id, nil
}

func (r *frameReader) uint16() (uint16, error) {
	raw, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(raw), nil
}

func (r *frameReader) uint32() (uint32, error) {
	raw, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (r *frameReader) uint64() (uint64, error) {
	raw, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// verifyChecksum validates the CRC-32 over everything read so far. Trailing
// bytes after the checksum are ignored for forward compatibility.
func (r *frameReader) verifyChecksum() error {
	sumStart := r.off
	raw, err := r.bytes(4)
	if err != nil {
		return err
	}
	want := binary.BigEndian.Uint32(raw)
	if crc32.ChecksumIEEE(r.buf[:sumStart]) != want {
		return ErrChecksumMismatch
	}
	return nil
}
