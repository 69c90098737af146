// Package proto defines the wire protocol: a binary frame envelope carried
// over any byte stream, and the JSON game-message payloads inside it.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ProtocolVersion is the frame version this build speaks. Frames carrying
// any other version are fatal to the connection.
const ProtocolVersion = 1

// HeaderSize is version (1) + type (1) + payload length (4, big endian).
const HeaderSize = 6

// MaxPayload bounds a single frame payload.
const MaxPayload = 1 << 20

// MessageType discriminates frame payloads.
type MessageType uint8

const (
	TypeHello MessageType = iota + 1
	TypeWelcome
	TypeFullState
	TypeDeltaUpdate
	TypeAck
	TypeRequestSync
	TypeHeartbeat
	TypeHeartbeatAck
	TypeAction
	TypeActionResult
	TypeCorrection
	TypeError
	TypeRoomEvent
	TypeChat

	typeMax
)

var (
	// ErrBadVersion reports a frame with an unsupported protocol version.
	ErrBadVersion = errors.New("proto: unsupported protocol version")
	// ErrUnknownType reports a frame with an unrecognized message type.
	ErrUnknownType = errors.New("proto: unknown message type")
	// ErrPayloadTooLarge reports a frame whose declared length exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("proto: payload exceeds limit")
)

// Frame is one protocol envelope.
type Frame struct {
	Version uint8
	Type    MessageType
	Payload []byte
}

// Valid reports whether the message type is within the known set.
func (t MessageType) Valid() bool {
	return t >= TypeHello && t < typeMax
}

// String names the message type for logs.
func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWelcome:
		return "welcome"
	case TypeFullState:
		return "full_state"
	case TypeDeltaUpdate:
		return "delta_update"
	case TypeAck:
		return "ack"
	case TypeRequestSync:
		return "request_sync"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeHeartbeatAck:
		return "heartbeat_ack"
	case TypeAction:
		return "action"
	case TypeActionResult:
		return "action_result"
	case TypeCorrection:
		return "correction"
	case TypeError:
		return "error"
	case TypeRoomEvent:
		return "room_event"
	case TypeChat:
		return "chat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// WriteFrame encodes and writes a single frame.
func WriteFrame(w io.Writer, f Frame) error {
	if !f.Type.Valid() {
		return ErrUnknownType
	}
	if len(f.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	version := f.Version
	if version == 0 {
		version = ProtocolVersion
	}
	header := make([]byte, HeaderSize)
	header[0] = version
	header[1] = byte(f.Type)
	binary.BigEndian.PutUint32(header[2:], uint32(len(f.Payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("proto: write header: %w", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return fmt.Errorf("proto: write payload: %w", err)
		}
	}
	return nil
}

// Marshal encodes a frame to a standalone byte slice, for transports that
// carry whole messages rather than a stream.
func Marshal(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a frame from a standalone byte slice, rejecting
// trailing garbage.
func Unmarshal(data []byte) (Frame, error) {
	r := bytes.NewReader(data)
	f, err := ReadFrame(r)
	if err != nil {
		return Frame{}, err
	}
	if r.Len() != 0 {
		return Frame{}, fmt.Errorf("proto: %d trailing bytes after frame", r.Len())
	}
	return f, nil
}

// ReadFrame reads and validates a single frame. Version and type errors are
// fatal to the connection; the caller must close with a protocol error code.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, err
	}
	if header[0] != ProtocolVersion {
		return Frame{}, fmt.Errorf("%w: got %d", ErrBadVersion, header[0])
	}
	msgType := MessageType(header[1])
	if !msgType.Valid() {
		return Frame{}, fmt.Errorf("%w: got %d", ErrUnknownType, header[1])
	}
	length := binary.BigEndian.Uint32(header[2:])
	if length > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("proto: read payload: %w", err)
		}
	}
	return Frame{Version: header[0], Type: msgType, Payload: payload}, nil
}
