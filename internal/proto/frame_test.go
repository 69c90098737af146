package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"ver":1,"type":"action"}`)
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: TypeAction, Payload: payload}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Version != ProtocolVersion {
		t.Fatalf("expected version %d, got %d", ProtocolVersion, frame.Version)
	}
	if frame.Type != TypeAction {
		t.Fatalf("expected type %s, got %s", TypeAction, frame.Type)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("expected payload %q, got %q", payload, frame.Payload)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: TypeHeartbeat}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("expected %d header bytes, got %d", HeaderSize, buf.Len())
	}
	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if len(frame.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(frame.Payload))
	}
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = 99
	header[1] = byte(TypeAction)

	_, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = ProtocolVersion
	header[1] = 200

	_, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = ProtocolVersion
	header[1] = byte(TypeFullState)
	binary.BigEndian.PutUint32(header[2:], MaxPayload+1)

	_, err := ReadFrame(bytes.NewReader(header))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{ProtocolVersion, byte(TypeAck)}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestWriteFrameRejectsUnknownType(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: 0}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeGameMessage(t *testing.T) {
	msg, err := DecodeGameMessage([]byte(`{"ver":1,"id":"m-1","type":"chat","timestamp":42,"payload":{"text":"hi"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MsgChat {
		t.Fatalf("expected type %q, got %q", MsgChat, msg.Type)
	}
	if msg.Timestamp != 42 {
		t.Fatalf("expected timestamp 42, got %d", msg.Timestamp)
	}
}

func TestDecodeGameMessageRejectsUnknownType(t *testing.T) {
	_, err := DecodeGameMessage([]byte(`{"ver":1,"id":"m-1","type":"exploit","timestamp":1}`))
	if !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestDecodeGameMessageRejectsWrongVersion(t *testing.T) {
	_, err := DecodeGameMessage([]byte(`{"ver":2,"id":"m-1","type":"chat","timestamp":1}`))
	if !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}
