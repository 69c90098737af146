package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"tradewind/server/internal/proto"
	"tradewind/server/internal/state"
)

// Payloads below this size are not worth a compression round trip.
const compressThreshold = 512

// compressPayload returns an lz4 frame when it actually shrinks the data,
// otherwise the input unchanged.
func compressPayload(data []byte) ([]byte, bool) {
	if len(data) < compressThreshold {
		return data, false
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return data, false
	}
	if err := zw.Close(); err != nil {
		return data, false
	}
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

// decompressPayload reverses compressPayload for client-side decoding and
// tests.
func decompressPayload(blob []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(blob)))
}

// DecodeDelta returns a delta's change list, decompressing when needed.
func DecodeDelta(p *proto.DeltaPayload) ([]proto.StateChange, error) {
	if !p.Compressed {
		return p.Changes, nil
	}
	data, err := decompressPayload(p.Blob)
	if err != nil {
		return nil, fmt.Errorf("sync: decompress delta: %w", err)
	}
	var changes []proto.StateChange
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("sync: decode delta: %w", err)
	}
	return changes, nil
}

// DecodeFullState returns a full-state payload's game state.
func DecodeFullState(p *proto.FullStatePayload) (*state.GameState, error) {
	data := []byte(p.State)
	if p.Compressed {
		var err error
		data, err = decompressPayload(p.Blob)
		if err != nil {
			return nil, fmt.Errorf("sync: decompress state: %w", err)
		}
	}
	return state.Decode(data)
}
