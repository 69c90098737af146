package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// GameMessage is the JSON envelope for higher-level payloads (actions,
// state, chat, system). The payload schema is selected by Type and decoded
// separately so unknown types are rejected before any payload parsing.
type GameMessage struct {
	Ver       int             `json:"ver"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Game message type tags.
const (
	MsgAction = "action"
	MsgState  = "state"
	MsgChat   = "chat"
	MsgSystem = "system"
)

// ErrBadEnvelope reports a malformed or unsupported game message envelope.
var ErrBadEnvelope = errors.New("proto: bad game message envelope")

var knownMessageTypes = map[string]struct{}{
	MsgAction: {},
	MsgState:  {},
	MsgChat:   {},
	MsgSystem: {},
}

// DecodeGameMessage parses and validates an envelope.
func DecodeGameMessage(data []byte) (GameMessage, error) {
	var msg GameMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return GameMessage{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if msg.Ver != ProtocolVersion {
		return GameMessage{}, fmt.Errorf("%w: version %d", ErrBadEnvelope, msg.Ver)
	}
	if _, ok := knownMessageTypes[msg.Type]; !ok {
		return GameMessage{}, fmt.Errorf("%w: type %q", ErrBadEnvelope, msg.Type)
	}
	return msg, nil
}

// HelloPayload opens a session. The token is validated before any room
// admission.
type HelloPayload struct {
	Ver       int    `json:"ver"`
	Token     string `json:"token"`
	PlayerID  string `json:"playerId"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name,omitempty"`
}

// WelcomePayload acknowledges a successful handshake.
type WelcomePayload struct {
	Ver      int    `json:"ver"`
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId,omitempty"`
	Resumed  bool   `json:"resumed,omitempty"`
}

// HeartbeatPayload carries the timestamps used for RTT and clock offset
// estimation.
type HeartbeatPayload struct {
	Ver        int   `json:"ver"`
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime"`
	RTTMillis  int64 `json:"rtt,omitempty"`
}

// AckPayload advances the sender's acknowledged state version.
type AckPayload struct {
	Ver     int    `json:"ver"`
	Version uint64 `json:"version"`
}

// RequestSyncPayload asks for a full-state message.
type RequestSyncPayload struct {
	Ver    int    `json:"ver"`
	Reason string `json:"reason,omitempty"`
}

// FullStatePayload replaces the client's entire view of room state.
type FullStatePayload struct {
	Ver        int             `json:"ver"`
	RoomID     string          `json:"roomId"`
	Version    uint64          `json:"version"`
	Checksum   string          `json:"checksum"`
	Compressed bool            `json:"compressed,omitempty"`
	State      json.RawMessage `json:"state,omitempty"`
	Blob       []byte          `json:"blob,omitempty"`
	ServerTime int64           `json:"serverTime"`
}

// StateChange is one field-level mutation inside a delta.
type StateChange struct {
	EntityID string `json:"entityId"`
	Field    string `json:"field"`
	Old      any    `json:"old,omitempty"`
	New      any    `json:"new"`
	Priority string `json:"priority,omitempty"`
}

// DeltaPayload brings a client from BaseVersion to Version.
type DeltaPayload struct {
	Ver         int           `json:"ver"`
	RoomID      string        `json:"roomId"`
	BaseVersion uint64        `json:"baseVersion"`
	Version     uint64        `json:"version"`
	Changes     []StateChange `json:"changes"`
	Checksum    string        `json:"checksum"`
	Compressed  bool          `json:"compressed,omitempty"`
	Blob        []byte        `json:"blob,omitempty"`
	ServerTime  int64         `json:"serverTime"`
}

// ActionResultPayload reports the authoritative outcome for one action id.
type ActionResultPayload struct {
	Ver      int    `json:"ver"`
	ActionID string `json:"actionId"`
	Applied  bool   `json:"applied"`
	Reason   string `json:"reason,omitempty"`
	Version  uint64 `json:"version,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// CorrectionPayload tells the originator an action was rejected and which
// authoritative version to rebase on.
type CorrectionPayload struct {
	Ver      int    `json:"ver"`
	ActionID string `json:"actionId"`
	Reason   string `json:"reason"`
	Version  uint64 `json:"version"`
}

// ErrorPayload is a terminal or advisory error message.
type ErrorPayload struct {
	Ver    int    `json:"ver"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// RoomEventPayload announces lifecycle changes: joins, leaves, phase
// transitions, host and turn transfers.
type RoomEventPayload struct {
	Ver      int    `json:"ver"`
	RoomID   string `json:"roomId"`
	Event    string `json:"event"`
	PlayerID string `json:"playerId,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ChatPayload relays a chat line through the room.
type ChatPayload struct {
	Ver      int    `json:"ver"`
	PlayerID string `json:"playerId"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"`
}

// Error codes carried by ErrorPayload and close frames.
const (
	CodeProtocol    = "protocol_error"
	CodeAuth        = "auth_failed"
	CodeBanned      = "banned"
	CodeRateLimited = "rate_limited"
	CodeCheat       = "cheat_detected"
	CodeRoomFull    = "room_full"
	CodeShutdown    = "shutdown"
)

// EncodeJSON marshals a payload into a frame of the given type.
func EncodeJSON(msgType MessageType, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("proto: marshal %s: %w", msgType, err)
	}
	return Frame{Version: ProtocolVersion, Type: msgType, Payload: data}, nil
}
