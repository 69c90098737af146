package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tradewind/server/internal/action"
	"tradewind/server/internal/conn"
	"tradewind/server/internal/match"
	"tradewind/server/internal/proto"
	"tradewind/server/internal/room"
)

// SessionOpened runs after a successful handshake. A resumed session with a
// surviving room reattaches to it; everyone else enters matchmaking.
func (s *Server) SessionOpened(sess *conn.Session, resumed bool) {
	now := s.clock.Now()

	s.mu.Lock()
	roomID, inRoom := s.memberships[sess.PlayerID]
	rt := s.rooms[roomID]
	delete(s.disconnects, sess.PlayerID)
	rating, ok := s.ratings[sess.PlayerID]
	if !ok {
		rating = defaultRating
	}
	s.mu.Unlock()

	if resumed && (!inRoom || rt == nil) {
		rt, roomID = s.restoreRoom(sess.PlayerID, now)
		inRoom = rt != nil
	}
	if resumed && inRoom && rt != nil {
		sess.SetRoomID(roomID)
		rt.engine.Register(sess.PlayerID)
		rt.engine.RequestResync(sess.PlayerID)
		s.drainPendingActions(sess.PlayerID, rt, now)
		s.logger.Infof("player %s resumed into %s", sess.PlayerID, roomID)
		s.metrics.Add("server_sessions_resumed", 1)
		return
	}

	_, err := s.mm.Enqueue(match.Ticket{
		PlayerID:   sess.PlayerID,
		Mode:       room.ModeRealtime,
		TeamSize:   1,
		Rating:     rating,
		Region:     s.cfg.Match.FallbackRegion,
		EnqueuedAt: now,
	})
	if err != nil && err != match.ErrAlreadyQueued {
		s.logger.Warnf("enqueue ticket for %s: %v", sess.PlayerID, err)
		return
	}
	sess.SendJSON(proto.TypeRoomEvent, proto.RoomEventPayload{
		Ver:      proto.ProtocolVersion,
		Event:    "queued",
		PlayerID: sess.PlayerID,
	})
}

// FrameReceived routes every post-handshake frame the pumps do not consume.
func (s *Server) FrameReceived(sess *conn.Session, f proto.Frame) {
	switch f.Type {
	case proto.TypeAction:
		s.handleAction(sess, f.Payload)
	case proto.TypeAck:
		s.handleAck(sess, f.Payload)
	case proto.TypeRequestSync:
		s.handleRequestSync(sess)
	case proto.TypeChat:
		s.handleChat(sess, f.Payload)
	default:
		s.metrics.Add("server_frames_unroutable", 1)
		s.logger.Debugf("unroutable frame type %d from %s", f.Type, sess.PlayerID)
	}
}

func (s *Server) handleAction(sess *conn.Session, payload []byte) {
	now := s.clock.Now()

	msg, err := proto.DecodeGameMessage(payload)
	if err != nil || msg.Type != proto.MsgAction {
		s.rejectProtocol(sess, "malformed action message")
		return
	}
	env, err := action.Decode(msg.Payload, now)
	if err != nil {
		s.metrics.Add("server_actions_malformed", 1)
		sess.SendJSON(proto.TypeCorrection, proto.CorrectionPayload{
			Ver:      proto.ProtocolVersion,
			ActionID: msg.ID,
			Reason:   err.Error(),
		})
		return
	}
	if env.PlayerID != sess.PlayerID {
		s.rejectProtocol(sess, "action player mismatch")
		return
	}

	// Evaluate the action at the moment the client issued it, bounded by
	// the rewind cap.
	env.EffectiveTime = s.comp.Rewind(sess.PlayerID, env.ServerTime)

	rt := s.runtimeFor(sess.PlayerID)
	if rt == nil {
		sess.SendJSON(proto.TypeCorrection, proto.CorrectionPayload{
			Ver:      proto.ProtocolVersion,
			ActionID: env.ID,
			Reason:   room.RejectNotInRoom,
		})
		return
	}
	if ok, reason := rt.room.Enqueue(env); !ok {
		sess.SendJSON(proto.TypeCorrection, proto.CorrectionPayload{
			Ver:      proto.ProtocolVersion,
			ActionID: env.ID,
			Reason:   reason,
			Version:  rt.room.Version(),
		})
	}
}

func (s *Server) handleAck(sess *conn.Session, payload []byte) {
	var ack proto.AckPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		s.rejectProtocol(sess, "malformed ack")
		return
	}
	if rt := s.runtimeFor(sess.PlayerID); rt != nil {
		rt.engine.Ack(sess.PlayerID, ack.Version)
	}
}

func (s *Server) handleRequestSync(sess *conn.Session) {
	if rt := s.runtimeFor(sess.PlayerID); rt != nil {
		rt.engine.RequestResync(sess.PlayerID)
		s.metrics.Add("server_resync_requests", 1)
	}
}

func (s *Server) handleChat(sess *conn.Session, payload []byte) {
	var chat proto.ChatPayload
	if err := json.Unmarshal(payload, &chat); err != nil || chat.Text == "" {
		s.rejectProtocol(sess, "malformed chat")
		return
	}
	rt := s.runtimeFor(sess.PlayerID)
	if rt == nil {
		return
	}
	// Chat rides the action queue so the cheat pipeline screens it and the
	// room relays it in order with everything else.
	now := s.clock.Now()
	env := action.Envelope{
		ID:            uuid.NewString(),
		PlayerID:      sess.PlayerID,
		Kind:          action.KindChat,
		ClientTime:    time.UnixMilli(chat.SentAt),
		ServerTime:    now,
		EffectiveTime: now,
		Chat:          &action.ChatParams{Text: chat.Text},
	}
	rt.room.Enqueue(env)
}

// HeartbeatReceived feeds the latency estimator.
func (s *Server) HeartbeatReceived(sess *conn.Session, clientTime time.Time, rtt time.Duration) {
	s.comp.Observe(sess.PlayerID, clientTime, s.clock.Now(), rtt)
}

// SessionClosed starts the reconnect grace window for players in a room.
func (s *Server) SessionClosed(sess *conn.Session, err error) {
	now := s.clock.Now()
	s.mu.Lock()
	if _, inRoom := s.memberships[sess.PlayerID]; inRoom {
		s.disconnects[sess.PlayerID] = now
	}
	s.mu.Unlock()

	s.mm.Cancel(sess.PlayerID)
	if err != nil {
		s.logger.Infof("session %s closed: %v", sess.PlayerID, err)
	}
	s.metrics.Add("server_sessions_closed", 1)
}

// drainPendingActions replays actions the player submitted while offline,
// in queue order, then clears the queue. They are enqueued at resume time;
// no rewind applies since the original send time is long past the cap.
func (s *Server) drainPendingActions(playerID string, rt *roomRuntime, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payloads, err := s.store.PendingActions(ctx, playerID)
	if err != nil {
		s.logger.Warnf("pending actions for %s: %v", playerID, err)
		return
	}
	for _, payload := range payloads {
		env, err := action.Decode(payload, now)
		if err != nil || env.PlayerID != playerID {
			s.metrics.Add("server_pending_actions_dropped", 1)
			continue
		}
		rt.room.Enqueue(env)
	}
	if len(payloads) > 0 {
		s.metrics.Add("server_pending_actions_drained", uint64(len(payloads)))
		if err := s.store.ClearActions(ctx, playerID); err != nil {
			s.logger.Warnf("clear pending actions for %s: %v", playerID, err)
		}
	}
}

func (s *Server) runtimeFor(playerID string) *roomRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.memberships[playerID]
	if !ok {
		return nil
	}
	return s.rooms[roomID]
}

func (s *Server) rejectProtocol(sess *conn.Session, reason string) {
	s.metrics.Add("server_protocol_errors", 1)
	sess.SendJSON(proto.TypeError, proto.ErrorPayload{
		Ver:    proto.ProtocolVersion,
		Code:   proto.CodeProtocol,
		Reason: reason,
	})
}
