package server

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tradewind/server/internal/lagcomp"
	"tradewind/server/internal/match"
	"tradewind/server/internal/persist"
	"tradewind/server/internal/proto"
	"tradewind/server/internal/room"
	"tradewind/server/internal/state"
	gamesync "tradewind/server/internal/sync"
)

// Starting loadout for a freshly matched player.
const (
	startingCurrency = int64(1000)
	startingCapacity = 200
)

type roomRuntime struct {
	room    *room.Room
	engine  *gamesync.Engine
	history *lagcomp.History
}

// matchTick drives the matchmaker and turns formed matches into rooms.
func (s *Server) matchTick(now time.Time) {
	matches, expired := s.mm.Tick(now)
	for _, t := range expired {
		if sess, ok := s.manager.Get(t.PlayerID); ok {
			sess.SendJSON(proto.TypeRoomEvent, proto.RoomEventPayload{
				Ver:      proto.ProtocolVersion,
				Event:    "queue_timeout",
				PlayerID: t.PlayerID,
			})
		}
	}
	for _, m := range matches {
		s.createRoom(m, now)
	}
}

func (s *Server) createRoom(m match.Match, now time.Time) {
	rt := &roomRuntime{
		engine:  gamesync.New(s.cfg.Sync, gamesync.Deps{Logger: s.logger, Metrics: s.metrics}),
		history: lagcomp.NewHistory(s.cfg.Sync.HistoryRetention, s.cfg.Sync.MaxExtrapolation),
	}
	roomID := "room-" + m.ID
	rt.room = room.New(roomID, m.Mode, s.cfg.Room, room.Deps{
		Validator: s.cheat,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
	seedPorts(rt.room)

	s.mu.Lock()
	s.rooms[roomID] = rt
	s.mu.Unlock()

	for i, t := range m.Tickets {
		sess, ok := s.manager.Get(t.PlayerID)
		if !ok {
			continue
		}
		spawn := spawnPosition(i)
		player := &state.Player{
			ID:       t.PlayerID,
			Name:     state.DisplayName(sess.Name, t.PlayerID),
			Position: spawn,
			Currency: startingCurrency,
		}
		if err := rt.room.Join(player, now); err != nil {
			s.logger.Warnf("join %s to %s: %v", t.PlayerID, roomID, err)
			continue
		}
		rt.room.AddShip(&state.Ship{
			ID:       "ship-" + uuid.NewString(),
			OwnerID:  t.PlayerID,
			Position: spawn,
			Capacity: startingCapacity,
		})

		s.mu.Lock()
		s.memberships[t.PlayerID] = roomID
		s.mu.Unlock()

		sess.SetRoomID(roomID)
		rt.engine.Register(t.PlayerID)
		sess.SendJSON(proto.TypeRoomEvent, proto.RoomEventPayload{
			Ver:      proto.ProtocolVersion,
			RoomID:   roomID,
			Event:    "match_found",
			PlayerID: t.PlayerID,
			Detail:   m.Region,
		})
	}
	s.logger.Infof("room %s created (%s, %d players, region %s)", roomID, m.Mode, rt.room.PlayerCount(), m.Region)
	s.metrics.Add("server_rooms_created", 1)
}

// spawnPosition spreads starting ships so nobody spawns on top of a rival.
func spawnPosition(slot int) state.Vec2 {
	offsets := []state.Vec2{
		{X: -400, Y: -400}, {X: 400, Y: 400}, {X: -400, Y: 400}, {X: 400, Y: -400},
		{X: 0, Y: -600}, {X: 0, Y: 600}, {X: -600, Y: 0}, {X: 600, Y: 0},
	}
	return offsets[slot%len(offsets)]
}

// seedPorts places the map's trading posts.
func seedPorts(r *room.Room) {
	r.AddPort(&state.Port{
		ID: "port-harbor", Name: "Harbor", Position: state.Vec2{X: 0, Y: 0},
		Prices: map[string]int64{"grain": 50, "timber": 60, "rum": 120},
		Stock:  map[string]int{"grain": 500, "timber": 400, "rum": 250},
	})
	r.AddPort(&state.Port{
		ID: "port-reef", Name: "Reef", Position: state.Vec2{X: 1500, Y: 1200},
		Prices: map[string]int64{"ore": 80, "silk": 200, "spice": 300},
		Stock:  map[string]int{"ore": 300, "silk": 120, "spice": 80},
	})
	r.AddPort(&state.Port{
		ID: "port-cove", Name: "Cove", Position: state.Vec2{X: -1400, Y: 900},
		Prices: map[string]int64{"grain": 65, "silk": 180, "ore": 95},
		Stock:  map[string]int{"grain": 350, "silk": 150, "ore": 200},
	})
}

// advanceRooms drains the queues of every room in the given mode, then
// plans and sends per-client sync updates.
func (s *Server) advanceRooms(mode room.Mode, now time.Time) {
	s.mu.Lock()
	runtimes := make(map[string]*roomRuntime, len(s.rooms))
	for id, rt := range s.rooms {
		if rt.room.Mode() == mode {
			runtimes[id] = rt
		}
	}
	s.mu.Unlock()

	for roomID, rt := range runtimes {
		adv := rt.room.Advance(now)

		for _, res := range adv.Results {
			sess, ok := s.manager.Get(res.PlayerID)
			if !ok {
				continue
			}
			if res.Applied {
				sess.SendJSON(proto.TypeActionResult, proto.ActionResultPayload{
					Ver:      proto.ProtocolVersion,
					ActionID: res.ActionID,
					Applied:  true,
					Version:  res.Version,
				})
			} else {
				sess.SendJSON(proto.TypeCorrection, proto.CorrectionPayload{
					Ver:      proto.ProtocolVersion,
					ActionID: res.ActionID,
					Reason:   res.Reason,
					Version:  res.Version,
				})
			}
		}

		for _, ev := range adv.Events {
			s.broadcastEvent(roomID, ev, now)
		}

		if adv.Dirty {
			rt.history.Record(now, rt.room.Snapshot())
		}

		for _, playerID := range s.roomMembers(roomID) {
			sess, ok := s.manager.Get(playerID)
			if !ok {
				continue
			}
			upd, err := rt.engine.PlanFor(now, roomID, rt.room, playerID)
			if err != nil || upd == nil {
				continue
			}
			if upd.Full != nil {
				sess.SendJSON(proto.TypeFullState, upd.Full)
			} else if upd.Delta != nil {
				sess.SendJSON(proto.TypeDeltaUpdate, upd.Delta)
			}
		}
	}
}

func (s *Server) broadcastEvent(roomID string, ev room.Event, now time.Time) {
	if ev.Type == room.EventChat {
		f, err := proto.EncodeJSON(proto.TypeChat, proto.ChatPayload{
			Ver:      proto.ProtocolVersion,
			PlayerID: ev.PlayerID,
			Text:     ev.Detail,
			SentAt:   now.UnixMilli(),
		})
		if err == nil {
			s.manager.Broadcast(roomID, f)
		}
		return
	}
	f, err := proto.EncodeJSON(proto.TypeRoomEvent, proto.RoomEventPayload{
		Ver:      proto.ProtocolVersion,
		RoomID:   roomID,
		Event:    ev.Type,
		PlayerID: ev.PlayerID,
		Detail:   ev.Detail,
	})
	if err == nil {
		s.manager.Broadcast(roomID, f)
	}
}

func (s *Server) roomMembers(roomID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var members []string
	for playerID, id := range s.memberships {
		if id == roomID {
			members = append(members, playerID)
		}
	}
	return members
}

// removeFromRoom detaches a player from their room immediately.
func (s *Server) removeFromRoom(playerID string) {
	s.mu.Lock()
	roomID, ok := s.memberships[playerID]
	if ok {
		delete(s.memberships, playerID)
	}
	delete(s.disconnects, playerID)
	rt := s.rooms[roomID]
	s.mu.Unlock()

	if !ok || rt == nil {
		return
	}
	rt.room.Leave(playerID, s.clock.Now())
	rt.engine.Unregister(playerID)
	s.comp.Forget(playerID)
}

// reap evicts players whose reconnect grace expired, checkpoints live
// rooms, and deletes closed or idle ones.
func (s *Server) reap(now time.Time) {
	s.mu.Lock()
	var evict []string
	for playerID, at := range s.disconnects {
		if now.Sub(at) > s.cfg.Room.ReconnectGrace {
			evict = append(evict, playerID)
		}
	}
	s.mu.Unlock()
	for _, playerID := range evict {
		s.logger.Infof("reconnect grace expired for %s", playerID)
		s.removeFromRoom(playerID)
	}

	s.mu.Lock()
	type reapEntry struct {
		id string
		rt *roomRuntime
	}
	var dead []reapEntry
	live := make([]reapEntry, 0, len(s.rooms))
	for id, rt := range s.rooms {
		idle := now.Sub(rt.room.LastActivity()) > s.cfg.Room.IdleTimeout
		if rt.room.Phase() == room.PhaseClosed || idle {
			dead = append(dead, reapEntry{id, rt})
			delete(s.rooms, id)
			continue
		}
		live = append(live, reapEntry{id, rt})
	}
	for playerID, roomID := range s.memberships {
		if _, ok := s.rooms[roomID]; !ok {
			delete(s.memberships, playerID)
			delete(s.disconnects, playerID)
			// Remember where they were so a checkpoint restore can
			// rebuild the room if they come back.
			s.lastRooms[playerID] = roomID
		}
	}
	s.mu.Unlock()

	for _, entry := range dead {
		entry.rt.room.Close()
		s.checkpoint(entry.id, entry.rt, now)
		s.metrics.Add("server_rooms_reaped", 1)
		s.logger.Infof("room %s reaped", entry.id)
	}
	for _, entry := range live {
		s.checkpoint(entry.id, entry.rt, now)
	}
}

func (s *Server) checkpoint(roomID string, rt *roomRuntime, now time.Time) {
	st := rt.room.Snapshot()
	encoded, err := st.Encode()
	if err != nil {
		s.logger.Errorf("encode checkpoint for %s: %v", roomID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = s.store.Save(ctx, persist.Record{
		RoomID:   roomID,
		Mode:     string(rt.room.Mode()),
		Version:  st.Version,
		Checksum: st.Checksum(),
		State:    encoded,
		SavedAt:  now,
	})
	if err != nil {
		s.logger.Errorf("checkpoint %s: %v", roomID, err)
	}
}

// restoreRoom rehydrates a reaped room from its checkpoint for a resuming
// player. Every other member recorded in the snapshot gets a fresh reconnect
// grace window to find their way back.
func (s *Server) restoreRoom(playerID string, now time.Time) (*roomRuntime, string) {
	s.mu.Lock()
	roomID, ok := s.lastRooms[playerID]
	s.mu.Unlock()
	if !ok {
		return nil, ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := s.store.Load(ctx, roomID)
	if err != nil {
		return nil, ""
	}
	st, err := state.Decode(rec.State)
	if err != nil {
		s.logger.Errorf("decode checkpoint %s: %v", roomID, err)
		return nil, ""
	}

	rt := &roomRuntime{
		engine:  gamesync.New(s.cfg.Sync, gamesync.Deps{Logger: s.logger, Metrics: s.metrics}),
		history: lagcomp.NewHistory(s.cfg.Sync.HistoryRetention, s.cfg.Sync.MaxExtrapolation),
	}
	mode := room.Mode(rec.Mode)
	if mode != room.ModeTurnBased {
		mode = room.ModeRealtime
	}
	rt.room = room.New(roomID, mode, s.cfg.Room, room.Deps{
		Validator: s.cheat,
		Logger:    s.logger,
		Metrics:   s.metrics,
	})
	rt.room.Restore(st, now)

	s.mu.Lock()
	if existing, live := s.rooms[roomID]; live {
		s.mu.Unlock()
		return existing, roomID
	}
	s.rooms[roomID] = rt
	for id := range st.Players {
		s.memberships[id] = roomID
		delete(s.lastRooms, id)
		if id != playerID {
			s.disconnects[id] = now
		}
	}
	s.mu.Unlock()

	s.metrics.Add("server_rooms_restored", 1)
	s.logger.Infof("room %s restored from checkpoint at version %d", roomID, rec.Version)
	return rt, roomID
}

func (s *Server) checkpointAll(now time.Time) {
	s.mu.Lock()
	entries := make(map[string]*roomRuntime, len(s.rooms))
	for id, rt := range s.rooms {
		entries[id] = rt
	}
	s.mu.Unlock()
	for id, rt := range entries {
		s.checkpoint(id, rt, now)
	}
}
