package server

import (
	"encoding/json"
	"net/http"
	"time"
)

type roomDiagnostics struct {
	ID      string `json:"id"`
	Mode    string `json:"mode"`
	Phase   string `json:"phase"`
	Version uint64 `json:"version"`
	Players int    `json:"players"`
}

type diagnostics struct {
	UptimeSeconds float64           `json:"uptimeSeconds"`
	Sessions      int               `json:"sessions"`
	Rooms         []roomDiagnostics `json:"rooms"`
	QueuedTickets int               `json:"queuedTickets"`
	Counters      map[string]uint64 `json:"counters"`
	GeneratedAt   time.Time         `json:"generatedAt"`
}

func (s *Server) serveDiagnostics(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()

	s.mu.Lock()
	rooms := make([]roomDiagnostics, 0, len(s.rooms))
	for id, rt := range s.rooms {
		rooms = append(rooms, roomDiagnostics{
			ID:      id,
			Mode:    string(rt.room.Mode()),
			Phase:   string(rt.room.Phase()),
			Version: rt.room.Version(),
			Players: rt.room.PlayerCount(),
		})
	}
	startedAt := s.startedAt
	s.mu.Unlock()

	out := diagnostics{
		UptimeSeconds: now.Sub(startedAt).Seconds(),
		Sessions:      s.manager.Count(),
		Rooms:         rooms,
		QueuedTickets: s.mm.Queued(),
		Counters:      s.metrics.Snapshot(),
		GeneratedAt:   now,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Errorf("encode diagnostics: %v", err)
	}
}
