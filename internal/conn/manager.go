package conn

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradewind/server/internal/config"
	"tradewind/server/internal/proto"
	"tradewind/server/internal/telemetry"
	"tradewind/server/logging"
)

// helloTimeout bounds how long a fresh connection may stall before sending
// its hello frame.
const helloTimeout = 10 * time.Second

// TokenValidator verifies a handshake token and returns the player id it
// vouches for.
type TokenValidator interface {
	Validate(token string) (playerID, sessionID string, err error)
}

// Handler receives session lifecycle and traffic callbacks. All callbacks
// run on the session's read goroutine.
type Handler interface {
	SessionOpened(s *Session, resumed bool)
	FrameReceived(s *Session, f proto.Frame)
	HeartbeatReceived(s *Session, clientTime time.Time, rtt time.Duration)
	SessionClosed(s *Session, err error)
}

// Manager owns every live session and runs the handshake.
type Manager struct {
	cfg     config.ConnConfig
	grace   time.Duration
	auth    TokenValidator
	banned  func(playerID string) bool
	handler Handler
	logger  telemetry.Logger
	metrics telemetry.Metrics
	clock   logging.Clock

	mu           sync.Mutex
	sessions     map[string]*Session
	disconnected map[string]time.Time
}

// Deps carries the injected collaborators.
type Deps struct {
	Auth           TokenValidator
	Banned         func(playerID string) bool
	Handler        Handler
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
	Clock          logging.Clock
	ReconnectGrace time.Duration
}

// NewManager constructs a session manager.
func NewManager(cfg config.ConnConfig, deps Deps) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 64
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	return &Manager{
		cfg:          cfg,
		grace:        deps.ReconnectGrace,
		auth:         deps.Auth,
		banned:       deps.Banned,
		handler:      deps.Handler,
		logger:       logger,
		metrics:      metrics,
		clock:        clock,
		sessions:     make(map[string]*Session),
		disconnected: make(map[string]time.Time),
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Get returns a player's live session.
func (m *Manager) Get(playerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[playerID]
	return s, ok
}

// Broadcast sends a frame to every session in a room. Slow clients are
// dropped by their own Send.
func (m *Manager) Broadcast(roomID string, f proto.Frame) {
	m.mu.Lock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.RoomID() == roomID {
			targets = append(targets, s)
		}
	}
	m.mu.Unlock()
	for _, s := range targets {
		s.Send(f)
	}
}

// CloseAll tears down every session, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.SendJSON(proto.TypeError, proto.ErrorPayload{Ver: proto.ProtocolVersion, Code: proto.CodeShutdown})
		s.Close()
	}
}

// HandleConn runs the handshake and then the session until it closes. It
// blocks for the lifetime of the connection.
func (m *Manager) HandleConn(ws *websocket.Conn) {
	s, resumed, err := m.handshake(ws)
	if err != nil {
		m.metrics.Add("conn_handshake_failed", 1)
		m.logger.Infof("handshake failed: %v", err)
		ws.Close()
		return
	}
	m.metrics.Add("conn_sessions_opened", 1)
	if m.handler != nil {
		m.handler.SessionOpened(s, resumed)
	}

	go m.writePump(s)
	m.readPump(s)

	m.mu.Lock()
	if m.sessions[s.PlayerID] == s {
		delete(m.sessions, s.PlayerID)
		m.disconnected[s.PlayerID] = m.clock.Now()
	}
	m.mu.Unlock()

	m.metrics.Add("conn_sessions_closed", 1)
	if m.handler != nil {
		m.handler.SessionClosed(s, s.closeErr)
	}
}

func (m *Manager) handshake(ws *websocket.Conn) (*Session, bool, error) {
	ws.SetReadDeadline(m.clock.Now().Add(helloTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, false, fmt.Errorf("conn: read hello: %w", err)
	}
	f, err := proto.Unmarshal(data)
	if err != nil {
		m.refuse(ws, proto.CodeProtocol, err.Error())
		return nil, false, err
	}
	if f.Type != proto.TypeHello {
		m.refuse(ws, proto.CodeProtocol, "expected hello")
		return nil, false, fmt.Errorf("conn: first frame was %s", f.Type)
	}

	var hello proto.HelloPayload
	if err := json.Unmarshal(f.Payload, &hello); err != nil {
		m.refuse(ws, proto.CodeProtocol, "bad hello payload")
		return nil, false, fmt.Errorf("conn: decode hello: %w", err)
	}

	playerID, tokenSession, err := m.auth.Validate(hello.Token)
	if err != nil {
		m.refuse(ws, proto.CodeAuth, "token rejected")
		return nil, false, fmt.Errorf("conn: auth: %w", err)
	}
	if hello.PlayerID != "" && hello.PlayerID != playerID {
		m.refuse(ws, proto.CodeAuth, "player id does not match token")
		return nil, false, fmt.Errorf("conn: player id mismatch for %s", playerID)
	}
	if tokenSession != "" && hello.SessionID != "" && hello.SessionID != tokenSession {
		m.refuse(ws, proto.CodeAuth, "session id does not match token")
		return nil, false, fmt.Errorf("conn: session id mismatch for %s", playerID)
	}
	if m.banned != nil && m.banned(playerID) {
		m.refuse(ws, proto.CodeBanned, "")
		return nil, false, fmt.Errorf("conn: banned player %s", playerID)
	}

	sessionID := hello.SessionID
	if sessionID == "" {
		sessionID = tokenSession
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	now := m.clock.Now()
	s := &Session{
		ID:       sessionID,
		PlayerID: playerID,
		Name:     hello.Name,
		conn:     ws,
		out:      make(chan proto.Frame, m.cfg.OutboundQueue),
		done:     make(chan struct{}),
		lastSeen: now,
	}

	m.mu.Lock()
	resumed := false
	if old, ok := m.sessions[playerID]; ok {
		// Same player on a new socket: the new connection wins.
		old.close(fmt.Errorf("conn: superseded by session %s", sessionID))
		resumed = true
	} else if at, ok := m.disconnected[playerID]; ok && m.grace > 0 && now.Sub(at) <= m.grace {
		resumed = true
	}
	delete(m.disconnected, playerID)
	m.sessions[playerID] = s
	m.mu.Unlock()

	welcome := proto.WelcomePayload{Ver: proto.ProtocolVersion, PlayerID: playerID, Resumed: resumed}
	wf, err := proto.EncodeJSON(proto.TypeWelcome, welcome)
	if err != nil {
		return nil, false, err
	}
	ws.SetWriteDeadline(now.Add(m.cfg.WriteTimeout))
	msg, err := proto.Marshal(wf)
	if err != nil {
		return nil, false, err
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return nil, false, fmt.Errorf("conn: write welcome: %w", err)
	}
	return s, resumed, nil
}

// refuse writes a terminal error frame on a connection that never became a
// session.
func (m *Manager) refuse(ws *websocket.Conn, code, reason string) {
	f, err := proto.EncodeJSON(proto.TypeError, proto.ErrorPayload{Ver: proto.ProtocolVersion, Code: code, Reason: reason})
	if err != nil {
		return
	}
	msg, err := proto.Marshal(f)
	if err != nil {
		return
	}
	ws.SetWriteDeadline(m.clock.Now().Add(m.cfg.WriteTimeout))
	ws.WriteMessage(websocket.BinaryMessage, msg)
}

func (m *Manager) readPump(s *Session) {
	for {
		s.conn.SetReadDeadline(m.clock.Now().Add(m.cfg.ReadTimeout))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close(err)
			return
		}
		now := m.clock.Now()
		s.touch(now)

		f, err := proto.Unmarshal(data)
		if err != nil {
			s.SendJSON(proto.TypeError, proto.ErrorPayload{Ver: proto.ProtocolVersion, Code: proto.CodeProtocol, Reason: err.Error()})
			s.close(err)
			return
		}

		switch f.Type {
		case proto.TypeHeartbeat:
			// Client-initiated heartbeat: echo it back with our clock.
			var hb proto.HeartbeatPayload
			if json.Unmarshal(f.Payload, &hb) == nil {
				hb.ServerTime = now.UnixMilli()
				s.SendJSON(proto.TypeHeartbeatAck, hb)
			}
		case proto.TypeHeartbeatAck:
			var hb proto.HeartbeatPayload
			if json.Unmarshal(f.Payload, &hb) != nil {
				continue
			}
			rtt := now.Sub(time.UnixMilli(hb.ServerTime))
			s.recordRTT(rtt)
			if m.handler != nil {
				m.handler.HeartbeatReceived(s, time.UnixMilli(hb.ClientTime), rtt)
			}
		default:
			if m.handler != nil {
				m.handler.FrameReceived(s, f)
			}
		}
	}
}

func (m *Manager) writePump(s *Session) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			if err := m.writeFrame(s, f); err != nil {
				s.close(err)
				return
			}
		case <-ticker.C:
			nowMs := m.clock.Now().UnixMilli()
			s.notePing(nowMs)
			hb, err := proto.EncodeJSON(proto.TypeHeartbeat, proto.HeartbeatPayload{Ver: proto.ProtocolVersion, ServerTime: nowMs})
			if err != nil {
				continue
			}
			if err := m.writeFrame(s, hb); err != nil {
				s.close(err)
				return
			}
		}
	}
}

func (m *Manager) writeFrame(s *Session, f proto.Frame) error {
	msg, err := proto.Marshal(f)
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(m.clock.Now().Add(m.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, msg)
}
