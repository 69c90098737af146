// Package server wires the whole game server together: the websocket
// listener, authoritative rooms, the sync engine, anti-cheat, lag
// compensation, matchmaking, persistence and the diagnostics endpoint.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"tradewind/server/internal/anticheat"
	"tradewind/server/internal/auth"
	"tradewind/server/internal/config"
	"tradewind/server/internal/conn"
	"tradewind/server/internal/lagcomp"
	"tradewind/server/internal/match"
	"tradewind/server/internal/persist"
	"tradewind/server/internal/proto"
	"tradewind/server/internal/room"
	"tradewind/server/internal/scheduler"
	"tradewind/server/internal/telemetry"
	"tradewind/server/logging"
)

// defaultRating seeds matchmaking for players without a recorded rating.
const defaultRating = 1000

// Server is the composed game server process.
type Server struct {
	cfg     config.Config
	logger  telemetry.Logger
	metrics *telemetry.Counters
	clock   logging.Clock

	auth     *auth.Validator
	cheat    *anticheat.Pipeline
	comp     *lagcomp.Compensator
	mm       *match.Matchmaker
	store    persist.SnapshotStore
	manager  *conn.Manager
	listener *conn.Listener
	httpSrv  *http.Server

	mu          sync.Mutex
	rooms       map[string]*roomRuntime
	memberships map[string]string    // playerID -> roomID
	lastRooms   map[string]string    // playerID -> reaped roomID, for checkpoint restore
	ratings     map[string]int       // playerID -> matchmaking rating
	disconnects map[string]time.Time // playerID -> when the session dropped
	startedAt   time.Time

	tickers []*scheduler.Ticker
}

// New assembles a server from configuration. The snapshot store may be nil,
// in which case rooms are not checkpointed across restarts.
func New(cfg config.Config, logger telemetry.Logger, store persist.SnapshotStore, clock logging.Clock) *Server {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	if clock == nil {
		clock = logging.SystemClock{}
	}
	if store == nil {
		store = persist.NewMemoryStore()
	}

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		metrics:     telemetry.NewCounters(),
		clock:       clock,
		auth:        auth.NewValidator(cfg.AuthSecret),
		store:       store,
		rooms:       make(map[string]*roomRuntime),
		memberships: make(map[string]string),
		lastRooms:   make(map[string]string),
		ratings:     make(map[string]int),
		disconnects: make(map[string]time.Time),
		startedAt:   clock.Now(),
	}

	s.cheat = anticheat.New(cfg.AntiCheat, anticheat.Deps{
		Logger:  logger,
		Metrics: s.metrics,
		OnBan:   s.handleBan,
	})
	s.comp = lagcomp.NewCompensator(cfg.Conn.LatencyWindow, cfg.Sync.MaxExtrapolation)
	s.mm = match.New(cfg.Match, match.Deps{Logger: logger, Metrics: s.metrics})
	s.manager = conn.NewManager(cfg.Conn, conn.Deps{
		Auth:           s.auth,
		Banned:         s.cheat.IsBanned,
		Handler:        s,
		Logger:         logger,
		Metrics:        s.metrics,
		Clock:          clock,
		ReconnectGrace: cfg.Room.ReconnectGrace,
	})
	s.listener = conn.NewListener(cfg.ListenAddr, cfg.Conn.ListenerRetries, s.manager, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/diagnostics", s.serveDiagnostics)
	s.httpSrv = &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	return s
}

// Run starts every loop and blocks until the context is cancelled or the
// websocket listener dies.
func (s *Server) Run(ctx context.Context) error {
	realtimePeriod := time.Second / time.Duration(max(s.cfg.Sync.RealtimeHz, 1))
	turnPeriod := time.Second / time.Duration(max(s.cfg.Sync.TurnBasedHz, 1))

	s.startTicker(realtimePeriod, func(now time.Time) { s.advanceRooms(room.ModeRealtime, now) })
	s.startTicker(turnPeriod, func(now time.Time) { s.advanceRooms(room.ModeTurnBased, now) })
	s.startTicker(s.cfg.AntiCheat.SweepInterval, s.cheat.Sweep)
	s.startTicker(s.cfg.Match.TickInterval, s.matchTick)
	s.startTicker(s.cfg.Room.ReapInterval, s.reap)

	errCh := make(chan error, 2)
	go func() {
		s.logger.Infof("diagnostics listening on %s", s.cfg.HTTPAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		s.logger.Infof("game server listening on %s", s.cfg.ListenAddr)
		errCh <- s.listener.Serve()
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	s.shutdown()
	return err
}

func (s *Server) startTicker(period time.Duration, task scheduler.Task) {
	if period <= 0 {
		return
	}
	t := scheduler.NewTicker(period, s.clock)
	t.Start(task)
	s.tickers = append(s.tickers, t)
}

func (s *Server) shutdown() {
	for _, t := range s.tickers {
		t.Stop()
	}
	s.checkpointAll(s.clock.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.listener.Shutdown(ctx)
	s.httpSrv.Shutdown(ctx)
	s.store.Close()
	s.logger.Infof("server stopped")
}

// handleBan runs on the anti-cheat ban callback: drop the session and
// remove the player from their room. The ledger fires this callback from
// inside the room's validator call, with the room lock still held, so the
// removal must run on its own goroutine; taking the lock here deadlocks
// the room.
func (s *Server) handleBan(playerID, kind string) {
	s.logger.Warnf("player %s banned (%s)", playerID, kind)
	s.metrics.Add("server_bans", 1)

	if sess, ok := s.manager.Get(playerID); ok {
		sess.SendJSON(proto.TypeError, proto.ErrorPayload{
			Ver:    proto.ProtocolVersion,
			Code:   proto.CodeBanned,
			Reason: kind,
		})
		sess.Close()
	}
	go s.removeFromRoom(playerID)
}
