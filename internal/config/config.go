package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable for the server process. Values load from
// environment variables with the defaults below.
type Config struct {
	ListenAddr     string `env:"LISTEN_ADDR" envDefault:":7777"`
	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":8080"`
	LogFile        string `env:"LOG_FILE"`
	Debug          bool   `env:"DEBUG" envDefault:"false"`
	AuthSecret     string `env:"AUTH_SECRET" envDefault:"dev-secret"`
	SnapshotDBPath string `env:"SNAPSHOT_DB" envDefault:"snapshots.db"`

	Room      RoomConfig      `envPrefix:"ROOM_"`
	Sync      SyncConfig      `envPrefix:"SYNC_"`
	AntiCheat AntiCheatConfig `envPrefix:"ANTICHEAT_"`
	Match     MatchConfig     `envPrefix:"MATCH_"`
	Conn      ConnConfig      `envPrefix:"CONN_"`
}

// RoomConfig tunes authoritative room behavior.
type RoomConfig struct {
	MinPlayers       int           `env:"MIN_PLAYERS" envDefault:"2"`
	MaxPlayers       int           `env:"MAX_PLAYERS" envDefault:"16"`
	SnapshotEvery    uint64        `env:"SNAPSHOT_EVERY" envDefault:"10"`
	SnapshotRing     int           `env:"SNAPSHOT_RING" envDefault:"10"`
	HistoryRing      int           `env:"HISTORY_RING" envDefault:"256"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT" envDefault:"5m"`
	ReapInterval     time.Duration `env:"REAP_INTERVAL" envDefault:"30s"`
	ReconnectGrace   time.Duration `env:"RECONNECT_GRACE" envDefault:"60s"`
	ActionQueueLimit int           `env:"ACTION_QUEUE_LIMIT" envDefault:"128"`
}

// SyncConfig tunes the state synchronization engine.
type SyncConfig struct {
	RealtimeHz       int           `env:"REALTIME_HZ" envDefault:"20"`
	TurnBasedHz      int           `env:"TURNBASED_HZ" envDefault:"1"`
	DeltaThreshold   float64       `env:"DELTA_THRESHOLD" envDefault:"0.9"`
	BandwidthBudget  int           `env:"BANDWIDTH_BUDGET" envDefault:"51200"`
	PendingLimit     int           `env:"PENDING_LIMIT" envDefault:"10"`
	ShipRadius       float64       `env:"SHIP_RADIUS" envDefault:"2000"`
	EntityRadius     float64       `env:"ENTITY_RADIUS" envDefault:"800"`
	HistoryRetention time.Duration `env:"HISTORY_RETENTION" envDefault:"2s"`
	MaxExtrapolation time.Duration `env:"MAX_EXTRAPOLATION" envDefault:"200ms"`
}

// AntiCheatConfig tunes the validation pipeline.
type AntiCheatConfig struct {
	ActionsPerSecond   float64       `env:"ACTIONS_PER_SECOND" envDefault:"10"`
	MaxSpeed           float64       `env:"MAX_SPEED" envDefault:"50"`
	TeleportDistance   float64       `env:"TELEPORT_DISTANCE" envDefault:"1000"`
	TransactionCeiling int64         `env:"TRANSACTION_CEILING" envDefault:"1000000"`
	DuplicateWindow    time.Duration `env:"DUPLICATE_WINDOW" envDefault:"100ms"`
	SuspicionThreshold float64       `env:"SUSPICION_THRESHOLD" envDefault:"0.8"`
	BanThreshold       int           `env:"BAN_THRESHOLD" envDefault:"5"`
	ViolationWindow    time.Duration `env:"VIOLATION_WINDOW" envDefault:"60s"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s"`
}

// MatchConfig tunes matchmaking.
type MatchConfig struct {
	TickInterval   time.Duration `env:"TICK_INTERVAL" envDefault:"2s"`
	InitialRange   float64       `env:"INITIAL_RANGE" envDefault:"150"`
	ExpansionRate  float64       `env:"EXPANSION_RATE" envDefault:"50"`
	ExpandInterval time.Duration `env:"EXPAND_INTERVAL" envDefault:"5s"`
	MaxRange       float64       `env:"MAX_RANGE" envDefault:"500"`
	TicketTimeout  time.Duration `env:"TICKET_TIMEOUT" envDefault:"120s"`
	FallbackRegion string        `env:"FALLBACK_REGION" envDefault:"us-east"`
}

// ConnConfig tunes the connection layer.
type ConnConfig struct {
	PingInterval    time.Duration `env:"PING_INTERVAL" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"90s"`
	LatencyWindow   int           `env:"LATENCY_WINDOW" envDefault:"10"`
	OutboundQueue   int           `env:"OUTBOUND_QUEUE" envDefault:"64"`
	ListenerRetries int           `env:"LISTENER_RETRIES" envDefault:"5"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
