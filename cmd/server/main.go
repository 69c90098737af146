package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"tradewind/server/internal/config"
	"tradewind/server/internal/persist"
	"tradewind/server/internal/server"
	"tradewind/server/logging"
)

func main() {
	cfg, err := config.ParseEnv()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logCfg := logging.DefaultConfig()
	logCfg.FilePath = cfg.LogFile
	logCfg.Debug = cfg.Debug
	logger, err := logging.New(logCfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer logger.Sync()

	store, err := persist.OpenSQLite(cfg.SnapshotDBPath)
	if err != nil {
		logger.Fatalf("snapshot store: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, logger, store, logging.SystemClock{})
	if err := srv.Run(ctx); err != nil {
		logger.Fatalf("server: %v", err)
	}
}
