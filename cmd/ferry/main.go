package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/seantiz/ferry/internal/api"
	"github.com/seantiz/ferry/internal/bridge"
	"github.com/seantiz/ferry/internal/config"
	"github.com/seantiz/ferry/internal/engine"
	"github.com/seantiz/ferry/internal/loop"
)

const schemaTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	eng, err := engine.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	lp := loop.New()
	go lp.Run()

	pool, err := bridge.New(eng, lp, logger, bridge.Options{Debug: cfg.Debug})
	if err != nil {
		log.Fatalf("create bridge pool: %v", err)
	}
	// Startup is scheduled onto the loop; wait for it before the first dispatch.
	<-pool.Started()

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	err = api.CreateSchema(ctx, pool)
	cancel()
	if err != nil {
		log.Fatalf("create schema: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, pool, logger)
	if err := srv.Run(); err != nil {
		logger.Error("server exited", "error", err)
	}

	// Stopping the loop tears the pool down via its shutdown hook.
	lp.Stop()
	<-lp.Done()
}
