package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"casehooks/internal/pkg/logger"
	"casehooks/internal/platform/config"
	"casehooks/internal/platform/database"
	"casehooks/internal/platform/repositories"
	"casehooks/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	once := flag.Bool("once", false, "Run every job once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging, "casehooks-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	deliveries := repositories.NewDeliveryRepository(db)
	prune := func(ctx context.Context) error {
		_, err := workers.PruneDeliveryLogs(ctx, deliveries, cfg.Webhooks.LogRetention, time.Now().UTC())
		return err
	}

	if *once {
		if err := prune(ctx); err != nil {
			log.Fatal().Err(err).Msg("prune failed")
		}
		return
	}

	sched := workers.NewScheduler(10 * time.Minute)
	if err := sched.Add(cfg.Webhooks.PruneSchedule, "prune-delivery-logs", prune); err != nil {
		log.Fatal().Err(err).Msg("invalid prune schedule")
	}
	sched.Start()
	log.Info().Str("schedule", cfg.Webhooks.PruneSchedule).Dur("retention", cfg.Webhooks.LogRetention).Msg("worker started")

	<-ctx.Done()
	log.Info().Msg("worker: shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("running jobs cancelled")
	}
	log.Info().Msg("worker stopped")
}
