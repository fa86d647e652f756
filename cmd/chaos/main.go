// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentalnexus/internal/chaos"
	"rentalnexus/internal/clients"
	"rentalnexus/internal/config"
	"rentalnexus/internal/logging"

	"go.uber.org/zap"
)

func main() {
	stock := flag.Int("stock", 5, "units per experiment pool")
	requests := flag.Int("requests", 40, "concurrent requests per race")
	observe := flag.Duration("observe", 10*time.Second, "observation time of the race and gate experiments")
	cooldown := flag.Duration("cooldown", 30*time.Second, "pause between experiments")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target := clients.NewEngineClient(cfg.EngineURL)

	engine := chaos.NewEngine(logger)
	engine.Cooldown = *cooldown
	engine.RegisterExperiments(target, chaos.Options{
		Stock:    *stock,
		Requests: *requests,
		Duration: *observe,
		HoldTTL:  cfg.HoldTTL,
	})

	gameDay := chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	}

	held, err := engine.ExecuteGameDay(ctx, gameDay)
	if err != nil {
		logger.Fatal("chaos game day failed", zap.Error(err))
	}
	if !held {
		logger.Error("chaos game day finished with violated hypotheses", zap.String("engine", cfg.EngineURL))
		os.Exit(1)
	}
	logger.Info("chaos game day passed", zap.String("engine", cfg.EngineURL))
}
