// cmd/engine/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rentalnexus/internal/auth"
	"rentalnexus/internal/availability"
	"rentalnexus/internal/booking"
	"rentalnexus/internal/config"
	"rentalnexus/internal/equipment"
	"rentalnexus/internal/eventstore"
	"rentalnexus/internal/interval"
	"rentalnexus/internal/logging"
	"rentalnexus/internal/notify"
	"rentalnexus/internal/telemetry"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// storage is the backend-specific half of the dependency graph.
type storage struct {
	index     interval.Index
	equipment equipment.Store
	events    eventstore.Store
	close     func() error
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (*storage, error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory storage; state is lost on restart")
		return &storage{
			index:     interval.NewMemoryIndex(time.Now),
			equipment: equipment.NewMemoryStore(time.Now),
			events:    eventstore.NewMemoryStore(),
			close:     func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	units := equipment.NewPostgresStore(db)
	index := interval.NewPostgresIndex(db).WithUnits(units.ReadLocked)
	events := eventstore.NewEventStore(db)
	for _, schema := range []interface {
		EnsureSchema(context.Context) error
	}{units, index, events} {
		if err := schema.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return &storage{index: index, equipment: units, events: events, close: db.Close}, nil
}

// publishers builds the commit event fan-out: the ledger always, AMQP and
// Redis when configured.
func publishers(cfg config.Config, ledger *eventstore.Ledger, logger *zap.Logger) (*notify.Fanout, func()) {
	sinks := []notify.Publisher{ledger}
	var closers []func()

	if cfg.AMQPURL != "" {
		amqpPub := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPQueue, logger)
		sinks = append(sinks, amqpPub)
		closers = append(closers, func() {
			if err := amqpPub.Close(); err != nil {
				logger.Warn("close amqp publisher", zap.Error(err))
			}
		})
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		sinks = append(sinks, notify.NewRedisPublisher(client, cfg.RedisChannel))
		closers = append(closers, func() {
			if err := client.Close(); err != nil {
				logger.Warn("close redis client", zap.Error(err))
			}
		})
	}

	for _, sink := range sinks {
		logger.Info("event sink enabled", zap.String("sink", sink.Name()))
	}
	return notify.NewFanout(logger, sinks...), func() {
		for _, c := range closers {
			c()
		}
	}
}

// newServer wires storage, event sinks, the booking service and the HTTP
// router. cleanup releases the storage and sink connections.
func newServer(ctx context.Context, cfg config.Config, logger *zap.Logger) (*http.Server, func(), error) {
	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	ledger := eventstore.NewLedger(store.events)
	fanout, closeSinks := publishers(cfg, ledger, logger)

	svc := booking.NewService(booking.Dependencies{
		Index:      store.index,
		Equipment:  store.equipment,
		Calculator: availability.NewCalculator(store.index, store.equipment, logger, cfg.StrictInvariants),
		Gate:       equipment.NewGate(store.equipment, store.index, time.Now, logger),
		Publisher:  fanout,
		History:    ledger,
		Logger:     logger,
		HoldTTL:    cfg.HoldTTL,
	})

	var admin booking.OverrideAuthorizer
	if cfg.AdminTokenHash != "" {
		admin = auth.NewOperator(cfg.AdminTokenHash, cfg.AdminTokenSalt)
	} else {
		logger.Warn("ADMIN_TOKEN_HASH not set; status overrides are disabled")
	}

	handler := booking.NewHandler(svc, admin, logger)
	limiter := booking.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           booking.NewRouter(handler, limiter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	cleanup := func() {
		closeSinks()
		if err := store.close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}
	return server, cleanup, nil
}

func main() {
	hashToken := flag.String("hash-token", "", "print ADMIN_TOKEN_HASH and ADMIN_TOKEN_SALT for the given token and exit")
	flag.Parse()

	if *hashToken != "" {
		hash, salt, err := auth.HashToken(*hashToken)
		if err != nil {
			log.Fatalf("Failed to hash token: %v", err)
		}
		fmt.Printf("ADMIN_TOKEN_HASH=%s\nADMIN_TOKEN_SALT=%s\n", hash, salt)
		return
	}

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

	shutdownTracing, err := telemetry.Setup(ctx, "rentalnexus-engine", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}

	server, cleanup, err := newServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build engine", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer cleanup()

	go func() {
		logger.Info("starting engine",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("backend", cfg.StoreBackend),
			zap.Duration("holdTTL", cfg.HoldTTL),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
}
