// Command server runs the room relay: it loads configuration, connects to
// Redis for both the update bus and snapshot persistence, and serves the
// HTTP surface (health, metrics, the debug causal-graph endpoint, and the
// websocket upgrade route) until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collabrelay/roomrelay/internal/bus"
	"github.com/collabrelay/roomrelay/internal/config"
	"github.com/collabrelay/roomrelay/internal/httpapi"
	"github.com/collabrelay/roomrelay/internal/kvstore"
	"github.com/collabrelay/roomrelay/internal/metrics"
	"github.com/collabrelay/roomrelay/internal/room"
	"github.com/collabrelay/roomrelay/internal/wsserver"
)

// shutdownPersistTimeout bounds how long graceful shutdown waits for every
// active room to flush its state to the snapshot store.
const shutdownPersistTimeout = 10 * time.Second

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("instanceId", cfg.InstanceID)
	slog.SetDefault(logger)
	logger.Info("starting", "port", cfg.Port, "evictionGrace", cfg.EvictionGrace)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	reg := metrics.New()
	redisBus := bus.NewRedisBus(redisClient)
	store := kvstore.NewRedisStore(redisClient)

	manager := room.NewManager(room.Config{
		Bus:           redisBus,
		KV:            store,
		Metrics:       reg,
		Logger:        logger,
		InstanceID:    cfg.InstanceID,
		EvictionGrace: cfg.EvictionGrace,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.SubscribeBus(ctx); err != nil {
		return fmt.Errorf("subscribing to bus: %w", err)
	}

	wsHandler := wsserver.New(manager, reg, logger, cfg.OutboundQueueSize)
	router := httpapi.NewRouter(manager, reg, wsHandler, logger, cfg.InstanceID)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-exit:
		logger.Info("signal caught, shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			cancel()
			return fmt.Errorf("listener failed: %w", err)
		}
	}

	// Stop accepting new socket registrations before tearing anything down,
	// so no room gains a new socket after we've started persisting it.
	wsHandler.Drain()

	persistCtx, persistCancel := context.WithTimeout(context.Background(), shutdownPersistTimeout)
	manager.PersistAll(persistCtx)
	persistCancel()

	cancel()
	_ = httpServer.Close()
	<-serveErr
	logger.Info("shutdown complete")
	return nil
}
