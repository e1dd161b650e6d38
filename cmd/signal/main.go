package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"meshcall/internal/relay"
	"meshcall/pkg/config"
	"meshcall/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	zlog := logger.New(cfg.Logging.Level)
	defer zlog.Sync()

	metrics := relay.NewCollector(prometheus.DefaultRegisterer)
	registry := relay.NewRegistry(metrics, zlog)

	opts := relay.ServerOptions{
		PingInterval: cfg.Signal.PingInterval,
		PongTimeout:  cfg.Signal.PongTimeout,
		WriteTimeout: cfg.Signal.WriteTimeout,
	}
	if cfg.RateLimiting.Enabled {
		limit := rate.Limit(cfg.RateLimiting.MessagesPerSecond)
		opts.RateLimit = &limit
		opts.RateBurst = cfg.RateLimiting.Burst
	}

	server := relay.NewServer(registry, metrics, opts, zlog)
	router := relay.NewRouter(server, registry, cfg.Monitoring.PrometheusEnabled)

	srv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		zlog.Info("signaling relay listening", zap.String("address", cfg.Signal.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("relay server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Signal.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("relay shutdown incomplete", zap.Error(err))
	}
}
