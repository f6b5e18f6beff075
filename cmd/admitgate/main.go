package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/AlexKimmel/admitgate/internal/config"
	"github.com/AlexKimmel/admitgate/internal/obs"
	"github.com/AlexKimmel/admitgate/internal/server"
)

func main() {
	path := os.Getenv("ADMITGATE_CONFIG")
	if path == "" {
		path = "./config.yaml"
	}

	boot := obs.NewLogger(os.Stderr, "info")

	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		boot.Warn().Str("path", path).Msg("config file not found, using defaults")
		cfg, err = config.Parse(nil)
	}
	if err != nil {
		boot.Fatal().Err(err).Str("path", path).Msg("load config")
	}

	logger := obs.NewLogger(os.Stdout, cfg.Observability.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	gw, err := server.New(cfg, logger, reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build gateway")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepersDone := make(chan struct{})
	go func() {
		gw.RunSweepers(ctx)
		close(sweepersDone)
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           gw.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Int("limiters", len(gw.Limiters)).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	<-sweepersDone
	logger.Info().Msg("bye")
}
