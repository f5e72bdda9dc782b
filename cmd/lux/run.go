package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	lux "github.com/KockaAdmiralac/Lux"
	"github.com/KockaAdmiralac/Lux/internal/config"
)

// runSupervisor runs until SIGINT or SIGTERM. It fails when the
// configuration cannot be read or not a single service registers.
func runSupervisor(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log, closer := cfg.Log.New()
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	for _, w := range cfg.Warnings {
		log.Warn("configuration", "option", w.Option, "problem", w.Message)
	}

	sup, err := lux.New(cfg, lux.Options{Logger: log})
	if err != nil {
		return err
	}
	n, err := sup.Load()
	if errors.Is(err, lux.ErrNoServices) {
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if serr := sup.Shutdown(sctx); serr != nil {
			log.Warn("shutdown", "error", serr)
		}
		return err
	}
	if err != nil {
		log.Warn("some services were not registered", "error", err)
	}
	log.Info("starting", "title", cfg.Title, "services", n, "config", cfg.File)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}
