// Command echo-service is a minimal Lux service. It logs a greeting from its
// runtime config on every tick while running.
//
// Build it next to its definition, then run lux with example/config.json:
//
//	go build -o example/echo-service/main ./example/echo-service
//	LUX_CONFIG=example/config.json go run ./cmd/lux
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/KockaAdmiralac/Lux/pkg/service"
)

type echo struct {
	log *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (e *echo) greeting(info service.Info) (string, time.Duration) {
	msg, _ := info.Config["greeting"].(string)
	if msg == "" {
		msg = "hello from " + info.Name
	}
	every := time.Second
	if s, ok := info.Config["interval"].(string); ok {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			every = d
		}
	}
	return msg, every
}

func (e *echo) run(info service.Info) {
	e.halt()
	msg, every := e.greeting(info)
	ctx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.log.Info(msg)
			}
		}
	}()
}

func (e *echo) halt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *echo) running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	e := &echo{log: log}

	r := service.NewRunner(service.Options{
		Logger: log,
		Lifecycle: service.Funcs{
			OnStart: func(_ context.Context, info service.Info) error {
				e.run(info)
				return nil
			},
			OnStop: func(context.Context, service.Info) error {
				e.halt()
				return nil
			},
			OnPause: func(context.Context, service.Info) error {
				e.halt()
				return nil
			},
			OnRestart: func(_ context.Context, info service.Info) error {
				e.run(info)
				return nil
			},
			OnReload: func(_ context.Context, info service.Info) error {
				if e.running() {
					e.run(info)
				}
				return nil
			},
		},
	})
	if err := r.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
