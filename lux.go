// Package lux supervises a set of local services declared in a root
// configuration file.
//
// A Supervisor loads every service module named by the configuration,
// registers it with the controller and runs the surrounding machinery: the
// admin API, Prometheus metrics, resource sampling, lifecycle history and
// configuration hot reload.
package lux

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/KockaAdmiralac/Lux/internal/auth"
	"github.com/KockaAdmiralac/Lux/internal/config"
	"github.com/KockaAdmiralac/Lux/internal/controller"
	"github.com/KockaAdmiralac/Lux/internal/cron"
	"github.com/KockaAdmiralac/Lux/internal/env"
	"github.com/KockaAdmiralac/Lux/internal/health"
	"github.com/KockaAdmiralac/Lux/internal/history"
	"github.com/KockaAdmiralac/Lux/internal/history/factory"
	"github.com/KockaAdmiralac/Lux/internal/loader"
	"github.com/KockaAdmiralac/Lux/internal/logger"
	"github.com/KockaAdmiralac/Lux/internal/metrics"
	"github.com/KockaAdmiralac/Lux/internal/scheduler"
	"github.com/KockaAdmiralac/Lux/internal/server"
	"github.com/KockaAdmiralac/Lux/internal/service"
	luxtls "github.com/KockaAdmiralac/Lux/internal/tls"
	"github.com/KockaAdmiralac/Lux/internal/transport"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = service.Status

type WaitStatus = scheduler.WaitStatus

type Event = controller.Event

type Observer = controller.Observer

type ObserverFunc = controller.ObserverFunc

type Result = controller.Result

// ErrNoServices is returned by Load when not a single service registered.
var ErrNoServices = errors.New("no services registered")

// Options are the collaborators of a Supervisor. Every field is optional.
type Options struct {
	Logger    *slog.Logger
	Observers []Observer
	// Transport replaces process spawning, mainly for tests.
	Transport transport.Transport
	// Registerer receives the metrics; prometheus.DefaultRegisterer when nil.
	Registerer prometheus.Registerer
}

// Supervisor ties a configuration to a running controller.
type Supervisor struct {
	log   *slog.Logger
	ctrl  *controller.Controller
	usage *metrics.UsageCollector
	auth  *auth.Service
	cron  *cron.Scheduler

	recorder *history.Recorder
	sink     history.Sink

	mu  sync.Mutex
	cfg *config.Config
}

// New builds a supervisor for cfg. It fails when the environment files or the
// history sink cannot be opened, and on invalid admin users or schedules.
func New(cfg *config.Config, opts Options) (*Supervisor, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{log: log, cfg: cfg}

	tr := opts.Transport
	if tr == nil {
		vars, err := cfg.Environ()
		if err != nil {
			return nil, fmt.Errorf("environment: %w", err)
		}
		e := env.New(vars)
		e.FromOS()
		tr = &transport.Exec{Env: e, Stderr: serviceStderr(cfg.Log), Logger: log}
	}

	observers := append([]Observer(nil), opts.Observers...)
	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		s.sink = sink
		s.recorder = history.NewRecorder(sink, cfg.History.Buffer, log.With("component", "history"))
		observers = append(observers, s.recorder)
	}

	if cfg.Server.Listen != "" || cfg.Metrics.Listen != "" {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		s.usage = metrics.NewUsageCollector(cfg.Metrics.ProcessInterval, log)
		if err := s.usage.Register(reg); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	if cfg.Server.Auth.Enabled {
		a, err := auth.New(cfg.Server.Auth)
		if err != nil {
			return nil, fmt.Errorf("admin auth: %w", err)
		}
		s.auth = a
	}

	s.ctrl = controller.New(controller.Options{
		Transport:   tr,
		Observers:   observers,
		Logger:      log,
		Heartbeat:   cfg.Heartbeat,
		StopTimeout: cfg.StopTimeout,
	})

	s.cron = cron.NewScheduler(s.ctrl, log)
	for _, j := range cfg.Schedules {
		if err := s.cron.Add(j); err != nil {
			_ = s.ctrl.Shutdown(context.Background())
			return nil, fmt.Errorf("schedules: %w", err)
		}
	}
	return s, nil
}

// Config returns the configuration currently in effect.
func (s *Supervisor) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Load registers every service of the configuration. Rejected services are
// returned joined; ErrNoServices is added when nothing registered.
func (s *Supervisor) Load() (int, error) {
	specs, loadErr := loader.New(s.Config(), s.log).Load()
	regErr := s.ctrl.Register(specs...)
	n := len(s.ctrl.Status())
	err := errors.Join(loadErr, regErr)
	if n == 0 {
		err = errors.Join(err, ErrNoServices)
	}
	return n, err
}

// Register adds specs built outside the configuration.
func (s *Supervisor) Register(specs ...service.Spec) error { return s.ctrl.Register(specs...) }

func (s *Supervisor) Start(name string) error { return s.ctrl.Start(name) }
func (s *Supervisor) Stop(name string) error  { return s.ctrl.Stop(name) }
func (s *Supervisor) StartAll() []Result      { return s.ctrl.StartAll() }

func (s *Supervisor) Do(name string, a protocol.Action) error {
	return s.ctrl.Do(name, a)
}

func (s *Supervisor) Reload(name string, cfg map[string]any) error {
	return s.ctrl.Reload(name, cfg)
}

func (s *Supervisor) Status() []Status { return s.ctrl.Status() }

func (s *Supervisor) StatusOf(name string) (Status, error) {
	return s.ctrl.StatusOf(name)
}

func (s *Supervisor) Waiting(name string) (WaitStatus, bool) {
	return s.ctrl.Waiting(name)
}

func (s *Supervisor) Blocked() []WaitStatus { return s.ctrl.Blocked() }

// Controller exposes the underlying controller.
func (s *Supervisor) Controller() *controller.Controller { return s.ctrl }

// Handler returns the admin API handler.
func (s *Supervisor) Handler() http.Handler {
	r := server.NewRouter(s.ctrl, s.usageSource(), s.Config().Server.BasePath)
	if s.auth != nil {
		r.WithAuth(s.auth)
	}
	return r.Handler()
}

func (s *Supervisor) shutdownTimeout() time.Duration { return s.stopTimeout() + time.Second }

func (s *Supervisor) stopTimeout() time.Duration {
	cfg := s.Config()
	if cfg.StopTimeout > 0 {
		return cfg.StopTimeout
	}
	hb := cfg.Heartbeat
	if hb <= 0 {
		hb = health.DefaultInterval
	}
	return health.MissedBeats * hb
}

func (s *Supervisor) usageSource() server.UsageSource {
	if s.usage == nil {
		return nil
	}
	return s.usage
}

// Run starts the auto-start services and serves until ctx is done or one of
// the background tasks fails. It then shuts every service down.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.Config()
	var tlsCfg *tls.Config
	if cfg.Server.Listen != "" {
		var err error
		if tlsCfg, err = luxtls.Setup(s.tlsConfig()); err != nil {
			return fmt.Errorf("admin TLS: %w", err)
		}
	}

	for _, r := range s.ctrl.StartAll() {
		if r.Err != nil {
			s.log.Warn("auto-start failed", "service", r.Service, "error", r.Err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.recorder != nil {
		// Runs past gctx so the stop events of the shutdown are recorded.
		g.Go(func() error { return s.recorder.Run(context.Background()) })
	}
	if s.usage != nil {
		g.Go(func() error { return s.usage.Run(gctx, s.ctrl.PIDs) })
	}
	if s.cron.Len() > 0 {
		g.Go(func() error { return s.cron.Run(gctx) })
	}
	if cfg.Server.Listen != "" {
		srv := server.NewServer(cfg.Server.Listen, s.Handler(), tlsCfg)
		s.log.Info("admin API listening", "addr", cfg.Server.Listen, "tls", tlsCfg != nil, "auth", s.auth != nil)
		g.Go(func() error { return server.Serve(gctx, srv) })
	}
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := server.NewServer(cfg.Metrics.Listen, mux, nil)
		s.log.Info("metrics listening", "addr", cfg.Metrics.Listen)
		g.Go(func() error { return server.Serve(gctx, srv) })
	}
	if cfg.File != "" {
		w := &config.Watcher{Path: cfg.File, Logger: s.log, OnChange: s.apply}
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		err := s.ctrl.Shutdown(sctx)
		if s.recorder != nil {
			s.recorder.Close()
		}
		return err
	})

	err := g.Wait()
	s.closeSink()
	return err
}

// Shutdown releases a supervisor whose Run was never called: it stops every
// service and closes the history sink. Run does the same on its way out.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	err := s.ctrl.Shutdown(ctx)
	if s.recorder != nil {
		s.recorder.Close()
	}
	s.closeSink()
	return err
}

func (s *Supervisor) closeSink() {
	if c, ok := s.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.log.Warn("closing history sink", "error", err)
		}
	}
}

// apply forwards runtime config changes of services present in both the old
// and the new configuration.
func (s *Supervisor) apply(next *config.Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = next
	s.mu.Unlock()

	for _, svc := range config.Changed(prev, next) {
		err := s.ctrl.Reload(svc.Name, svc.Config)
		switch {
		case err == nil:
			s.log.Info("runtime config reloaded", "service", svc.Name)
		case errors.Is(err, protocol.SignalStopped):
			s.log.Debug("runtime config stored for next start", "service", svc.Name)
		default:
			s.log.Warn("runtime config reload failed", "service", svc.Name, "error", err)
		}
	}
}

// serviceStderr sends service stderr to its rotated file, or to the
// supervisor's own stderr when file logging is off.
func serviceStderr(lc logger.Config) func(name string) io.WriteCloser {
	return func(name string) io.WriteCloser {
		if w := lc.ServiceWriter(name); w != nil {
			return w
		}
		return nopCloser{os.Stderr}
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// tlsConfig resolves the TLS paths against the configuration directory.
func (s *Supervisor) tlsConfig() luxtls.Config {
	cfg := s.Config()
	t := cfg.Server.TLS
	t.CertFile = cfg.Resolve(t.CertFile)
	t.KeyFile = cfg.Resolve(t.KeyFile)
	t.Dir = cfg.Resolve(t.Dir)
	return t
}
