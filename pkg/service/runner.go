package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Options configures a Runner.
type Options struct {
	// Dependencies are announced in the connect message. They replace the
	// list of the service definition.
	Dependencies []string
	Lifecycle    Lifecycle
	// Logger defaults to a text logger on stderr, which the supervisor keeps
	// as the service log.
	Logger *slog.Logger
	// In and Out default to stdin and stdout.
	In  io.Reader
	Out io.Writer
}

// Runner speaks the service side of the protocol.
type Runner struct {
	deps []string
	lc   Lifecycle
	log  *slog.Logger
	in   io.Reader
	enc  *protocol.Encoder

	mu    sync.Mutex
	state protocol.State
	info  Info

	stopped chan struct{}
}

func NewRunner(opts Options) *Runner {
	if opts.Lifecycle == nil {
		opts.Lifecycle = Funcs{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Runner{
		deps:    append([]string{}, opts.Dependencies...),
		lc:      opts.Lifecycle,
		log:     opts.Logger,
		in:      opts.In,
		enc:     protocol.NewEncoder(opts.Out),
		state:   protocol.StateStarting,
		stopped: make(chan struct{}),
	}
}

// State is the runner's view of its own lifecycle state.
func (r *Runner) State() protocol.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Info returns what the supervisor sent on admission and the latest reload.
func (r *Runner) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

func (r *Runner) setState(s protocol.State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run connects to the supervisor and serves messages until stop is handled,
// the input is closed, or ctx is done. Messages are handled one at a time.
func (r *Runner) Run(ctx context.Context) error {
	router := r.router(ctx)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		readErr <- protocol.ReadLines(r.in, func(b []byte) {
			select {
			case lines <- b:
			case <-done:
			}
		}, func(size int) {
			r.log.Warn("dropping oversized message", "bytes", size)
		})
	}()

	if err := r.enc.Encode(protocol.Message{Action: protocol.ActionConnect, Dependencies: r.deps}); err != nil {
		return err
	}
	r.setState(protocol.StateConnecting)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopped:
			return nil
		case raw := <-lines:
			router.Dispatch(raw)
		case err := <-readErr:
			// Lines already queued were handled; the supervisor is gone.
			r.setState(protocol.StateDead)
			if err == nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (r *Runner) router(ctx context.Context) *protocol.Router {
	router := protocol.NewRouter(r.log)
	router.Handle(protocol.ActionConnected, func(m protocol.Message) { r.onConnected(ctx, m) })
	router.Handle(protocol.ActionPing, func(protocol.Message) {
		r.send(protocol.Message{Action: protocol.ActionPing})
	})
	router.Handle(protocol.ActionStart, r.verb(ctx, protocol.ActionStart, r.start))
	router.Handle(protocol.ActionStop, r.verb(ctx, protocol.ActionStop, r.stop))
	router.Handle(protocol.ActionPause, r.verb(ctx, protocol.ActionPause, r.pause))
	router.Handle(protocol.ActionRestart, r.verb(ctx, protocol.ActionRestart, r.lc.Restart))
	router.Handle(protocol.ActionUpdate, r.verb(ctx, protocol.ActionUpdate, r.lc.Update))
	router.Handle(protocol.ActionReset, r.verb(ctx, protocol.ActionReset, r.lc.Reset))
	router.Handle(protocol.ActionInitialize, r.verb(ctx, protocol.ActionInitialize, r.lc.Initialize))
	router.Handle(protocol.ActionReload, func(m protocol.Message) {
		if m.Config != nil {
			r.mu.Lock()
			r.info.Config = m.Config
			r.mu.Unlock()
		}
		r.verb(ctx, protocol.ActionReload, r.lc.Reload)(m)
	})
	return router
}

func (r *Runner) onConnected(ctx context.Context, m protocol.Message) {
	if r.State() != protocol.StateConnecting {
		r.log.Warn("unexpected connected", "state", r.State())
		return
	}
	r.mu.Lock()
	r.info = Info{Name: m.Name, Config: m.Config, Integrations: m.Integrations}
	if m.Definition != nil {
		r.info.Definition = *m.Definition
	}
	r.mu.Unlock()
	r.send(protocol.Message{Action: protocol.ActionConnected})
	r.log.Info("admitted", "service", m.Name, "integrations", len(m.Integrations))

	if err := r.start(ctx, r.Info()); err != nil {
		r.reply(protocol.ActionStart, err)
	}
}

// verb runs op with the current Info and echoes the verb, carrying a signal
// when op failed.
func (r *Runner) verb(ctx context.Context, a protocol.Action, op HookFunc) protocol.HandlerFunc {
	return func(protocol.Message) {
		r.reply(a, op(ctx, r.Info()))
	}
}

func (r *Runner) reply(a protocol.Action, err error) {
	m := protocol.Message{Action: a}
	if err != nil {
		var sig protocol.Signal
		if !errors.As(err, &sig) {
			sig = protocol.Signal(err.Error())
		}
		m.Signal = sig
		r.log.Warn("lifecycle failed", "action", a, "error", err)
	}
	r.send(m)
}

func (r *Runner) send(m protocol.Message) {
	if err := r.enc.Encode(m); err != nil {
		r.log.Error("send failed", "action", m.Action, "error", err)
	}
}

func (r *Runner) start(ctx context.Context, info Info) error {
	if r.State() == protocol.StateRunning {
		return protocol.SignalRunning
	}
	if err := r.lc.Start(ctx, info); err != nil {
		return err
	}
	r.setState(protocol.StateRunning)
	return nil
}

func (r *Runner) stop(ctx context.Context, info Info) error {
	if r.State() == protocol.StateDead {
		return protocol.SignalStopped
	}
	err := r.lc.Stop(ctx, info)
	r.setState(protocol.StateDead)
	close(r.stopped)
	return err
}

func (r *Runner) pause(ctx context.Context, info Info) error {
	if r.State() != protocol.StateRunning {
		return protocol.SignalNotRunning
	}
	if err := r.lc.Pause(ctx, info); err != nil {
		return err
	}
	r.setState(protocol.StatePaused)
	return nil
}
