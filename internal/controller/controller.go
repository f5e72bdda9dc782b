// Package controller is the orchestration core of Lux. A Controller owns the
// service registry and drives the supervisor, the dependency scheduler and the
// health monitor from a single goroutine.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/KockaAdmiralac/Lux/internal/health"
	"github.com/KockaAdmiralac/Lux/internal/integration"
	"github.com/KockaAdmiralac/Lux/internal/metrics"
	"github.com/KockaAdmiralac/Lux/internal/scheduler"
	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/internal/supervisor"
	"github.com/KockaAdmiralac/Lux/internal/transport"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

var (
	ErrUnknownService = errors.New("unknown service")
	ErrClosed         = errors.New("controller is shut down")
)

type Options struct {
	Transport transport.Transport
	// Resolver defaults to integration.Default.
	Resolver  integration.Resolver
	Observers []Observer
	Logger    *slog.Logger
	// Heartbeat is the health probe tick H.
	Heartbeat time.Duration
	// StopTimeout is how long a stopped service may take to exit before it is
	// killed. Defaults to 4 heartbeats.
	StopTimeout time.Duration
	// Now overrides the clock used for timestamps.
	Now func() time.Time
}

// Result is the outcome of starting one service.
type Result struct {
	Service string `json:"service"`
	Err     error  `json:"-"`
}

type Controller struct {
	log         *slog.Logger
	reg         *service.Registry
	sup         *supervisor.Supervisor
	sched       *scheduler.Scheduler
	health      *health.Monitor
	resolver    integration.Resolver
	observers   []Observer
	stopTimeout time.Duration
	now         func() time.Time

	// routers holds the inbound dispatch table of every live instance.
	routers map[string]*protocol.Router

	inbox    chan func()
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// New builds a controller and starts its loop.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = integration.Default{}
	}
	c := &Controller{
		log:       log,
		reg:       service.NewRegistry(),
		resolver:  resolver,
		observers: append([]Observer(nil), opts.Observers...),
		now:       now,
		routers:   make(map[string]*protocol.Router),
		inbox:     make(chan func(), 256),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.sup = supervisor.New(opts.Transport, supervisor.Handlers{
		OnMessage: func(name, instance string, raw []byte) {
			c.post(func() { c.handleMessage(name, instance, raw) })
		},
		OnExit: func(name, instance string, err error) {
			c.post(func() { c.handleExit(name, instance, err) })
		},
	}, log)
	c.sched = scheduler.New(c.reg, c.completeHandshake)
	c.health = health.New(opts.Heartbeat, healthTarget{c}, c.after)
	c.stopTimeout = opts.StopTimeout
	if c.stopTimeout <= 0 {
		c.stopTimeout = c.health.Grace()
	}

	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.health.Interval())
	defer ticker.Stop()
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-ticker.C:
			c.health.Tick(c.now())
		case <-c.quit:
			return
		}
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case c.inbox <- func() { fn(); close(finished) }:
	case <-c.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// post queues fn on the loop without waiting. It is used by transport
// goroutines and timers.
func (c *Controller) post(fn func()) {
	select {
	case c.inbox <- fn:
	case <-c.done:
	}
}

// after runs fn on the loop once d has passed.
func (c *Controller) after(d time.Duration, fn func()) {
	time.AfterFunc(d, func() { c.post(fn) })
}

func (c *Controller) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = c.now()
	}
	for _, o := range c.observers {
		o.Observe(ev)
	}
}

// changed reports a state change of rec that happened since from. instance is
// the process the change belongs to; kills and exits have already cleared it
// from rec.
func (c *Controller) changed(rec *service.Record, from protocol.State, instance string) {
	if rec.State == from {
		return
	}
	metrics.RecordStateTransition(rec.Name, from, rec.State)
	c.log.Debug("state changed", "service", rec.Name, "from", from, "to", rec.State)
	c.emit(Event{Type: EventStateChanged, Service: rec.Name, Instance: instance, From: from, State: rec.State})
}

func (c *Controller) transition(rec *service.Record, to protocol.State) error {
	from := rec.State
	if err := rec.Transition(to); err != nil {
		return err
	}
	c.changed(rec, from, rec.Instance)
	return nil
}

// Register adds specs to the registry. Duplicate names are rejected (the first
// registration wins) and so is every service whose declared dependencies form
// a cycle. Other specs are registered. The rejections are returned joined, each
// as a *service.RegistrationError.
//
// Cycles are checked against the whole registry, but only members of this call
// can be rejected. A member registered by an earlier call stays registered; it
// gets a registrationError event carrying the *scheduler.CycleError and is not
// part of the returned error.
func (c *Controller) Register(specs ...service.Spec) error {
	var err error
	if cerr := c.call(func() { err = c.register(specs) }); cerr != nil {
		return cerr
	}
	return err
}

func (c *Controller) register(specs []service.Spec) error {
	var errs []error
	reject := func(name string, err error) {
		rerr := &service.RegistrationError{Service: name, Err: err}
		errs = append(errs, rerr)
		c.log.Warn("service rejected", "service", name, "error", err)
		c.emit(Event{Type: EventRegistrationError, Service: name, Err: rerr})
	}

	var batch []service.Spec
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if c.reg.Has(s.Name) || seen[s.Name] {
			reject(s.Name, fmt.Errorf("%w: %s", service.ErrDuplicate, s.Name))
			continue
		}
		seen[s.Name] = true
		batch = append(batch, s)
	}

	graph := make(map[string][]string, c.reg.Len()+len(batch))
	for _, r := range c.reg.Records() {
		graph[r.Name] = r.Definition.Dependencies
	}
	for _, s := range batch {
		graph[s.Name] = s.Definition.Dependencies
	}
	inCycle := make(map[string]*scheduler.CycleError)
	for _, ce := range scheduler.FindCycles(graph) {
		for _, m := range ce.Members {
			inCycle[m] = ce
			if c.reg.Has(m) {
				// registered by an earlier call; it stays but will never connect
				c.log.Warn("registered service is part of a dependency cycle", "service", m, "error", ce)
				c.emit(Event{Type: EventRegistrationError, Service: m, Err: ce})
			}
		}
	}

	for _, s := range batch {
		if ce := inCycle[s.Name]; ce != nil {
			reject(s.Name, ce)
			continue
		}
		rec := service.NewRecord(s)
		if err := c.reg.Add(rec); err != nil {
			reject(s.Name, err)
			continue
		}
		c.log.Info("service registered", "service", s.Name, "version", s.Definition.Version.String(), "autoStart", s.AutoStart)
		c.emit(Event{Type: EventRegistered, Service: s.Name, State: rec.State})
	}
	return errors.Join(errs...)
}

// Status returns a snapshot of every registered service, ordered by name.
func (c *Controller) Status() []service.Status {
	var out []service.Status
	_ = c.call(func() {
		for _, r := range c.reg.Records() {
			out = append(out, r.Snapshot())
		}
	})
	return out
}

// StatusOf returns a snapshot of name.
func (c *Controller) StatusOf(name string) (service.Status, error) {
	var st service.Status
	err := ErrUnknownService
	if cerr := c.call(func() {
		if r := c.reg.Get(name); r != nil {
			st, err = r.Snapshot(), nil
		}
	}); cerr != nil {
		return st, cerr
	}
	return st, err
}

// Waiting reports which dependencies hold back the handshake of name.
func (c *Controller) Waiting(name string) (scheduler.WaitStatus, bool) {
	var ws scheduler.WaitStatus
	var ok bool
	_ = c.call(func() { ws, ok = c.sched.Waiting(name) })
	return ws, ok
}

// Blocked returns the services waiting on dependencies that are not registered.
func (c *Controller) Blocked() []scheduler.WaitStatus {
	var out []scheduler.WaitStatus
	_ = c.call(func() { out = c.sched.Blocked() })
	return out
}

// PIDs maps every service backed by a process to its pid.
func (c *Controller) PIDs() map[string]int {
	out := make(map[string]int)
	_ = c.call(func() {
		for _, r := range c.reg.Records() {
			if pid := r.PID(); pid > 0 {
				out[r.Name] = pid
			}
		}
	})
	return out
}

// Shutdown asks every live service to stop, waits for them to exit until ctx
// is done, kills what is left and empties the registry. The loop is stopped
// afterwards and further calls return ErrClosed.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.call(func() {
		for _, r := range c.reg.Records() {
			if r.Alive() {
				c.requestStop(r)
			}
		}
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		alive := 0
		_ = c.call(func() {
			for _, r := range c.reg.Records() {
				if r.Alive() {
					alive++
				}
			}
		})
		if alive == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break wait
		case <-ticker.C:
		}
	}

	err := c.call(func() {
		for _, r := range c.reg.Records() {
			c.kill(r)
			c.remove(r)
		}
	})
	c.quitOnce.Do(func() { close(c.quit) })
	<-c.done
	c.log.Info("supervisor stopped")
	return err
}
