package controller

import (
	"errors"
	"time"

	"github.com/KockaAdmiralac/Lux/internal/health"
	"github.com/KockaAdmiralac/Lux/internal/metrics"
	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// current returns the record of name if instance is still the process backing
// it. Traffic of older instances is stale and must be ignored.
func (c *Controller) current(name, instance string) *service.Record {
	rec := c.reg.Get(name)
	if rec == nil || rec.Instance != instance {
		return nil
	}
	return rec
}

func (c *Controller) handleMessage(name, instance string, raw []byte) {
	router := c.routers[instance]
	if router == nil || c.current(name, instance) == nil {
		c.log.Debug("dropping message of stale instance", "service", name, "instance", instance)
		return
	}
	router.Dispatch(raw)
}

func (c *Controller) handleExit(name, instance string, err error) {
	rec := c.current(name, instance)
	if rec == nil {
		return
	}
	from, requested := rec.State, rec.StopRequested
	c.sup.Exited(rec, err)
	c.forgetInstance(name, instance)
	c.changed(rec, from, instance)
	if requested {
		metrics.IncExit(name, "requested")
		return
	}
	metrics.IncExit(name, "unexpected")
	if err == nil {
		err = errors.New("process exited")
	}
	c.log.Warn("service exited unexpectedly", "service", name, "state", from, "error", err)
	c.emit(Event{Type: EventServiceError, Service: name, Instance: instance, From: from, State: rec.State, Err: err})
}

// newRouter builds the inbound dispatch table of one instance.
func (c *Controller) newRouter(name, instance string) *protocol.Router {
	r := protocol.NewRouter(c.log.With("service", name))
	r.OnDrop = func(_ []byte, err error) {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownAction) {
			reason = "unknown"
		}
		metrics.IncDropped(name, reason)
	}
	with := func(h func(*service.Record, protocol.Message)) protocol.HandlerFunc {
		return func(m protocol.Message) {
			metrics.IncMessage(name, m.Action)
			if rec := c.current(name, instance); rec != nil {
				h(rec, m)
			}
		}
	}
	r.Handle(protocol.ActionConnect, with(c.onConnect))
	r.Handle(protocol.ActionPing, with(c.onPing))
	r.Handle(protocol.ActionConnected, with(func(rec *service.Record, _ protocol.Message) {
		c.log.Debug("service acknowledged handshake", "service", rec.Name)
	}))
	for _, a := range protocol.LifecycleActions {
		r.Handle(a, with(c.onLifecycleReply))
	}
	return r
}

func (c *Controller) onConnect(rec *service.Record, m protocol.Message) {
	if rec.State != protocol.StateStarting {
		c.log.Warn("unexpected connect", "service", rec.Name, "state", rec.State)
		return
	}
	if err := c.transition(rec, protocol.StateConnecting); err != nil {
		c.log.Error("connect transition failed", "service", rec.Name, "error", err)
		return
	}
	rec.ConnectedAt = c.now()

	ready, err := c.sched.OnConnect(rec.Name, m.Dependencies)
	if err != nil {
		c.log.Error("rejecting service", "service", rec.Name, "error", err)
		c.emit(Event{Type: EventServiceError, Service: rec.Name, Instance: rec.Instance, Action: protocol.ActionConnect, State: rec.State, Err: err})
		c.kill(rec)
		return
	}
	if ready {
		return
	}
	ws, _ := c.sched.Waiting(rec.Name)
	c.updateWaiting()
	c.log.Info("service waiting for dependencies", "service", rec.Name, "unmet", ws.Unmet)
	c.emit(Event{Type: EventWaiting, Service: rec.Name, Instance: rec.Instance, State: rec.State, Dependencies: ws.Unmet})
	if err := ws.Err(); err != nil {
		c.log.Warn("service blocked", "service", rec.Name, "error", err)
		c.emit(Event{Type: EventBlocked, Service: rec.Name, Instance: rec.Instance, State: rec.State, Dependencies: ws.Unregistered, Err: err})
	}
}

// completeHandshake is called by the scheduler once every dependency of rec
// is running.
func (c *Controller) completeHandshake(rec *service.Record) {
	refs, err := c.resolver.Resolve(rec.Definition.Integrations, c.reg.InState(protocol.StateRunning))
	if err != nil {
		c.log.Warn("unresolved integrations", "service", rec.Name, "error", err)
	}
	def := rec.Definition
	c.sup.Send(rec, protocol.Message{
		Action:       protocol.ActionConnected,
		Name:         rec.Name,
		Definition:   &def,
		Config:       rec.RuntimeConfig,
		Integrations: refs,
	})
	if err := c.transition(rec, protocol.StateRunning); err != nil {
		c.log.Error("handshake transition failed", "service", rec.Name, "error", err)
		return
	}
	rec.RunningSince = c.now()
	metrics.ObserveHandshake(rec.Name, rec.RunningSince.Sub(rec.SpawnedAt).Seconds())
	c.log.Info("service running", "service", rec.Name, "dependencies", rec.Dependencies)
	c.sched.OnRunning(rec.Name)
	c.updateWaiting()
}

func (c *Controller) onPing(rec *service.Record, _ protocol.Message) {
	rec.LastHeartbeat = c.now()
	metrics.IncHeartbeat(rec.Name)
}

// onLifecycleReply handles a lifecycle verb echoed by the service. A signal in
// the reply means the service failed to carry out the verb.
func (c *Controller) onLifecycleReply(rec *service.Record, m protocol.Message) {
	if m.Signal == "" {
		c.log.Debug("lifecycle acknowledged", "service", rec.Name, "action", m.Action)
		return
	}
	c.log.Warn("service reported failure", "service", rec.Name, "action", m.Action, "signal", m.Signal)
	c.emit(Event{Type: EventServiceError, Service: rec.Name, Instance: rec.Instance, Action: m.Action, State: rec.State, Signal: m.Signal, Err: m.Signal})
}

// healthTarget lets the monitor act on the controller's records.
type healthTarget struct{ c *Controller }

var _ health.Target = healthTarget{}

func (t healthTarget) Running() []*service.Record {
	return t.c.reg.InState(protocol.StateRunning)
}

func (t healthTarget) Ping(rec *service.Record) {
	t.c.sup.Send(rec, protocol.Message{Action: protocol.ActionPing})
}

func (t healthTarget) Missed(rec *service.Record, silence time.Duration) {
	metrics.IncMissed(rec.Name)
	t.c.log.Warn("heartbeat missed, stopping service", "service", rec.Name, "silence", silence)
	t.c.emit(Event{Type: EventHeartbeatMissed, Service: rec.Name, Instance: rec.Instance, State: rec.State})
}

func (t healthTarget) Stop(rec *service.Record) { t.c.requestStop(rec) }

func (t healthTarget) Reap(name, instance string) {
	rec := t.c.reg.Get(name)
	if rec == nil {
		return
	}
	if rec.Alive() {
		if rec.Instance != instance {
			t.c.log.Debug("service restarted during recovery, keeping it", "service", name)
			return
		}
		t.c.kill(rec)
	}
	t.c.remove(rec)
}
