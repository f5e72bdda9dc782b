package controller

import (
	"sort"

	"github.com/KockaAdmiralac/Lux/internal/metrics"
	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Lifecycle calls return nil, ErrUnknownService, a protocol.Signal naming why
// the call was rejected, or a spawn error. Rejections leave the service as it
// was and perform no process action.

// Start spawns a dead service or resumes a paused one.
func (c *Controller) Start(name string) error {
	return c.lifecycle(name, protocol.ActionStart, c.start)
}

// StartAll starts every auto-start service in name order. Every service is
// attempted; a failure of one does not prevent the others from starting.
func (c *Controller) StartAll() []Result {
	var out []Result
	err := c.call(func() {
		for _, rec := range c.reg.Records() {
			if !rec.AutoStart {
				continue
			}
			err := c.start(rec)
			if err != nil {
				c.reject(rec, protocol.ActionStart, err)
			}
			out = append(out, Result{Service: rec.Name, Err: err})
		}
	})
	if err != nil {
		return []Result{{Err: err}}
	}
	return out
}

// Stop asks a live service to stop. If it has not exited after the stop
// timeout it is killed; the record stays registered.
func (c *Controller) Stop(name string) error {
	return c.lifecycle(name, protocol.ActionStop, func(rec *service.Record) error {
		if rec.State == protocol.StateDead {
			return protocol.SignalStopped
		}
		c.requestStop(rec)
		instance := rec.Instance
		c.after(c.stopTimeout, func() {
			r := c.reg.Get(rec.Name)
			if r == nil || r.Instance != instance || !r.Alive() {
				return
			}
			c.log.Warn("service did not stop in time, killing", "service", r.Name, "timeout", c.stopTimeout)
			c.kill(r)
		})
		return nil
	})
}

// Restart spawns a dead service; a live one is told to restart itself.
func (c *Controller) Restart(name string) error {
	return c.lifecycle(name, protocol.ActionRestart, func(rec *service.Record) error {
		if rec.State == protocol.StateDead {
			return c.spawn(rec)
		}
		c.sup.Send(rec, protocol.Message{Action: protocol.ActionRestart})
		return nil
	})
}

// Pause moves a running service to Paused.
func (c *Controller) Pause(name string) error {
	return c.lifecycle(name, protocol.ActionPause, func(rec *service.Record) error {
		if rec.State != protocol.StateRunning {
			return protocol.SignalNotRunning
		}
		if err := c.transition(rec, protocol.StatePaused); err != nil {
			return err
		}
		c.sup.Send(rec, protocol.Message{Action: protocol.ActionPause})
		return nil
	})
}

func (c *Controller) Update(name string) error {
	return c.lifecycle(name, protocol.ActionUpdate, c.forward(protocol.ActionUpdate))
}

func (c *Controller) Reset(name string) error {
	return c.lifecycle(name, protocol.ActionReset, c.forward(protocol.ActionReset))
}

func (c *Controller) Initialize(name string) error {
	return c.lifecycle(name, protocol.ActionInitialize, c.forward(protocol.ActionInitialize))
}

// Reload replaces the runtime config of name when cfg is not nil and tells a
// live service to reload it. The stored config is replaced even when the
// service is dead, so the next start uses it.
func (c *Controller) Reload(name string, cfg map[string]any) error {
	return c.lifecycle(name, protocol.ActionReload, func(rec *service.Record) error {
		if cfg != nil {
			rec.RuntimeConfig = cfg
		}
		if rec.State == protocol.StateDead {
			return protocol.SignalStopped
		}
		c.sup.Send(rec, protocol.Message{Action: protocol.ActionReload, Config: rec.RuntimeConfig})
		return nil
	})
}

// Do runs the lifecycle verb a on name.
func (c *Controller) Do(name string, a protocol.Action) error {
	switch a {
	case protocol.ActionStart:
		return c.Start(name)
	case protocol.ActionStop:
		return c.Stop(name)
	case protocol.ActionRestart:
		return c.Restart(name)
	case protocol.ActionPause:
		return c.Pause(name)
	case protocol.ActionUpdate:
		return c.Update(name)
	case protocol.ActionReload:
		return c.Reload(name, nil)
	case protocol.ActionReset:
		return c.Reset(name)
	case protocol.ActionInitialize:
		return c.Initialize(name)
	}
	return protocol.ErrUnknownAction
}

// lifecycle runs op on the loop and reports rejections as user errors.
func (c *Controller) lifecycle(name string, a protocol.Action, op func(*service.Record) error) error {
	var err error
	cerr := c.call(func() {
		rec := c.reg.Get(name)
		if rec == nil {
			err = ErrUnknownService
			c.emit(Event{Type: EventUserError, Service: name, Action: a, Err: err})
			return
		}
		if err = op(rec); err != nil {
			c.reject(rec, a, err)
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// reject reports err. Signals are user errors, anything else comes from the
// service side and was already reported where it happened.
func (c *Controller) reject(rec *service.Record, a protocol.Action, err error) {
	sig, ok := err.(protocol.Signal)
	if !ok {
		return
	}
	c.log.Debug("lifecycle call rejected", "service", rec.Name, "action", a, "signal", sig)
	c.emit(Event{Type: EventUserError, Service: rec.Name, Action: a, State: rec.State, Signal: sig, Err: err})
}

func (c *Controller) forward(a protocol.Action) func(*service.Record) error {
	return func(rec *service.Record) error {
		if rec.State == protocol.StateDead {
			return protocol.SignalStopped
		}
		c.sup.Send(rec, protocol.Message{Action: a})
		return nil
	}
}

func (c *Controller) start(rec *service.Record) error {
	switch rec.State {
	case protocol.StateRunning:
		return protocol.SignalRunning
	case protocol.StateStarting, protocol.StateConnecting:
		return protocol.SignalStarting
	case protocol.StatePaused:
		if err := c.transition(rec, protocol.StateRunning); err != nil {
			return err
		}
		// paused services are not probed, the silence must not count
		rec.RunningSince = c.now()
		c.sup.Send(rec, protocol.Message{Action: protocol.ActionStart})
		c.sched.OnRunning(rec.Name)
		c.updateWaiting()
		return nil
	}
	return c.spawn(rec)
}

func (c *Controller) spawn(rec *service.Record) error {
	from := rec.State
	if err := c.sup.Spawn(rec); err != nil {
		if _, isSignal := err.(protocol.Signal); !isSignal {
			c.log.Error("spawn failed", "service", rec.Name, "path", rec.Path, "error", err)
			c.emit(Event{Type: EventServiceError, Service: rec.Name, Action: protocol.ActionStart, State: rec.State, Err: err})
		}
		return err
	}
	c.routers[rec.Instance] = c.newRouter(rec.Name, rec.Instance)
	metrics.IncSpawn(rec.Name)
	c.changed(rec, from, rec.Instance)
	return nil
}

// requestStop sends stop to rec and marks the exit as expected.
func (c *Controller) requestStop(rec *service.Record) {
	rec.StopRequested = true
	c.sup.Send(rec, protocol.Message{Action: protocol.ActionStop})
}

// kill terminates rec and clears everything bound to its instance.
func (c *Controller) kill(rec *service.Record) {
	from, instance := rec.State, rec.Instance
	if !c.sup.Kill(rec) {
		return
	}
	metrics.IncExit(rec.Name, "killed")
	c.forgetInstance(rec.Name, instance)
	c.changed(rec, from, instance)
}

func (c *Controller) forgetInstance(name, instance string) {
	delete(c.routers, instance)
	c.sched.Forget(name)
	c.updateWaiting()
}

// remove drops rec from the registry.
func (c *Controller) remove(rec *service.Record) {
	if !c.reg.Remove(rec.Name) {
		return
	}
	c.sched.Forget(rec.Name)
	c.health.Forget(rec.Name)
	metrics.IncRemoval(rec.Name)
	metrics.ForgetService(rec.Name)
	c.log.Info("service removed", "service", rec.Name)
	c.emit(Event{Type: EventRemoved, Service: rec.Name, State: rec.State})

	// waiters on rec can no longer be released
	for _, ws := range c.sched.Blocked() {
		if i := sort.SearchStrings(ws.Unregistered, rec.Name); i < len(ws.Unregistered) && ws.Unregistered[i] == rec.Name {
			c.log.Warn("service blocked on removed dependency", "service", ws.Service, "dependency", rec.Name)
			c.emit(Event{Type: EventBlocked, Service: ws.Service, Dependencies: ws.Unregistered, Err: ws.Err()})
		}
	}
	c.updateWaiting()
}

func (c *Controller) updateWaiting() {
	metrics.SetWaiting(len(c.sched.All()))
}
