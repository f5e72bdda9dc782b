// Package health probes running services and recovers the ones that stop
// answering: first a graceful stop, then a forced kill and removal.
package health

import (
	"time"

	"github.com/KockaAdmiralac/Lux/internal/service"
)

const (
	// DefaultInterval is the probe tick used when none is configured.
	DefaultInterval = time.Second
	// MissedBeats is how many ticks may pass without a reply, and how many
	// ticks the graceful stop is given before the kill.
	MissedBeats = 4
)

// Target is what the monitor acts on. All calls happen on the caller's
// goroutine, from Tick or from a callback scheduled through After.
type Target interface {
	// Running returns the records that should be probed.
	Running() []*service.Record
	Ping(rec *service.Record)
	// Missed reports that rec went stale.
	Missed(rec *service.Record, silence time.Duration)
	// Stop asks rec to stop gracefully.
	Stop(rec *service.Record)
	// Reap kills the instance if it is still the current one and removes the
	// service.
	Reap(name, instance string)
}

// AfterFunc schedules fn after d. The controller routes fn back onto its loop.
type AfterFunc func(d time.Duration, fn func())

type Monitor struct {
	interval time.Duration
	target   Target
	after    AfterFunc
	// recovering maps a service to the instance under recovery.
	recovering map[string]string
}

func New(interval time.Duration, target Target, after AfterFunc) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if after == nil {
		after = func(d time.Duration, fn func()) { time.AfterFunc(d, fn) }
	}
	return &Monitor{
		interval:   interval,
		target:     target,
		after:      after,
		recovering: make(map[string]string),
	}
}

func (m *Monitor) Interval() time.Duration { return m.interval }

// Threshold is the silence after which a service is stale.
func (m *Monitor) Threshold() time.Duration { return MissedBeats * m.interval }

// Grace is the time a stale service gets to stop before it is killed.
func (m *Monitor) Grace() time.Duration { return MissedBeats * m.interval }

// Recovering reports whether name is between its graceful stop and the reap.
func (m *Monitor) Recovering(name string) bool {
	_, ok := m.recovering[name]
	return ok
}

// Tick probes every running service once. Stale services enter recovery
// instead of being pinged.
func (m *Monitor) Tick(now time.Time) {
	for _, rec := range m.target.Running() {
		if inst, ok := m.recovering[rec.Name]; ok && inst == rec.Instance {
			continue
		}
		if !rec.Stale(now, m.Threshold()) {
			m.target.Ping(rec)
			continue
		}
		m.recover(rec, now)
	}
}

func (m *Monitor) recover(rec *service.Record, now time.Time) {
	name, instance := rec.Name, rec.Instance
	m.recovering[name] = instance

	last := rec.LastHeartbeat
	if rec.RunningSince.After(last) {
		last = rec.RunningSince
	}
	m.target.Missed(rec, now.Sub(last))
	m.target.Stop(rec)
	m.after(m.Grace(), func() {
		if m.recovering[name] == instance {
			delete(m.recovering, name)
		}
		m.target.Reap(name, instance)
	})
}

// Forget drops recovery bookkeeping of name.
func (m *Monitor) Forget(name string) { delete(m.recovering, name) }
