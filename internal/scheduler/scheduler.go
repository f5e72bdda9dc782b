// Package scheduler gates the connect/connected handshake on dependency
// readiness. It is driven from the controller loop and is not safe for
// concurrent use.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// ErrUnknownDependency marks a wait on a name that is not registered.
var ErrUnknownDependency = errors.New("dependency is not registered")

// WaitEntry is a service whose handshake is held back by unmet dependencies.
type WaitEntry struct {
	Service string
	Unmet   map[string]struct{}
	Since   time.Time
}

// WaitStatus is a read-only view of a WaitEntry.
type WaitStatus struct {
	Service      string    `json:"service"`
	Unmet        []string  `json:"unmet"`
	Unregistered []string  `json:"unregistered,omitempty"`
	Since        time.Time `json:"since"`
}

// Err returns an ErrUnknownDependency error when some unmet dependency is not
// registered, nil otherwise.
func (w WaitStatus) Err() error {
	if len(w.Unregistered) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownDependency, strings.Join(w.Unregistered, ", "))
}

// CompleteFunc finishes the handshake of a service whose dependencies are all
// running.
type CompleteFunc func(rec *service.Record)

type Scheduler struct {
	reg      *service.Registry
	complete CompleteFunc
	entries  map[string]*WaitEntry
	// waiters maps a dependency name to the services waiting on it.
	waiters map[string]map[string]struct{}
	now     func() time.Time
}

func New(reg *service.Registry, complete CompleteFunc) *Scheduler {
	return &Scheduler{
		reg:      reg,
		complete: complete,
		entries:  make(map[string]*WaitEntry),
		waiters:  make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// OnConnect records deps as the authoritative dependency list of name and
// either completes the handshake right away or queues name behind the
// dependencies that are not running. It reports whether the handshake
// completed. A list that would close a wait cycle is rejected with a
// *CycleError and leaves the record untouched.
func (s *Scheduler) OnConnect(name string, deps []string) (bool, error) {
	rec := s.reg.Get(name)
	if rec == nil {
		return false, fmt.Errorf("scheduler: unknown service %q", name)
	}
	deps = dedupe(deps)

	unmet := make(map[string]struct{})
	for _, d := range deps {
		if dep := s.reg.Get(d); dep == nil || dep.State != protocol.StateRunning {
			unmet[d] = struct{}{}
		}
	}
	if err := s.checkCycle(name, unmet); err != nil {
		return false, err
	}

	s.Forget(name)
	rec.Dependencies = deps
	rec.Pending = 0
	for d := range unmet {
		set := s.waiters[d]
		if set == nil {
			set = make(map[string]struct{})
			s.waiters[d] = set
		}
		set[name] = struct{}{}
		rec.Pending++
	}
	if rec.Pending == 0 {
		s.complete(rec)
		return true, nil
	}
	s.entries[name] = &WaitEntry{Service: name, Unmet: unmet, Since: s.now()}
	return false, nil
}

// checkCycle looks for a loop through name in the wait graph extended by the
// edges name -> unmet.
func (s *Scheduler) checkCycle(name string, unmet map[string]struct{}) error {
	graph := make(map[string][]string, len(s.entries)+1)
	for n, e := range s.entries {
		if n == name {
			continue
		}
		graph[n] = keys(e.Unmet)
	}
	graph[name] = keys(unmet)
	for _, c := range FindCycles(graph) {
		if contains(c.Members, name) {
			return c
		}
	}
	return nil
}

// OnRunning releases the services waiting on name. Each waiter loses name from
// its unmet set; those whose set becomes empty complete their handshake in
// name order.
func (s *Scheduler) OnRunning(name string) {
	set := s.waiters[name]
	if len(set) == 0 {
		return
	}
	delete(s.waiters, name)

	for _, w := range keys(set) {
		e := s.entries[w]
		if e == nil {
			continue
		}
		if _, ok := e.Unmet[name]; !ok {
			continue
		}
		delete(e.Unmet, name)
		rec := s.reg.Get(w)
		if rec == nil {
			delete(s.entries, w)
			continue
		}
		rec.Pending--
		if rec.Pending == 0 {
			delete(s.entries, w)
			s.complete(rec)
		}
	}
}

// Forget drops the wait entry of name. Services waiting on name keep waiting.
func (s *Scheduler) Forget(name string) {
	e := s.entries[name]
	if e == nil {
		return
	}
	for d := range e.Unmet {
		if set := s.waiters[d]; set != nil {
			delete(set, name)
			if len(set) == 0 {
				delete(s.waiters, d)
			}
		}
	}
	delete(s.entries, name)
}

// Waiting reports why name has not completed its handshake.
func (s *Scheduler) Waiting(name string) (WaitStatus, bool) {
	e := s.entries[name]
	if e == nil {
		return WaitStatus{}, false
	}
	return s.status(e), true
}

// All returns every wait entry ordered by service name.
func (s *Scheduler) All() []WaitStatus {
	out := make([]WaitStatus, 0, len(s.entries))
	for _, n := range sortedNames(s.entries) {
		out = append(out, s.status(s.entries[n]))
	}
	return out
}

// Blocked returns the waits that depend on at least one unregistered service.
// Such waits never resolve on their own.
func (s *Scheduler) Blocked() []WaitStatus {
	var out []WaitStatus
	for _, w := range s.All() {
		if len(w.Unregistered) > 0 {
			out = append(out, w)
		}
	}
	return out
}

func (s *Scheduler) status(e *WaitEntry) WaitStatus {
	ws := WaitStatus{Service: e.Service, Unmet: keys(e.Unmet), Since: e.Since}
	for _, d := range ws.Unmet {
		if !s.reg.Has(d) {
			ws.Unregistered = append(ws.Unregistered, d)
		}
	}
	return ws
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, d := range in {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedNames(m map[string]*WaitEntry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
