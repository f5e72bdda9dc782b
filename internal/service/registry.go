package service

import (
	"fmt"
	"sort"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Registry maps service names to records. It is not safe for concurrent use:
// the controller loop is its only owner.
type Registry struct {
	records map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Add registers r. A name that is already present is rejected and the existing
// record is kept.
func (g *Registry) Add(r *Record) error {
	if _, ok := g.records[r.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, r.Name)
	}
	g.records[r.Name] = r
	return nil
}

func (g *Registry) Get(name string) *Record { return g.records[name] }

func (g *Registry) Has(name string) bool {
	_, ok := g.records[name]
	return ok
}

// Remove deletes name and reports whether it was present.
func (g *Registry) Remove(name string) bool {
	if _, ok := g.records[name]; !ok {
		return false
	}
	delete(g.records, name)
	return true
}

func (g *Registry) Len() int { return len(g.records) }

// Names returns registered names in sorted order.
func (g *Registry) Names() []string {
	names := make([]string, 0, len(g.records))
	for n := range g.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Records returns all records ordered by name.
func (g *Registry) Records() []*Record {
	names := g.Names()
	out := make([]*Record, 0, len(names))
	for _, n := range names {
		out = append(out, g.records[n])
	}
	return out
}

// InState returns the records currently in state s, ordered by name.
func (g *Registry) InState(states ...protocol.State) []*Record {
	var out []*Record
	for _, r := range g.Records() {
		for _, want := range states {
			if r.State == want {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
