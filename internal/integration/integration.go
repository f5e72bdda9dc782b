// Package integration resolves the integrations a service asks for against the
// services that are currently running.
package integration

import (
	"errors"
	"fmt"
	"sort"

	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

var (
	ErrNotRunning      = errors.New("integration provider is not running")
	ErrNotIntegratable = errors.New("service is not integratable")
)

// Resolver turns integration names into references handed to a service in its
// connected message.
type Resolver interface {
	Resolve(names []string, running []*service.Record) ([]protocol.IntegrationRef, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(names []string, running []*service.Record) ([]protocol.IntegrationRef, error)

func (f ResolverFunc) Resolve(names []string, running []*service.Record) ([]protocol.IntegrationRef, error) {
	return f(names, running)
}

// Default matches each name with a running service of the same name that
// declares itself integratable. Names that cannot be matched are left out and
// reported in the joined error; the resolved references are returned anyway.
type Default struct{}

func (Default) Resolve(names []string, running []*service.Record) ([]protocol.IntegrationRef, error) {
	byName := make(map[string]*service.Record, len(running))
	for _, r := range running {
		byName[r.Name] = r
	}
	var refs []protocol.IntegrationRef
	var errs []error
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		r, ok := byName[n]
		switch {
		case !ok || r.State != protocol.StateRunning:
			errs = append(errs, fmt.Errorf("%s: %w", n, ErrNotRunning))
		case !r.Definition.Integratable:
			errs = append(errs, fmt.Errorf("%s: %w", n, ErrNotIntegratable))
		default:
			refs = append(refs, protocol.IntegrationRef{Name: n, Service: r.Name, Version: r.Definition.Version})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, errors.Join(errs...)
}
