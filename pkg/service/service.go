// Package service is the runtime for programs supervised by Lux.
//
// A service executable builds a Runner around its Lifecycle and calls Run.
// The runner announces the service's dependencies, waits until the
// supervisor admits it, then answers heartbeats and lifecycle verbs until it
// is told to stop:
//
//	r := service.NewRunner(service.Options{
//		Dependencies: []string{"db"},
//		Lifecycle: service.Funcs{
//			OnStart: func(ctx context.Context, info service.Info) error { ... },
//		},
//	})
//	if err := r.Run(ctx); err != nil { ... }
package service

import (
	"context"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Info is what the supervisor hands to an admitted service.
type Info struct {
	Name         string
	Definition   protocol.Definition
	Config       map[string]any
	Integrations []protocol.IntegrationRef
}

// Lifecycle is implemented by service authors. A returned error is echoed to
// the supervisor as the verb's signal; return a protocol.Signal to pick the
// name.
type Lifecycle interface {
	Start(ctx context.Context, info Info) error
	Stop(ctx context.Context, info Info) error
	Restart(ctx context.Context, info Info) error
	Pause(ctx context.Context, info Info) error
	Update(ctx context.Context, info Info) error
	// Reload receives Info with the new runtime config already in place.
	Reload(ctx context.Context, info Info) error
	Reset(ctx context.Context, info Info) error
	Initialize(ctx context.Context, info Info) error
}

// HookFunc is one lifecycle callback.
type HookFunc func(ctx context.Context, info Info) error

// Funcs is a Lifecycle built from optional callbacks. Nil callbacks succeed.
type Funcs struct {
	OnStart      HookFunc
	OnStop       HookFunc
	OnRestart    HookFunc
	OnPause      HookFunc
	OnUpdate     HookFunc
	OnReload     HookFunc
	OnReset      HookFunc
	OnInitialize HookFunc
}

var _ Lifecycle = Funcs{}

func call(f HookFunc, ctx context.Context, info Info) error {
	if f == nil {
		return nil
	}
	return f(ctx, info)
}

func (f Funcs) Start(ctx context.Context, i Info) error      { return call(f.OnStart, ctx, i) }
func (f Funcs) Stop(ctx context.Context, i Info) error       { return call(f.OnStop, ctx, i) }
func (f Funcs) Restart(ctx context.Context, i Info) error    { return call(f.OnRestart, ctx, i) }
func (f Funcs) Pause(ctx context.Context, i Info) error      { return call(f.OnPause, ctx, i) }
func (f Funcs) Update(ctx context.Context, i Info) error     { return call(f.OnUpdate, ctx, i) }
func (f Funcs) Reload(ctx context.Context, i Info) error     { return call(f.OnReload, ctx, i) }
func (f Funcs) Reset(ctx context.Context, i Info) error      { return call(f.OnReset, ctx, i) }
func (f Funcs) Initialize(ctx context.Context, i Info) error { return call(f.OnInitialize, ctx, i) }
