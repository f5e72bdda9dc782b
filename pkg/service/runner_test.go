package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

type harness struct {
	t      *testing.T
	in     *protocol.Encoder
	inW    *io.PipeWriter
	out    chan protocol.Message
	runner *Runner
	done   chan error
}

func newHarness(t *testing.T, deps []string, lc Lifecycle) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := &harness{
		t:    t,
		in:   protocol.NewEncoder(inW),
		inW:  inW,
		out:  make(chan protocol.Message, 16),
		done: make(chan error, 1),
	}
	h.runner = NewRunner(Options{
		Dependencies: deps,
		Lifecycle:    lc,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		In:           inR,
		Out:          outW,
	})
	go func() {
		_ = protocol.ReadLines(outR, func(b []byte) {
			m, err := protocol.Decode(b)
			if err == nil {
				h.out <- m
			}
		}, nil)
	}()
	go func() { h.done <- h.runner.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outW.Close()
	})
	return h
}

func (h *harness) send(m protocol.Message) {
	h.t.Helper()
	require.NoError(h.t, h.in.Encode(m))
}

func (h *harness) next() protocol.Message {
	h.t.Helper()
	select {
	case m := <-h.out:
		return m
	case <-time.After(2 * time.Second):
		h.t.Fatal("no message from runner")
		return protocol.Message{}
	}
}

func (h *harness) admit() {
	h.t.Helper()
	def := protocol.Definition{Name: "echo", Version: protocol.Version{Major: 1}}
	h.send(protocol.Message{
		Action:       protocol.ActionConnected,
		Name:         "echo",
		Definition:   &def,
		Config:       map[string]any{"greeting": "hi"},
		Integrations: []protocol.IntegrationRef{{Name: "db", Service: "db"}},
	})
	assert.Equal(h.t, protocol.ActionConnected, h.next().Action)
}

type recorder struct {
	mu    sync.Mutex
	calls []string
	infos []Info
}

func (r *recorder) hook(name string, err error) HookFunc {
	return func(_ context.Context, info Info) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		r.infos = append(r.infos, info)
		return err
	}
}

func (r *recorder) snapshot() ([]string, []Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]Info(nil), r.infos...)
}

func TestRunner_Handshake(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, []string{"db"}, Funcs{OnStart: rec.hook("start", nil)})

	m := h.next()
	assert.Equal(t, protocol.ActionConnect, m.Action)
	assert.Equal(t, []string{"db"}, m.Dependencies)

	h.admit()
	require.Eventually(t, func() bool { return h.runner.State() == protocol.StateRunning }, time.Second, 10*time.Millisecond)

	calls, infos := rec.snapshot()
	assert.Equal(t, []string{"start"}, calls)
	assert.Equal(t, "echo", infos[0].Name)
	assert.Equal(t, "hi", infos[0].Config["greeting"])
	assert.Equal(t, uint64(1), infos[0].Definition.Version.Major)
	require.Len(t, infos[0].Integrations, 1)

	h.send(protocol.Message{Action: protocol.ActionPing})
	assert.Equal(t, protocol.Message{Action: protocol.ActionPing}, h.next())
}

func TestRunner_LifecycleSignals(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, nil, Funcs{
		OnPause: rec.hook("pause", nil),
		OnReset: rec.hook("reset", errors.New("disk full")),
		OnStop:  rec.hook("stop", nil),
	})
	h.next()
	h.admit()

	h.send(protocol.Message{Action: protocol.ActionStart})
	assert.Equal(t, protocol.Message{Action: protocol.ActionStart, Signal: protocol.SignalRunning}, h.next())

	h.send(protocol.Message{Action: protocol.ActionPause})
	assert.Equal(t, protocol.Message{Action: protocol.ActionPause}, h.next())
	assert.Equal(t, protocol.StatePaused, h.runner.State())

	h.send(protocol.Message{Action: protocol.ActionPause})
	assert.Equal(t, protocol.SignalNotRunning, h.next().Signal)

	h.send(protocol.Message{Action: protocol.ActionStart})
	assert.Equal(t, protocol.Message{Action: protocol.ActionStart}, h.next())

	h.send(protocol.Message{Action: protocol.ActionReset})
	assert.Equal(t, protocol.Signal("disk full"), h.next().Signal)

	h.send(protocol.Message{Action: protocol.ActionStop})
	assert.Equal(t, protocol.Message{Action: protocol.ActionStop}, h.next())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return after stop")
	}
	assert.Equal(t, protocol.StateDead, h.runner.State())

	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"pause", "reset", "stop"}, calls)
}

func TestRunner_Reload(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, nil, Funcs{OnReload: rec.hook("reload", nil)})
	h.next()
	h.admit()

	h.send(protocol.Message{Action: protocol.ActionReload, Config: map[string]any{"greeting": "hello"}})
	assert.Equal(t, protocol.Message{Action: protocol.ActionReload}, h.next())

	_, infos := rec.snapshot()
	require.Len(t, infos, 1)
	assert.Equal(t, "hello", infos[0].Config["greeting"])
	assert.Equal(t, "echo", h.runner.Info().Name)
}

func TestRunner_IgnoresGarbage(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.next()

	_, err := h.inW.Write([]byte("not json\n{\"action\":\"explode\"}\n"))
	require.NoError(t, err)
	h.send(protocol.Message{Action: protocol.ActionPing})
	assert.Equal(t, protocol.ActionPing, h.next().Action)
}

func TestRunner_InputClosed(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.next()
	require.NoError(t, h.inW.Close())
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return on closed input")
	}
	assert.Equal(t, protocol.StateDead, h.runner.State())
}

func TestRunner_StartFailureIsEchoed(t *testing.T) {
	h := newHarness(t, nil, Funcs{OnStart: func(context.Context, Info) error { return protocol.SignalStopped }})
	h.next()
	h.admit()
	assert.Equal(t, protocol.Message{Action: protocol.ActionStart, Signal: protocol.SignalStopped}, h.next())
	assert.Equal(t, protocol.StateConnecting, h.runner.State())
}

func TestFuncs_NilHooksSucceed(t *testing.T) {
	var f Funcs
	ctx := context.Background()
	assert.NoError(t, f.Start(ctx, Info{}))
	assert.NoError(t, f.Initialize(ctx, Info{}))
}
