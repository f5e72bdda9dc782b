package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/internal/transport/transporttest"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

func newRecord(name string) *service.Record {
	return service.NewRecord(service.Spec{Name: name, Path: "/srv/" + name})
}

func TestSpawn_FromDead(t *testing.T) {
	tr := &transporttest.Transport{}
	s := New(tr, Handlers{}, nil)
	rec := newRecord("a")
	rec.StopRequested = true
	rec.Dependencies = []string{"old"}

	require.NoError(t, s.Spawn(rec))
	assert.Equal(t, protocol.StateStarting, rec.State)
	assert.NotEmpty(t, rec.Instance)
	assert.NotNil(t, rec.Channel)
	assert.False(t, rec.StopRequested)
	assert.Nil(t, rec.Dependencies)
	assert.Equal(t, "/srv/a", tr.Conn("a").Path())
	assert.Equal(t, 1, tr.Spawns("a"))
}

func TestSpawn_NonDeadIsRejectedWithoutAction(t *testing.T) {
	tr := &transporttest.Transport{}
	s := New(tr, Handlers{}, nil)
	cases := map[protocol.State]protocol.Signal{
		protocol.StateStarting:   protocol.SignalStarting,
		protocol.StateConnecting: protocol.SignalStarting,
		protocol.StateRunning:    protocol.SignalRunning,
		protocol.StatePaused:     protocol.SignalRunning,
	}
	for state, want := range cases {
		rec := newRecord("a")
		rec.State = state
		err := s.Spawn(rec)
		require.ErrorIs(t, err, want, state)
		assert.Equal(t, state, rec.State)
	}
	assert.Zero(t, tr.Actions())
}

func TestSpawn_TransportFailureLeavesDead(t *testing.T) {
	tr := &transporttest.Transport{}
	tr.Fail("a", nil)
	s := New(tr, Handlers{}, nil)
	rec := newRecord("a")
	err := s.Spawn(rec)
	require.ErrorIs(t, err, transporttest.ErrSpawnRefused)
	assert.Equal(t, protocol.StateDead, rec.State)
	assert.Empty(t, rec.Instance)
}

func TestSend_NoopWithoutProcess(t *testing.T) {
	tr := &transporttest.Transport{}
	s := New(tr, Handlers{}, nil)
	rec := newRecord("a")
	assert.False(t, s.Send(rec, protocol.Message{Action: protocol.ActionPing}))

	require.NoError(t, s.Spawn(rec))
	assert.True(t, s.Send(rec, protocol.Message{Action: protocol.ActionPing}))
	assert.Equal(t, []protocol.Action{protocol.ActionPing}, tr.Conn("a").SentActions())
}

func TestKill_Idempotent(t *testing.T) {
	tr := &transporttest.Transport{}
	s := New(tr, Handlers{}, nil)
	rec := newRecord("a")
	assert.False(t, s.Kill(rec))

	require.NoError(t, s.Spawn(rec))
	conn := tr.Conn("a")
	assert.True(t, s.Kill(rec))
	assert.True(t, conn.Killed())
	assert.Equal(t, protocol.StateDead, rec.State)
	assert.Nil(t, rec.Channel)
	assert.Empty(t, rec.Instance)
	assert.False(t, s.Kill(rec))
	assert.False(t, s.Send(rec, protocol.Message{Action: protocol.ActionPing}))
}

func TestCallbacksAreTaggedWithInstance(t *testing.T) {
	tr := &transporttest.Transport{}
	var mu sync.Mutex
	var got []string
	exits := make(chan string, 2)
	s := New(tr, Handlers{
		OnMessage: func(name, instance string, raw []byte) {
			mu.Lock()
			got = append(got, name+"/"+instance+"/"+string(raw))
			mu.Unlock()
		},
		OnExit: func(name, instance string, err error) { exits <- instance },
	}, nil)

	rec := newRecord("a")
	require.NoError(t, s.Spawn(rec))
	first := rec.Instance
	tr.Conn("a").DeliverRaw([]byte(`{"action":"ping"}`))
	require.True(t, s.Kill(rec))

	select {
	case inst := <-exits:
		assert.Equal(t, first, inst)
	case <-time.After(time.Second):
		t.Fatal("no exit")
	}

	require.NoError(t, s.Spawn(rec))
	assert.NotEqual(t, first, rec.Instance)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a/" + first + `/{"action":"ping"}`}, got)
}

func TestExited(t *testing.T) {
	tr := &transporttest.Transport{}
	s := New(tr, Handlers{}, nil)
	rec := newRecord("a")
	require.NoError(t, s.Spawn(rec))
	s.Exited(rec, nil)
	assert.Equal(t, protocol.StateDead, rec.State)
	assert.Nil(t, rec.Channel)
	assert.Equal(t, 1, tr.Actions(), "exit performs no process action")
}
