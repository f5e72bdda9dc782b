package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Validation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{action`, ErrMalformed},
		{"array", `["connect"]`, ErrMalformed},
		{"null", `null`, ErrMalformed},
		{"number", `42`, ErrMalformed},
		{"missing action", `{"dependencies":["a"]}`, ErrMissingAction},
		{"numeric action", `{"action":1}`, ErrInvalidAction},
		{"object action", `{"action":{"x":1}}`, ErrInvalidAction},
		{"null action", `{"action":null}`, ErrInvalidAction},
		{"unknown verb", `{"action":"dance"}`, ErrUnknownAction},
		{"bad payload", `{"action":"connect","dependencies":"a"}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v, want %v", err, tc.want)
		})
	}
}

func TestDecode_Connect(t *testing.T) {
	m, err := Decode([]byte(`{"action":"connect","dependencies":["db","cache"]}`))
	require.NoError(t, err)
	assert.Equal(t, ActionConnect, m.Action)
	assert.Equal(t, []string{"db", "cache"}, m.Dependencies)
}

func TestDecode_UnknownReturnsVerb(t *testing.T) {
	m, err := Decode([]byte(`{"action":"dance"}`))
	require.ErrorIs(t, err, ErrUnknownAction)
	assert.Equal(t, Action("dance"), m.Action)
}

func TestMarshal_LineTerminated(t *testing.T) {
	b, err := Marshal(Message{Action: ActionPing})
	require.NoError(t, err)
	assert.Equal(t, "{\"action\":\"ping\"}\n", string(b))
}

func TestEncoderReadLines_RoundTripOrder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, a := range []Action{ActionConnect, ActionPing, ActionStop} {
		require.NoError(t, enc.Encode(Message{Action: a}))
	}
	buf.WriteString("\n   \n")

	var got []Action
	err := ReadLines(&buf, func(line []byte) {
		m, err := Decode(line)
		require.NoError(t, err)
		got = append(got, m.Action)
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []Action{ActionConnect, ActionPing, ActionStop}, got)
}

func TestReadLines_SkipsOversizedLine(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("x", 2*MaxMessageSize))
	buf.WriteString("\n{\"action\":\"ping\"}\n")
	buf.WriteString(strings.Repeat("y", MaxMessageSize+1))

	var got []string
	var dropped []int
	err := ReadLines(&buf, func(line []byte) { got = append(got, string(line)) }, func(n int) { dropped = append(dropped, n) })
	require.NoError(t, err)
	assert.Equal(t, []string{`{"action":"ping"}`}, got)
	assert.Equal(t, []int{2 * MaxMessageSize, MaxMessageSize + 1}, dropped)
}

func TestReadLines_LimitIsInclusive(t *testing.T) {
	line := strings.Repeat("z", MaxMessageSize)
	var got []string
	err := ReadLines(strings.NewReader(line+"\nlast"), func(b []byte) { got = append(got, string(b)) }, func(int) {
		t.Fatal("line at the limit was dropped")
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], MaxMessageSize)
	assert.Equal(t, "last", got[1])
}

func TestReadLines_ReturnsReadErrors(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(strings.NewReader("{\"action\":\"ping\"}\n"), iotest.ErrReader(boom))
	var n int
	err := ReadLines(r, func([]byte) { n++ }, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)
}

func TestRouter_DropsInvalidWithoutPanicking(t *testing.T) {
	r := NewRouter(nil)
	var handled []Action
	for _, a := range []Action{ActionConnect, ActionPing} {
		a := a
		r.Handle(a, func(m Message) { handled = append(handled, m.Action) })
	}
	var drops []error
	r.OnDrop = func(_ []byte, err error) { drops = append(drops, err) }

	assert.False(t, r.Dispatch([]byte(`{"nope":true}`)))
	assert.False(t, r.Dispatch([]byte(`{"action":7}`)))
	assert.False(t, r.Dispatch([]byte(`garbage`)))
	assert.False(t, r.Dispatch([]byte(`{"action":"dance"}`)))
	assert.False(t, r.Dispatch([]byte(`{"action":"reset"}`)), "valid verb without handler")
	assert.True(t, r.Dispatch([]byte(`{"action":"ping"}`)))

	assert.Equal(t, []Action{ActionPing}, handled)
	require.Len(t, drops, 4)
	assert.ErrorIs(t, drops[0], ErrMissingAction)
	assert.ErrorIs(t, drops[1], ErrInvalidAction)
	assert.ErrorIs(t, drops[2], ErrMalformed)
	assert.ErrorIs(t, drops[3], ErrUnknownAction)
}

func TestVersion_JSONForms(t *testing.T) {
	var d Definition
	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","version":[1,2,3]}`), &d))
	assert.Equal(t, Version{1, 2, 3}, d.Version)

	require.NoError(t, json.Unmarshal([]byte(`{"name":"a","version":"2.0.1"}`), &d))
	assert.Equal(t, Version{2, 0, 1}, d.Version)

	err := json.Unmarshal([]byte(`{"name":"a","version":[1,2]}`), &d)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "3 components"))

	require.Error(t, json.Unmarshal([]byte(`{"name":"a","version":[1,-2,3]}`), &d))

	b, err := json.Marshal(Version{4, 5, 6})
	require.NoError(t, err)
	assert.Equal(t, "[4,5,6]", string(b))
}

func TestVersion_Compare(t *testing.T) {
	assert.Equal(t, -1, Version{1, 2, 3}.Compare(Version{1, 3, 0}))
	assert.Equal(t, 0, Version{1, 2, 3}.Compare(Version{1, 2, 3}))
	assert.Equal(t, 1, Version{2, 0, 0}.Compare(Version{1, 9, 9}))
	assert.Equal(t, "1.2.3", Version{1, 2, 3}.String())
}

func TestSignal_IsError(t *testing.T) {
	var err error = SignalRunning
	assert.ErrorIs(t, err, SignalRunning)
	assert.NotErrorIs(t, err, SignalStopped)
	assert.Equal(t, "notRunning", SignalNotRunning.Error())
}

func TestAction_Sets(t *testing.T) {
	for _, a := range LifecycleActions {
		assert.True(t, a.Valid())
		assert.True(t, a.IsLifecycle())
	}
	assert.False(t, ActionPing.IsLifecycle())
	_, ok := ParseAction("connect")
	assert.True(t, ok)
	_, ok = ParseAction("Connect")
	assert.False(t, ok)
}
