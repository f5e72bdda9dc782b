// Package transporttest provides an in-memory Transport that records every
// process action and lets tests play the service side.
package transporttest

import (
	"errors"
	"sync"

	"github.com/KockaAdmiralac/Lux/internal/transport"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// ErrSpawnRefused is returned for names listed in Transport.Fail.
var ErrSpawnRefused = errors.New("transporttest: spawn refused")

// Transport is a fake transport. The zero value is ready to use.
type Transport struct {
	mu     sync.Mutex
	conns  map[string][]*Conn
	fail   map[string]error
	nextID int
	events []string

	// OnSend, when set, is called in its own goroutine for every message sent to
	// any connection.
	OnSend func(c *Conn, m protocol.Message)
}

var _ transport.Transport = (*Transport)(nil)

// Fail makes the next spawns of name return err (ErrSpawnRefused when nil).
func (t *Transport) Fail(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail == nil {
		t.fail = make(map[string]error)
	}
	if err == nil {
		err = ErrSpawnRefused
	}
	t.fail[name] = err
}

func (t *Transport) Spawn(name, path string, cb transport.Callbacks) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail[name]; err != nil {
		t.events = append(t.events, "spawn-failed "+name)
		return nil, err
	}
	if t.conns == nil {
		t.conns = make(map[string][]*Conn)
	}
	t.nextID++
	c := &Conn{t: t, name: name, path: path, pid: 1000 + t.nextID, cb: cb}
	t.conns[name] = append(t.conns[name], c)
	t.events = append(t.events, "spawn "+name)
	return c, nil
}

// Conn returns the most recent connection spawned for name, or nil.
func (t *Transport) Conn(name string) *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs := t.conns[name]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// Spawns returns how many processes were spawned for name.
func (t *Transport) Spawns(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[name])
}

// Events returns the ordered log of process actions, e.g. "spawn a",
// "send a connected", "kill a".
func (t *Transport) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

// Actions counts the recorded process actions.
func (t *Transport) Actions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

func (t *Transport) record(ev string) {
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
}

// Conn is a fake process.
type Conn struct {
	t    *Transport
	name string
	path string
	pid  int
	cb   transport.Callbacks

	mu     sync.Mutex
	sent   []protocol.Message
	killed bool
	exited bool
}

func (c *Conn) PID() int { return c.pid }

func (c *Conn) Path() string { return c.path }

func (c *Conn) Send(m protocol.Message) error {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	c.t.record("send " + c.name + " " + string(m.Action))
	if hook := c.t.OnSend; hook != nil {
		go hook(c, m)
	}
	return nil
}

// Kill marks the connection killed and reports the exit asynchronously, like a
// real process would.
func (c *Conn) Kill() error {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return nil
	}
	c.killed = true
	c.mu.Unlock()
	c.t.record("kill " + c.name)
	go c.Exit(errors.New("signal: killed"))
	return nil
}

// Killed reports whether Kill was called.
func (c *Conn) Killed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// Sent returns the messages sent to the process so far.
func (c *Conn) Sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

// SentActions returns the verbs sent to the process so far.
func (c *Conn) SentActions() []protocol.Action {
	var out []protocol.Action
	for _, m := range c.Sent() {
		out = append(out, m.Action)
	}
	return out
}

// Count returns how many messages with verb a were sent.
func (c *Conn) Count(a protocol.Action) int {
	n := 0
	for _, m := range c.Sent() {
		if m.Action == a {
			n++
		}
	}
	return n
}

// Deliver plays m as written by the process.
func (c *Conn) Deliver(m protocol.Message) {
	b, err := protocol.Marshal(m)
	if err != nil {
		panic(err)
	}
	c.DeliverRaw(b[:len(b)-1])
}

// DeliverRaw plays one raw line as written by the process.
func (c *Conn) DeliverRaw(raw []byte) {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited || c.cb.OnMessage == nil {
		return
	}
	c.cb.OnMessage(raw)
}

// Connect sends a connect message declaring deps.
func (c *Conn) Connect(deps ...string) {
	c.Deliver(protocol.Message{Action: protocol.ActionConnect, Dependencies: deps})
}

// Exit ends the process with err. Only the first call has an effect.
func (c *Conn) Exit(err error) {
	c.mu.Lock()
	if c.exited {
		c.mu.Unlock()
		return
	}
	c.exited = true
	c.mu.Unlock()
	if c.cb.OnExit != nil {
		c.cb.OnExit(err)
	}
}
