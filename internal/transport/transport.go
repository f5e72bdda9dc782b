// Package transport launches service processes and carries protocol messages
// to and from them.
package transport

import (
	"errors"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

var (
	// ErrClosed is returned by Send once the process has exited or was killed.
	ErrClosed = errors.New("transport: connection closed")
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("transport: send queue full")
)

// Callbacks receive inbound traffic of one process. OnMessage gets one raw line
// per call, in the order the process wrote them. OnExit is called exactly once,
// after the last OnMessage.
type Callbacks struct {
	OnMessage func(raw []byte)
	OnExit    func(err error)
}

// Conn is the supervisor end of a running process.
type Conn interface {
	// Send queues m for delivery and never blocks.
	Send(m protocol.Message) error
	// Kill forcibly terminates the process. Killing an exited process is a no-op.
	Kill() error
	PID() int
}

// Transport spawns a process for the service name found at path.
type Transport interface {
	Spawn(name, path string, cb Callbacks) (Conn, error)
}
