// Package history exports service lifecycle events to external systems for
// auditing and statistics.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KockaAdmiralac/Lux/internal/controller"
	"github.com/KockaAdmiralac/Lux/internal/metrics"
)

// Event is one lifecycle event as stored by a sink.
type Event struct {
	Type         string    `json:"type"`
	OccurredAt   time.Time `json:"occurred_at"`
	Service      string    `json:"service"`
	Instance     string    `json:"instance,omitempty"`
	Action       string    `json:"action,omitempty"`
	From         string    `json:"from,omitempty"`
	State        string    `json:"state,omitempty"`
	Signal       string    `json:"signal,omitempty"`
	Error        string    `json:"error,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
}

// FromController converts a controller event.
func FromController(ev controller.Event) Event {
	e := Event{
		Type:         string(ev.Type),
		OccurredAt:   ev.At.UTC(),
		Service:      ev.Service,
		Instance:     ev.Instance,
		Action:       string(ev.Action),
		From:         string(ev.From),
		State:        string(ev.State),
		Signal:       string(ev.Signal),
		Dependencies: ev.Dependencies,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	return e
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	DefaultBuffer  = 256
	DefaultTimeout = 5 * time.Second
)

// Recorder is a controller.Observer that hands events to a Sink from its own
// goroutine. Events are dropped when the buffer is full, so the controller is
// never slowed down by the sink.
type Recorder struct {
	sink    Sink
	log     *slog.Logger
	timeout time.Duration
	events  chan Event

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

var _ controller.Observer = (*Recorder)(nil)

func NewRecorder(sink Sink, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		sink:    sink,
		log:     log,
		timeout: DefaultTimeout,
		events:  make(chan Event, buffer),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Recorder) Observe(ev controller.Event) {
	select {
	case <-r.closed:
		return
	default:
	}
	select {
	case r.events <- FromController(ev):
	default:
		metrics.IncHistory("dropped")
		r.log.Warn("history buffer full, dropping event", "service", ev.Service, "type", ev.Type)
	}
}

// Run delivers events until ctx is done or Close is called, then flushes
// what is buffered.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.done)
	for {
		select {
		case e := <-r.events:
			r.send(e)
		case <-ctx.Done():
			r.flush()
			return nil
		case <-r.closed:
			r.flush()
			return nil
		}
	}
}

// Close stops Run after it has flushed the buffered events.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// Done is closed once Run has returned.
func (r *Recorder) Done() <-chan struct{} { return r.done }

func (r *Recorder) flush() {
	for {
		select {
		case e := <-r.events:
			r.send(e)
		default:
			return
		}
	}
}

func (r *Recorder) send(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Send(ctx, e); err != nil {
		metrics.IncHistory("failed")
		r.log.Warn("history sink failed", "service", e.Service, "type", e.Type, "error", err)
		return
	}
	metrics.IncHistory("sent")
}
