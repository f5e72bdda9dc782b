package protocol

import (
	"errors"
	"log/slog"
)

// HandlerFunc handles one validated message.
type HandlerFunc func(Message)

// Router validates raw messages and dispatches them by verb. Invalid messages are
// logged and dropped; Dispatch never panics on bad input and never returns an
// error to the peer.
type Router struct {
	handlers map[Action]HandlerFunc
	log      *slog.Logger

	// OnDrop, when set, is called for every message rejected by Decode.
	OnDrop func(raw []byte, err error)
}

// NewRouter returns an empty router logging through log (slog.Default when nil).
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{handlers: make(map[Action]HandlerFunc), log: log}
}

// Handle registers h for action a, replacing any previous handler.
func (r *Router) Handle(a Action, h HandlerFunc) {
	r.handlers[a] = h
}

// Dispatch decodes raw and runs the matching handler. It reports whether a
// handler ran.
func (r *Router) Dispatch(raw []byte) bool {
	m, err := Decode(raw)
	switch {
	case errors.Is(err, ErrUnknownAction):
		r.log.Warn("unknown action", slog.String("action", string(m.Action)))
		r.drop(raw, err)
		return false
	case err != nil:
		r.log.Warn("invalid message", slog.String("message", truncate(raw)), slog.Any("error", err))
		r.drop(raw, err)
		return false
	}
	h, ok := r.handlers[m.Action]
	if !ok {
		r.log.Debug("no handler for action", slog.String("action", string(m.Action)))
		return false
	}
	h(m)
	return true
}

func (r *Router) drop(raw []byte, err error) {
	if r.OnDrop != nil {
		r.OnDrop(raw, err)
	}
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
