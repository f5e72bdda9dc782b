// Package supervisor binds service records to the processes backing them.
package supervisor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/KockaAdmiralac/Lux/internal/service"
	"github.com/KockaAdmiralac/Lux/internal/transport"
	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Handlers receive traffic of spawned processes tagged with the service name
// and the instance that produced it. They are called from transport goroutines.
type Handlers struct {
	OnMessage func(name, instance string, raw []byte)
	OnExit    func(name, instance string, err error)
}

type Supervisor struct {
	tr       transport.Transport
	handlers Handlers
	log      *slog.Logger
	now      func() time.Time
}

func New(tr transport.Transport, h Handlers, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{tr: tr, handlers: h, log: log, now: time.Now}
}

// Spawn launches a process for a Dead record and moves it to Starting. A record
// that is not Dead is left alone and a failure signal is returned: running for
// Running and Paused, starting while the handshake is in progress.
func (s *Supervisor) Spawn(rec *service.Record) error {
	switch rec.State {
	case protocol.StateDead:
	case protocol.StateStarting, protocol.StateConnecting:
		return protocol.SignalStarting
	default:
		return protocol.SignalRunning
	}

	instance := uuid.NewString()
	name := rec.Name
	conn, err := s.tr.Spawn(name, rec.Path, transport.Callbacks{
		OnMessage: func(raw []byte) {
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(name, instance, raw)
			}
		},
		OnExit: func(err error) {
			if s.handlers.OnExit != nil {
				s.handlers.OnExit(name, instance, err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("spawn %s: %w", name, err)
	}
	if err := rec.Transition(protocol.StateStarting); err != nil {
		_ = conn.Kill()
		return err
	}
	rec.Instance = instance
	rec.Channel = conn
	rec.Dependencies = nil
	rec.Pending = 0
	rec.LastHeartbeat = time.Time{}
	rec.ConnectedAt = time.Time{}
	rec.RunningSince = time.Time{}
	rec.StopRequested = false
	rec.SpawnedAt = s.now()
	s.log.Info("service spawned", "service", name, "pid", conn.PID(), "instance", instance)
	return nil
}

// Send delivers m to the process of rec. It reports false when rec has no live
// process or the message could not be queued.
func (s *Supervisor) Send(rec *service.Record, m protocol.Message) bool {
	if !rec.Alive() {
		return false
	}
	if err := rec.Channel.Send(m); err != nil {
		s.log.Debug("send dropped", "service", rec.Name, "action", m.Action, "error", err)
		return false
	}
	return true
}

// Kill terminates the process of rec and marks it Dead. It reports false when
// rec was already Dead.
func (s *Supervisor) Kill(rec *service.Record) bool {
	if rec.State == protocol.StateDead && rec.Channel == nil {
		return false
	}
	if rec.Channel != nil {
		if err := rec.Channel.Kill(); err != nil {
			s.log.Warn("kill failed", "service", rec.Name, "error", err)
		}
	}
	s.log.Info("service killed", "service", rec.Name, "instance", rec.Instance)
	s.release(rec)
	return true
}

// Exited records that the process of rec ended on its own.
func (s *Supervisor) Exited(rec *service.Record, err error) {
	if rec.State == protocol.StateDead {
		return
	}
	s.log.Info("service exited", "service", rec.Name, "instance", rec.Instance, "error", err)
	s.release(rec)
}

func (s *Supervisor) release(rec *service.Record) {
	if rec.State != protocol.StateDead {
		_ = rec.Transition(protocol.StateDead)
	}
	rec.Channel = nil
	rec.Instance = ""
	rec.Pending = 0
	rec.StopRequested = false
}
