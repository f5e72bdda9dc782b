// Package service holds the supervisor-side model of a service: its record,
// lifecycle state machine and the registry that owns all records.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// Channel is the live message channel to a service process.
type Channel interface {
	Send(m protocol.Message) error
	Kill() error
	PID() int
}

// Spec is a validated service description handed over by the loader.
type Spec struct {
	Name          string
	Path          string
	Definition    protocol.Definition
	RuntimeConfig map[string]any
	AutoStart     bool
}

// Record is the supervisor's bookkeeping for one service.
type Record struct {
	Name          string
	Path          string
	Definition    protocol.Definition
	RuntimeConfig map[string]any
	AutoStart     bool

	State protocol.State
	// Dependencies is the list declared by the service in its connect message.
	// It is fixed for the lifetime of an instance.
	Dependencies []string
	// Pending counts entries of Dependencies that are not running yet.
	Pending       int
	LastHeartbeat time.Time

	// Instance identifies the current process; empty while Dead.
	Instance      string
	Channel       Channel
	SpawnedAt     time.Time
	ConnectedAt   time.Time
	RunningSince  time.Time
	StopRequested bool
}

// NewRecord builds a Dead record from spec.
func NewRecord(spec Spec) *Record {
	return &Record{
		Name:          spec.Name,
		Path:          spec.Path,
		Definition:    spec.Definition,
		RuntimeConfig: spec.RuntimeConfig,
		AutoStart:     spec.AutoStart,
		State:         protocol.StateDead,
	}
}

// Alive reports whether a process currently backs r.
func (r *Record) Alive() bool { return r.Channel != nil && r.State.Alive() }

// Stale reports whether r missed heartbeats for longer than threshold. The time
// r started running counts as the first heartbeat.
func (r *Record) Stale(now time.Time, threshold time.Duration) bool {
	last := r.LastHeartbeat
	if r.RunningSince.After(last) {
		last = r.RunningSince
	}
	if last.IsZero() {
		return false
	}
	return now.Sub(last) > threshold
}

// PID returns the OS process id or 0.
func (r *Record) PID() int {
	if r.Channel == nil {
		return 0
	}
	return r.Channel.PID()
}

// Status is a read-only snapshot of a record.
type Status struct {
	Name          string              `json:"name"`
	Path          string              `json:"path"`
	Description   string              `json:"description,omitempty"`
	Version       string              `json:"version"`
	State         protocol.State      `json:"state"`
	AutoStart     bool                `json:"auto_start"`
	PID           int                 `json:"pid,omitempty"`
	Instance      string              `json:"instance,omitempty"`
	Dependencies  []string            `json:"dependencies"`
	Pending       int                 `json:"pending"`
	LastHeartbeat time.Time           `json:"last_heartbeat,omitempty"`
	RunningSince  time.Time           `json:"running_since,omitempty"`
	StopRequested bool                `json:"stop_requested,omitempty"`
	Declared      []string            `json:"declared_dependencies,omitempty"`
	Integrations  []string            `json:"integrations,omitempty"`
	Definition    protocol.Definition `json:"-"`
}

// Snapshot copies r into a Status.
func (r *Record) Snapshot() Status {
	return Status{
		Name:          r.Name,
		Path:          r.Path,
		Description:   r.Definition.Description,
		Version:       r.Definition.Version.String(),
		State:         r.State,
		AutoStart:     r.AutoStart,
		PID:           r.PID(),
		Instance:      r.Instance,
		Dependencies:  append([]string{}, r.Dependencies...),
		Pending:       r.Pending,
		LastHeartbeat: r.LastHeartbeat,
		RunningSince:  r.RunningSince,
		StopRequested: r.StopRequested,
		Declared:      append([]string(nil), r.Definition.Dependencies...),
		Integrations:  append([]string(nil), r.Definition.Integrations...),
		Definition:    r.Definition,
	}
}

// ErrDuplicate reports a second registration under an existing name.
var ErrDuplicate = errors.New("service already registered")

// RegistrationError excludes one service from the registry.
type RegistrationError struct {
	Service string
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %s: %v", e.Service, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
