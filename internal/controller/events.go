package controller

import (
	"time"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

// EventType names what happened to a service.
type EventType string

const (
	EventRegistered        EventType = "registered"
	EventRegistrationError EventType = "registrationError"
	EventStateChanged      EventType = "stateChanged"
	// EventUserError reports a rejected lifecycle call.
	EventUserError EventType = "userError"
	// EventServiceError reports a failure of the service itself: spawn failure,
	// unexpected exit, a failure signal sent by the service, a dependency cycle.
	EventServiceError    EventType = "serviceError"
	EventWaiting         EventType = "waiting"
	EventBlocked         EventType = "blocked"
	EventHeartbeatMissed EventType = "heartbeatMissed"
	EventRemoved         EventType = "removed"
)

// Event is delivered to every Observer.
type Event struct {
	Type     EventType
	Service  string
	Instance string
	Action   protocol.Action
	From     protocol.State
	State    protocol.State
	Signal   protocol.Signal
	Err      error
	// Dependencies carries the unmet dependencies of waiting and blocked events.
	Dependencies []string
	At           time.Time
}

// Observer receives controller events. Observe runs on the controller loop and
// must not block or call back into the controller.
type Observer interface {
	Observe(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }
