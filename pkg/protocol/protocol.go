// Package protocol defines the messages exchanged between the Lux supervisor and
// the service processes it runs.
//
// Every message is a JSON object carrying an "action" verb. Messages travel as
// newline-delimited JSON: the supervisor writes to the service's stdin and reads
// the service's stdout.
package protocol

// Action is a message verb.
type Action string

const (
	// ActionConnect is sent by a service once it is ready to be admitted. It
	// carries the authoritative list of dependencies of the service.
	ActionConnect Action = "connect"
	// ActionConnected completes the handshake. The supervisor sends it once all
	// dependencies of the service are running.
	ActionConnected Action = "connected"
	// ActionPing is the liveness probe. The service answers with the same verb.
	ActionPing Action = "ping"

	ActionStart      Action = "start"
	ActionStop       Action = "stop"
	ActionRestart    Action = "restart"
	ActionPause      Action = "pause"
	ActionUpdate     Action = "update"
	ActionReload     Action = "reload"
	ActionReset      Action = "reset"
	ActionInitialize Action = "initialize"
)

var actions = map[Action]struct{}{
	ActionConnect:    {},
	ActionConnected:  {},
	ActionPing:       {},
	ActionStart:      {},
	ActionStop:       {},
	ActionRestart:    {},
	ActionPause:      {},
	ActionUpdate:     {},
	ActionReload:     {},
	ActionReset:      {},
	ActionInitialize: {},
}

// LifecycleActions lists the verbs that map onto lifecycle operations of a service.
var LifecycleActions = []Action{
	ActionStart,
	ActionStop,
	ActionRestart,
	ActionPause,
	ActionUpdate,
	ActionReload,
	ActionReset,
	ActionInitialize,
}

// Valid reports whether a belongs to the verb set.
func (a Action) Valid() bool {
	_, ok := actions[a]
	return ok
}

// IsLifecycle reports whether a is one of LifecycleActions.
func (a Action) IsLifecycle() bool {
	for _, l := range LifecycleActions {
		if l == a {
			return true
		}
	}
	return false
}

func (a Action) String() string { return string(a) }

// ParseAction converts s into an Action, reporting whether it is part of the verb set.
func ParseAction(s string) (Action, bool) {
	a := Action(s)
	return a, a.Valid()
}

// State is the lifecycle state of a service.
type State string

const (
	StateDead       State = "dead"
	StateStarting   State = "starting"
	StateConnecting State = "connecting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
)

func (s State) String() string { return string(s) }

// Alive reports whether a process is expected to back a service in state s.
func (s State) Alive() bool { return s != StateDead && s != "" }

// States lists every state, in lifecycle order.
var States = []State{StateDead, StateStarting, StateConnecting, StateRunning, StatePaused}

// Signal is a named lifecycle failure. Signals are returned as errors and travel
// over the wire in the "signal" field of a lifecycle verb echoed by a service.
type Signal string

const (
	// SignalRunning rejects start on a service that is already running.
	SignalRunning Signal = "running"
	// SignalStopped rejects an operation that needs a live service.
	SignalStopped Signal = "stopped"
	// SignalNotRunning rejects pause on a service that is not running.
	SignalNotRunning Signal = "notRunning"
	// SignalStarting rejects start on a service whose handshake is in progress.
	SignalStarting Signal = "starting"
)

func (s Signal) Error() string { return string(s) }

// IntegrationRef names a capability of a running service handed to a consumer.
type IntegrationRef struct {
	Name    string  `json:"name"`
	Service string  `json:"service"`
	Version Version `json:"version"`
}

// Message is one protocol message. Only Action is mandatory; the remaining
// fields are payload used by specific verbs.
type Message struct {
	Action       Action           `json:"action"`
	Name         string           `json:"name,omitempty"`
	Dependencies []string         `json:"dependencies,omitempty"`
	Definition   *Definition      `json:"definition,omitempty"`
	Config       map[string]any   `json:"config,omitempty"`
	Integrations []IntegrationRef `json:"integrations,omitempty"`
	Signal       Signal           `json:"signal,omitempty"`
	State        State            `json:"state,omitempty"`
}
