package channels

import "sync"

// State is the lifecycle state of the messaging channel.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateQRReady      State = "QR_READY"
	StateReady        State = "READY"
)

// StateEvent is an adapter-emitted event driving the state machine. The HTTP
// layer never feeds events; transitions come exclusively from the client
// lifecycle.
type StateEvent string

const (
	// EventInit is emitted when the client (re)initializes. Resets to
	// DISCONNECTED and discards any stale QR challenge.
	EventInit StateEvent = "init"
	// EventQR carries a fresh login challenge.
	EventQR StateEvent = "qr"
	// EventReady means the session is authenticated and connected.
	EventReady StateEvent = "ready"
	// EventAuthFailure covers QR timeout and login errors. No reconnect is
	// scheduled for these; re-initialization is a manual operation.
	EventAuthFailure StateEvent = "auth_failure"
	// EventDisconnected is a remote-initiated connection loss.
	EventDisconnected StateEvent = "disconnected"
)

// StateMachine owns the channel state and the transient QR challenge.
// All mutation goes through Apply so invalid transitions are rejected in one
// place and the machine can be driven with synthetic events in tests.
type StateMachine struct {
	mu       sync.Mutex
	state    State
	qr       string
	onChange func(state State, qr string)
}

// NewStateMachine starts in DISCONNECTED. onChange fires outside the lock on
// every accepted transition (and on QR refreshes) with the new state and the
// raw challenge, empty when none is live.
func NewStateMachine(onChange func(State, string)) *StateMachine {
	return &StateMachine{state: StateDisconnected, onChange: onChange}
}

// Apply processes one adapter event. qr is the challenge for EventQR and
// ignored otherwise. It reports the resulting state and whether the event
// was accepted.
func (m *StateMachine) Apply(event StateEvent, qr string) (State, bool) {
	m.mu.Lock()
	prev := m.state
	switch event {
	case EventQR:
		// A live session never regresses to a login challenge.
		if prev == StateReady {
			m.mu.Unlock()
			return prev, false
		}
		m.state = StateQRReady
		m.qr = qr
	case EventReady:
		m.state = StateReady
		m.qr = ""
	case EventAuthFailure, EventDisconnected, EventInit:
		m.state = StateDisconnected
		m.qr = ""
	default:
		m.mu.Unlock()
		return prev, false
	}

	// QR refreshes keep the state but replace the challenge; observers still
	// need to hear about them.
	changed := m.state != prev || event == EventQR
	state, code := m.state, m.qr
	m.mu.Unlock()

	if changed && m.onChange != nil {
		m.onChange(state, code)
	}
	return state, changed
}

// State returns the current channel state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QR returns the live challenge, or "" outside QR_READY.
func (m *StateMachine) QR() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.qr
}
