// Package agent implements the vehicle-side resilient producer protocol:
// durable buffering while disconnected, ordered replay on reconnect and
// bounded-backoff reconnection against the relay.
package agent

import "time"

// State of the reconnect state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Event drives the state machine.
type Event int

const (
	// EventStart fires on startup and when a retry delay elapses.
	EventStart Event = iota
	EventDialOK
	EventDialFailed
	EventAuthOK
	EventAuthFailed
	EventConnLost
)

// Action tells the owner what to do after a transition.
type Action int

const (
	ActionNone Action = iota
	// ActionDial opens a new transport connection.
	ActionDial
	// ActionAuth performs the AUTH round-trip on the fresh connection.
	ActionAuth
	// ActionStream drains the outbox in order, then resumes live traffic.
	ActionStream
	// ActionWaitRetry sleeps for Transition.Delay, buffering samples, then
	// feeds EventStart.
	ActionWaitRetry
	// ActionGiveUp surfaces the persistent-failure condition to the owner.
	ActionGiveUp
)

// BackoffConfig bounds the reconnect loop.
type BackoffConfig struct {
	Base        time.Duration `json:"-"`
	Max         time.Duration `json:"-"`
	MaxAttempts int           `json:"max_attempts"`
}

// Transition is the output of one FSM step.
type Transition struct {
	State  State
	Action Action
	Delay  time.Duration
}

// FSM is the reconnect state machine. Step is a deterministic function of the
// current state, the event and the attempt counter, so backoff and ordering
// are unit-testable without a network.
type FSM struct {
	cfg      BackoffConfig
	state    State
	attempts int
}

// NewFSM creates the machine in the disconnected state.
func NewFSM(cfg BackoffConfig) *FSM {
	return &FSM{cfg: cfg, state: StateDisconnected}
}

// State returns the current state.
func (f *FSM) State() State { return f.state }

// Attempts returns the number of consecutive failed connection attempts.
func (f *FSM) Attempts() int { return f.attempts }

// NextDelay returns the backoff delay for the current attempt count: the base
// delay doubled per failed attempt, capped at the configured maximum.
func (f *FSM) NextDelay() time.Duration {
	d := f.cfg.Base
	for i := 1; i < f.attempts; i++ {
		d *= 2
		if d >= f.cfg.Max {
			return f.cfg.Max
		}
	}
	if d > f.cfg.Max {
		return f.cfg.Max
	}
	return d
}

// Step advances the machine.
func (f *FSM) Step(ev Event) Transition {
	switch f.state {
	case StateDisconnected:
		if ev == EventStart {
			f.state = StateConnecting
			return Transition{State: f.state, Action: ActionDial}
		}
	case StateConnecting:
		switch ev {
		case EventDialOK:
			f.state = StateAuthenticating
			return Transition{State: f.state, Action: ActionAuth}
		case EventDialFailed, EventConnLost:
			return f.fail()
		}
	case StateAuthenticating:
		switch ev {
		case EventAuthOK:
			f.attempts = 0
			f.state = StateStreaming
			return Transition{State: f.state, Action: ActionStream}
		case EventAuthFailed, EventConnLost:
			return f.fail()
		}
	case StateStreaming:
		if ev == EventConnLost {
			f.attempts++
			f.state = StateDisconnected
			return Transition{State: f.state, Action: ActionWaitRetry, Delay: f.NextDelay()}
		}
	case StateFailed:
		// The owner may restart the protocol explicitly.
		if ev == EventStart {
			f.attempts = 0
			f.state = StateConnecting
			return Transition{State: f.state, Action: ActionDial}
		}
	}
	return Transition{State: f.state, Action: ActionNone}
}

func (f *FSM) fail() Transition {
	f.attempts++
	if f.cfg.MaxAttempts > 0 && f.attempts >= f.cfg.MaxAttempts {
		f.state = StateFailed
		return Transition{State: f.state, Action: ActionGiveUp}
	}
	f.state = StateDisconnected
	return Transition{State: f.state, Action: ActionWaitRetry, Delay: f.NextDelay()}
}
