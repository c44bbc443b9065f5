// Package presence decides when a meeting has emptied out by polling a
// participant-count oracle.
package presence

import (
	"time"
)

type State int

const (
	Active State = iota
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Draining:
		return "DRAINING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultPollInterval    = time.Second
	DefaultMinParticipants = 2
	DefaultEmptyTimeout    = 30 * time.Second
)

// Sample is one participant-count reading. A sample with Err set is a failed
// read.
type Sample struct {
	Count int
	At    time.Time
	Err   error
}

// Machine is the presence state machine. It holds no clock of its own; time
// comes from the samples.
type Machine struct {
	minParticipants int
	emptyTimeout    time.Duration

	state         State
	drainingSince time.Time
}

func NewMachine(minParticipants int, emptyTimeout time.Duration) *Machine {
	if minParticipants <= 0 {
		minParticipants = DefaultMinParticipants
	}
	if emptyTimeout <= 0 {
		emptyTimeout = DefaultEmptyTimeout
	}
	return &Machine{minParticipants: minParticipants, emptyTimeout: emptyTimeout}
}

func (m *Machine) State() State { return m.state }

// Step applies one sample and returns the resulting state.
//
// A failed read never causes a transition: the meeting is assumed to still
// be active. A drain only ends in Stopped once a successful reading taken at
// or after drainingSince+emptyTimeout is still below the threshold.
func (m *Machine) Step(s Sample) State {
	if m.state == Stopped || s.Err != nil {
		return m.state
	}

	below := s.Count < m.minParticipants
	switch m.state {
	case Active:
		if below {
			m.state = Draining
			m.drainingSince = s.At
		}
	case Draining:
		switch {
		case !below:
			m.state = Active
			m.drainingSince = time.Time{}
		case s.At.Sub(m.drainingSince) >= m.emptyTimeout:
			m.state = Stopped
		}
	}
	return m.state
}
