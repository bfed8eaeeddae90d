package fsm

import (
	"fmt"
	"slices"
	"time"
)

// State is the election state of a node.
type State int

const (
	Init State = iota
	Backup
	Master
	Fault
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Backup:
		return "BACKUP"
	case Master:
		return "MASTER"
	case Fault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	if s < Init || s > Fault {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState returns the State named name.
func ParseState(name string) (State, error) {
	switch name {
	case "INIT":
		return Init, nil
	case "BACKUP":
		return Backup, nil
	case "MASTER":
		return Master, nil
	case "FAULT":
		return Fault, nil
	}
	return Init, fmt.Errorf("unknown state %q", name)
}

// Transition is a confirmed state change of a node.
type Transition struct {
	NodeID string
	From   State
	To     State
	At     time.Time
}

type Step struct {
	State              State
	AllowedTransitions []State
}

// Machine holds the current state of one node and enforces the allowed
// transitions. It is not safe for concurrent use: the election loop owns it.
type Machine struct {
	nodeID  string
	steps   map[State]Step
	current State
}

func NewMachine(nodeID string) *Machine {
	steps := []Step{
		{
			State:              Init,
			AllowedTransitions: []State{Backup, Fault},
		},
		{
			State:              Backup,
			AllowedTransitions: []State{Master, Fault},
		},
		{
			State:              Master,
			AllowedTransitions: []State{Backup, Fault},
		},
		{
			State:              Fault,
			AllowedTransitions: []State{Backup},
		},
	}

	m := &Machine{
		nodeID:  nodeID,
		steps:   make(map[State]Step, len(steps)),
		current: Init,
	}
	for _, s := range steps {
		m.steps[s.State] = s
	}
	return m
}

func (m *Machine) Current() State {
	return m.current
}

// Transit moves the machine to next. Re-entering the current state is not a
// transition: it returns changed == false and no error.
func (m *Machine) Transit(next State, at time.Time) (t Transition, changed bool, err error) {
	if next == m.current {
		return Transition{}, false, nil
	}

	step := m.steps[m.current]
	if !slices.Contains(step.AllowedTransitions, next) {
		return Transition{}, false, fmt.Errorf("invalid transition: %s -> %s", m.current, next)
	}

	t = Transition{
		NodeID: m.nodeID,
		From:   m.current,
		To:     next,
		At:     at,
	}
	m.current = next
	return t, true, nil
}
