package graph

import "fmt"

// RunState is the execution state of a node within one job.
type RunState int

const (
	StateUnset RunState = iota
	StateRunning
	StateFinished
	StateError
	StateSkipped
	StateDeadlocked
)

var stateNames = map[RunState]string{
	StateUnset:      "unset",
	StateRunning:    "running",
	StateFinished:   "finished",
	StateError:      "error",
	StateSkipped:    "skipped",
	StateDeadlocked: "deadlocked",
}

func (s RunState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RunState(%d)", int(s))
}

// Terminal reports whether the state can no longer change.
func (s RunState) Terminal() bool {
	switch s {
	case StateFinished, StateError, StateSkipped, StateDeadlocked:
		return true
	}
	return false
}

// MarshalText encodes the state by name.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *RunState) UnmarshalText(b []byte) error {
	for k, v := range stateNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown run state %q", string(b))
}
