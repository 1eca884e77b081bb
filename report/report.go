// Package report reduces a coordinator's terminal state to the three-valued
// outcome handed to the host and releases payload resources that will not be
// delivered.
package report

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of an item load coordinator.
type State int

const (
	StatePending State = iota
	StateLoading
	StateFinished
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateLoading:
		return "loading"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition may follow s.
func (s State) IsTerminal() bool {
	return s == StateFinished || s == StateCancelled || s == StateFailed
}

// Result is the outcome delivered to the host completion callback.
type Result int

const (
	Finished Result = iota
	Cancelled
	Failed
)

func (r Result) String() string {
	switch r {
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// ErrNotTerminal is returned by Reduce for states that have not settled yet.
var ErrNotTerminal = errors.New("report: state is not terminal")

// Reduce maps a terminal coordinator state onto the host-facing result.
func Reduce(s State) (Result, error) {
	switch s {
	case StateFinished:
		return Finished, nil
	case StateCancelled:
		return Cancelled, nil
	case StateFailed:
		return Failed, nil
	default:
		return Failed, fmt.Errorf("%w: %s", ErrNotTerminal, s)
	}
}
