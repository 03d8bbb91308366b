package task

import (
	"errors"
	"fmt"
	"time"

	"taskos/pkg/abi"
)

// Status is the scheduling state of a task.
type Status uint8

const (
	// StatusUnInit is a task that has been built but never enqueued.
	StatusUnInit Status = iota
	// StatusReady is a task waiting in the ready queue.
	StatusReady
	// StatusRunning is the task that owns the processor.
	StatusRunning
	// StatusExited is a zombie waiting to be reaped by its parent.
	StatusExited
)

var statusNames = [...]string{"uninit", "ready", "running", "exited"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

// ABI returns the encoding reported to user space by task_info.
func (s Status) ABI() abi.TaskStatus {
	return abi.TaskStatus(s)
}

// State transition errors.
var (
	ErrInvalidTransition = errors.New("task: invalid state transition")
)

// StateTransition represents a valid state transition.
type StateTransition struct {
	From Status
	To   Status
}

// ValidTransitions defines all valid state transitions.
var ValidTransitions = []StateTransition{
	// Enqueue a new task: UnInit -> Ready
	{From: StatusUnInit, To: StatusReady},
	// Dispatch: Ready -> Running
	{From: StatusReady, To: StatusRunning},
	// Yield: Running -> Ready
	{From: StatusRunning, To: StatusReady},
	// Exit: Running -> Exited
	{From: StatusRunning, To: StatusExited},
}

// IsValidTransition checks if a state transition is valid.
func IsValidTransition(from, to Status) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CanTransition checks if a task in state s may move to the given state.
func (s Status) CanTransition(to Status) bool {
	return IsValidTransition(s, to)
}

// TransitionTo moves the task to a new state. The first transition to
// Running records the start time.
func (in *Inner) TransitionTo(to Status, now time.Time) error {
	if !in.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Status, to)
	}
	in.Status = to
	if to == StatusRunning && in.StartTime.IsZero() {
		in.StartTime = now
	}
	return nil
}

// IsZombie returns true once the task has exited.
func (in *Inner) IsZombie() bool {
	return in.Status == StatusExited
}
