package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRunAlreadyActive is returned when a topic already has a run in flight.
	ErrRunAlreadyActive = errors.New("a run is already active for this topic")
	// ErrNoActiveRun is returned by operations that need a live run.
	ErrNoActiveRun = errors.New("no active run for this topic")
	// ErrStdinClosed is returned when the agent's stdin is no longer writable.
	ErrStdinClosed = errors.New("agent stdin is closed")
)

// SpawnError wraps a failure to start the agent process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start agent (%s): %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// OutcomeKind tags how a run ended.
type OutcomeKind string

const (
	OutcomeCompleted        OutcomeKind = "completed"
	OutcomeCancelled        OutcomeKind = "cancelled"
	OutcomeApprovalRequired OutcomeKind = "approval_required"
	OutcomeFailed           OutcomeKind = "failed"
)

// Outcome is the terminal result of a run. Exactly one of the kind-specific
// fields is meaningful: Command for approval_required, ExitCode and
// StderrTail for failed.
type Outcome struct {
	Kind       OutcomeKind
	Command    string
	ExitCode   int
	StderrTail []string
	// Err carries the underlying wait error for failed runs, if any.
	Err error
}

// Completed returns the outcome of a run whose process exited with code 0.
func Completed() Outcome { return Outcome{Kind: OutcomeCompleted} }

// Cancelled returns the outcome of a run stopped by the caller.
func Cancelled() Outcome { return Outcome{Kind: OutcomeCancelled} }

// ApprovalRequired returns the outcome of a run intercepted at a command start.
func ApprovalRequired(command string) Outcome {
	return Outcome{Kind: OutcomeApprovalRequired, Command: command}
}

// Failed returns the outcome of a run whose process exited non-zero.
func Failed(exitCode int, stderrTail []string, err error) Outcome {
	return Outcome{Kind: OutcomeFailed, ExitCode: exitCode, StderrTail: stderrTail, Err: err}
}

// Status maps the outcome to the topic status it leaves behind.
func (o Outcome) Status() RunStatus {
	switch o.Kind {
	case OutcomeCompleted:
		return StatusIdle
	case OutcomeCancelled:
		return StatusCancelled
	case OutcomeApprovalRequired:
		return StatusWaitingApproval
	default:
		return StatusError
	}
}

// Error returns a RunFailedError for failed outcomes and nil otherwise.
func (o Outcome) Error() error {
	if o.Kind != OutcomeFailed {
		return nil
	}
	return &RunFailedError{ExitCode: o.ExitCode, StderrTail: o.StderrTail, Err: o.Err}
}

// RunFailedError describes an agent process that exited non-zero.
type RunFailedError struct {
	ExitCode   int
	StderrTail []string
	Err        error
}

func (e *RunFailedError) Error() string {
	msg := fmt.Sprintf("agent exited with code %d", e.ExitCode)
	if len(e.StderrTail) > 0 {
		msg += ": " + strings.Join(e.StderrTail, "\n")
	}
	return msg
}

func (e *RunFailedError) Unwrap() error { return e.Err }
