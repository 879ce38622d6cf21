package jobmanager

import (
	"os"
	"sync/atomic"
)

// Status is the lifecycle status of a Job.
//
// NOTE: These values are persisted in metadata and index files and are part of
// the stable on-disk contract.
type Status string

const (
	// StatusNotReady indicates the record exists but the process has not been
	// started.
	StatusNotReady Status = "not-ready"

	// StatusRunning indicates the child process has been spawned.
	StatusRunning Status = "running"

	// StatusCompleted indicates the child exited with code 0.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the child exited with code 1, or could not be
	// spawned at all.
	StatusFailed Status = "failed"

	// StatusKilled indicates the child was terminated by a signal, or its
	// supervisor was interrupted before an exit code was observed.
	StatusKilled Status = "killed"

	// StatusCancelled indicates the job was stopped on request.
	StatusCancelled Status = "cancelled"

	// StatusUnknown indicates the child exited with an unrecognised code, or
	// the job's supervisor disappeared without recording an outcome.
	StatusUnknown Status = "unknown"
)

// NOTE: The index of each Status in this slice is what AtomicStatus stores.
// Only ever append to it.
var statuses = []Status{
	StatusUnknown,
	StatusNotReady,
	StatusRunning,
	StatusCompleted,
	StatusFailed,
	StatusKilled,
	StatusCancelled,
}

// Terminal reports whether no further supervisor-driven transition can occur
// from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusCancelled, StatusUnknown:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return statusIndex(s) >= 0
}

func (s Status) String() string {
	return string(s)
}

func statusIndex(s Status) int32 {
	for i, v := range statuses {
		if v == s {
			return int32(i)
		}
	}

	return -1
}

// AtomicStatus is a wrapper around an atomic.Int32 to provide atomic
// operations on a Status, so transitions can be validated with
// CompareAndSwap.
type AtomicStatus struct {
	v atomic.Int32
}

// Load atomically loads the Status value.
func (a *AtomicStatus) Load() Status {
	i := a.v.Load()
	if i < 0 || int(i) >= len(statuses) {
		return StatusUnknown
	}

	return statuses[i]
}

// Store atomically stores the Status value.
func (a *AtomicStatus) Store(s Status) {
	a.v.Store(statusIndex(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new Status.
func (a *AtomicStatus) CompareAndSwap(o, n Status) bool {
	return a.v.CompareAndSwap(statusIndex(o), statusIndex(n))
}

type exitKind int

const (
	// exitNotObserved means no process state is available, e.g. Wait failed.
	exitNotObserved exitKind = iota

	// exitCode means the process exited normally with a code.
	exitCode

	// exitSignalled means the process was terminated by a signal.
	exitSignalled

	// exitInterrupted means the supervisor stopped waiting on request.
	exitInterrupted
)

// ExitResult is the raw outcome of a supervised process.
type ExitResult struct {
	kind exitKind
	code int
}

// exitCodeStatuses maps the exit codes with a defined meaning. Any other code
// is StatusUnknown.
var exitCodeStatuses = map[int]Status{
	0: StatusCompleted,
	1: StatusFailed,
}

// exitKindStatuses maps every exitKind except exitCode to its terminal
// Status.
var exitKindStatuses = map[exitKind]Status{
	exitNotObserved: StatusKilled,
	exitSignalled:   StatusKilled,
	exitInterrupted: StatusKilled,
}

// ExitResultOf builds an ExitResult from a process state. A nil state, or a
// supervisor that was interrupted, yields a result without an exit code.
func ExitResultOf(ps *os.ProcessState, interrupted bool) ExitResult {
	switch {
	case interrupted:
		return ExitResult{kind: exitInterrupted, code: -1}
	case ps == nil:
		return ExitResult{kind: exitNotObserved, code: -1}
	case !ps.Exited():
		return ExitResult{kind: exitSignalled, code: -1}
	default:
		return ExitResult{kind: exitCode, code: ps.ExitCode()}
	}
}

// Code returns the exit code and whether one was observed.
func (r ExitResult) Code() (int, bool) {
	if r.kind != exitCode {
		return -1, false
	}

	return r.code, true
}

// Status maps the result to a terminal Status.
func (r ExitResult) Status() Status {
	if r.kind == exitCode {
		if s, ok := exitCodeStatuses[r.code]; ok {
			return s
		}

		return StatusUnknown
	}

	if s, ok := exitKindStatuses[r.kind]; ok {
		return s
	}

	return StatusUnknown
}
