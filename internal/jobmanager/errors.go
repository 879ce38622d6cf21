package jobmanager

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrAlreadyRunning = errors.New("job already running")
	ErrNotSupported   = errors.New("daemon mode is not supported on this platform")
	ErrInvalidName    = errors.New("invalid job name")
)

// InvalidStateError is returned when attempting an invalid Job state
// transition.
type InvalidStateError struct {
	from Status
	to   Status
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to Status) InvalidStateError {
	return InvalidStateError{from, to}
}

// SpawnError is returned when the child process of a Job could not be
// created.
type SpawnError struct {
	Name    string
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s for job %s: %v", e.Program, e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IOError is returned when reading or writing job state on the filesystem
// fails.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	return &IOError{Op: op, Path: path, Err: err}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}
