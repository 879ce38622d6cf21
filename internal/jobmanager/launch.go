package jobmanager

import (
	"context"
	"io"
)

// LaunchMode decides where a Job's child process is waited on.
type LaunchMode interface {
	// Launch starts job. It returns the job's Record once the mode considers
	// the launch complete.
	Launch(ctx context.Context, job *Job) (*Record, error)
}

// availability is implemented by LaunchModes that can't run everywhere.
// Submit checks it before anything is written, so an unsupported mode leaves
// no Record behind.
type availability interface {
	Supported() error
}

// Interactive runs the Job in the foreground of the calling process. The
// child's output is written to the job's files and duplicated to Stdout and
// Stderr when they are set. Launch returns the terminal Record.
type Interactive struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (m Interactive) Launch(ctx context.Context, job *Job) (*Record, error) {
	job.attach(m.Stdout, m.Stderr)

	if err := job.Start(ctx); err != nil {
		return job.Record(), err
	}

	return job.Wait(), nil
}
