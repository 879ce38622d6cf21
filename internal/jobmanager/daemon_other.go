//go:build !unix

package jobmanager

import (
	"context"
	"time"
)

// Daemon is not available on this platform. Submit rejects it with
// ErrNotSupported before a Record is created.
type Daemon struct {
	Executable   string
	Args         []string
	Env          []string
	StartTimeout time.Duration
	OnExit       func(error)
}

// Supported reports ErrNotSupported.
func (d Daemon) Supported() error {
	return ErrNotSupported
}

func (d Daemon) Launch(ctx context.Context, job *Job) (*Record, error) {
	job.finish(StatusFailed, nil)
	return job.Record(), ErrNotSupported
}
