package jobmanager

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Environment passed from Daemon to the supervising process.
const (
	EnvHome    = "CWLJOB_HOME"
	EnvLockFD  = "CWLJOB_LOCK_FD"
	EnvReadyFD = "CWLJOB_READY_FD"
)

const readyOK = "ok"

// Supervise runs the named job, which must have been submitted and not yet
// started, in the calling process and blocks until it is terminal. It is the
// entry point of the process started by Daemon.
//
// When the process was started by Daemon the inherited job lock is adopted
// and the outcome of starting the child is reported back through the
// readiness descriptor. Otherwise the lock is taken here.
func (m *Manager) Supervise(ctx context.Context, name string) (*Record, error) {
	ready := inheritedReady()
	lockFD := os.Getenv(EnvLockFD)

	os.Unsetenv(EnvReadyFD)
	os.Unsetenv(EnvLockFD)

	defer func() {
		if ready != nil {
			ready.Close()
		}
	}()

	report := func(err error) {
		if ready == nil {
			return
		}

		msg := readyOK
		if err != nil {
			msg = err.Error()
		}

		fmt.Fprintln(ready, msg)
		ready.Close()
		ready = nil
	}

	paths, err := m.store.Resolver().Resolve(name)
	if err != nil {
		report(err)
		return nil, err
	}

	lock, err := m.inheritedLock(lockFD, paths.Lock)
	if err != nil {
		report(err)
		return nil, err
	}

	rec, err := m.store.Read(name)
	if err != nil {
		lock.Release()
		report(err)
		return nil, err
	}

	if rec.Status != StatusNotReady {
		lock.Release()
		err := NewInvalidStateError(rec.Status, StatusRunning)
		report(err)
		return rec, err
	}

	job := newJob(m.store, rec, paths, lock, m.jobOptions())

	err = job.Start(ctx)
	report(err)

	if err != nil {
		return job.Record(), err
	}

	m.logger.Info("supervising job", "job", name, "pid", job.Record().PID)

	return job.Wait(), nil
}

func (m *Manager) inheritedLock(fdEnv, path string) (*fileLock, error) {
	if fd, ok := parseFD(fdEnv); ok {
		return adoptLock(fd, path), nil
	}

	l, err := tryLock(path)
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	return l, nil
}

func inheritedReady() *os.File {
	fd, ok := parseFD(os.Getenv(EnvReadyFD))
	if !ok {
		return nil
	}

	return inheritedFile(fd, "ready")
}

func parseFD(v string) (uintptr, bool) {
	fd, err := strconv.Atoi(v)
	if err != nil || fd < 3 {
		return 0, false
	}

	return uintptr(fd), true
}
