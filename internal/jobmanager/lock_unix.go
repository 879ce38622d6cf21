//go:build unix

package jobmanager

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory flock(2) held on an open file. The lock belongs to
// the open file description, so it survives being inherited by a child
// process and is released when the last descriptor referencing it is closed.
type fileLock struct {
	f *os.File
}

// tryLock takes the lock at path without blocking. It returns
// ErrAlreadyRunning if another open file description holds it.
func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioError("open lock", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyRunning
		}

		return nil, ioError("lock", path, err)
	}

	return &fileLock{f: f}, nil
}

// lock takes the lock at path, blocking until it is available.
func lock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioError("open lock", path, err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err == nil {
			return &fileLock{f: f}, nil
		}

		if !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, ioError("lock", path, err)
		}
	}
}

// adoptLock wraps an inherited descriptor that already holds the lock at
// path.
func adoptLock(fd uintptr, path string) *fileLock {
	return &fileLock{f: inheritedFile(fd, path)}
}

// inheritedFile wraps a descriptor inherited from the parent process. It is
// marked close-on-exec so it doesn't leak further into the job's child.
func inheritedFile(fd uintptr, name string) *os.File {
	unix.CloseOnExec(int(fd))
	return os.NewFile(fd, name)
}

// Release closes this descriptor. The lock itself is released once no other
// process holds a descriptor for the same open file description.
func (l *fileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}

	err := l.f.Close()
	l.f = nil

	return err
}

func (l *fileLock) file() *os.File {
	return l.f
}

// isLocked reports whether some open file description holds the lock at
// path.
func isLocked(path string) bool {
	l, err := tryLock(path)
	if err != nil {
		return errors.Is(err, ErrAlreadyRunning)
	}

	l.Release()

	return false
}

// processAlive uses signal 0 to check for existence without sending a
// signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)

	return err == nil || errors.Is(err, unix.EPERM)
}

// terminate sends SIGTERM to pid. A process that no longer exists is not an
// error.
func terminate(pid int) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}

	return nil
}

func checkWritable(dir string) error {
	return unix.Access(dir, unix.W_OK)
}

// interruptProcess asks p to stop with SIGTERM.
func interruptProcess(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
