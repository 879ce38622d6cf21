//go:build !unix

package jobmanager

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// fileLock is an exclusively created lock file. Without flock(2) a lock file
// left behind by a crashed process has to be removed by hand.
type fileLock struct {
	f    *os.File
	path string
}

func tryLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrAlreadyRunning
		}

		return nil, ioError("lock", path, err)
	}

	return &fileLock{f: f, path: path}, nil
}

func lock(path string) (*fileLock, error) {
	for {
		l, err := tryLock(path)
		if !errors.Is(err, ErrAlreadyRunning) {
			return l, err
		}

		time.Sleep(10 * time.Millisecond)
	}
}

func adoptLock(fd uintptr, path string) *fileLock {
	return &fileLock{f: inheritedFile(fd, path), path: path}
}

func inheritedFile(fd uintptr, name string) *os.File {
	return os.NewFile(fd, name)
}

func (l *fileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}

	err := l.f.Close()
	l.f = nil

	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return rmErr
	}

	return err
}

func (l *fileLock) file() *os.File {
	return l.f
}

func isLocked(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	_, err := os.FindProcess(pid)

	return err == nil
}

func terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}

	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}

	return nil
}

func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}

	name := f.Name()
	f.Close()

	return os.Remove(filepath.Clean(name))
}

func interruptProcess(p *os.Process) error {
	return p.Kill()
}
