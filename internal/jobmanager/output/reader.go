package output

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultPollInterval is how long a follower sleeps when no new data is
// available.
const DefaultPollInterval = 250 * time.Millisecond

// follower reads a regular file from its current offset and, when it runs
// out of data, polls for more instead of returning io.EOF. It implements the
// io.ReadCloser interface. Close may be called concurrently with Read.
type follower struct {
	ctx      context.Context
	path     string
	interval time.Duration
	start    int64

	mu     sync.Mutex
	file   *os.File
	offset int64

	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Follow returns an io.ReadCloser over the file at path with tail -f
// semantics. Read blocks until new data is appended and returns io.EOF once
// ctx is cancelled or the reader is closed. The file doesn't need to exist
// yet. If the file is rotated or truncated, reading restarts from the
// beginning of the new content.
func Follow(ctx context.Context, path string, interval time.Duration) io.ReadCloser {
	return FollowFrom(ctx, path, 0, interval)
}

// FollowFrom is Follow starting at offset instead of the beginning of the
// file. The offset only applies to the file first opened.
func FollowFrom(
	ctx context.Context,
	path string,
	offset int64,
	interval time.Duration,
) io.ReadCloser {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	return &follower{
		ctx:      ctx,
		path:     path,
		interval: interval,
		start:    offset,
		closeCh:  make(chan struct{}),
	}
}

// Read performs a polling read of data from the file. When there's no more
// data and the follower is finished, it returns an io.EOF error.
func (f *follower) Read(p []byte) (int, error) {
	for {
		if f.isFinished() {
			return 0, io.EOF
		}

		if len(p) == 0 {
			return 0, nil
		}

		n, err := f.readOnce(p)
		if n > 0 || err != nil {
			return n, err
		}

		if !f.sleep() {
			return 0, io.EOF
		}
	}
}

func (f *follower) readOnce(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Load() {
		return 0, nil
	}

	if f.file == nil {
		file, err := os.Open(f.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return 0, nil
			}

			return 0, err
		}

		f.file = file
		f.offset = 0

		if f.start > 0 {
			if _, err := file.Seek(f.start, io.SeekStart); err == nil {
				f.offset = f.start
			}

			f.start = 0
		}
	}

	n, err := f.file.Read(p)
	f.offset += int64(n)

	if n > 0 {
		return n, nil
	}

	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}

	f.checkReplaced()

	return 0, nil
}

// checkReplaced handles rotation (the path now names a different file) and
// truncation (the file shrank below our offset). Must be called with mu
// held, at EOF of the current file.
func (f *follower) checkReplaced() {
	current, err := f.file.Stat()
	if err != nil {
		return
	}

	latest, err := os.Stat(f.path)
	if err != nil {
		// Rotated away and not yet recreated; keep the old file until it is.
		return
	}

	switch {
	case !os.SameFile(current, latest):
		f.file.Close()
		f.file = nil
	case latest.Size() < f.offset:
		if _, err := f.file.Seek(0, io.SeekStart); err == nil {
			f.offset = 0
		}
	}
}

func (f *follower) sleep() bool {
	t := time.NewTimer(f.interval)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-f.ctx.Done():
		return false
	case <-f.closeCh:
		return false
	}
}

// Close stops the follower and notifies any waiting Read that it can stop
// waiting.
func (f *follower) Close() error {
	if f.closed.Swap(true) {
		return io.ErrClosedPipe
	}

	f.closeOnce.Do(func() { close(f.closeCh) })

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file != nil {
		err := f.file.Close()
		f.file = nil

		return err
	}

	return nil
}

func (f *follower) isFinished() bool {
	return f.closed.Load() || f.ctx.Err() != nil
}
