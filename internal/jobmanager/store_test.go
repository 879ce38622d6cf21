package jobmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	r, err := NewResolver(t.TempDir())
	require.NoError(t, err)

	return NewStore(r, nil)
}

func newTestRecord(name string, status Status, created time.Time) *Record {
	code := 0

	return &Record{
		Name:        name,
		Status:      status,
		Created:     created,
		LastUpdated: created.Add(time.Second),
		Request:     Request{Workflow: "/w/wf.cwl", Inputs: "/w/job.yml"},
		RunID:       "3b5f2c1e-8a4d-4a7e-9c1b-2f6d7e8a9b0c",
		Command:     []string{"cwltool", "/w/wf.cwl", "/w/job.yml"},
		Mode:        ModeInteractive,
		ExitCode:    &code,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	rec := newTestRecord("wc1", StatusCompleted, time.Now().UTC())
	require.NoError(t, s.Write(rec))

	paths, err := s.Resolver().Paths("wc1")
	require.NoError(t, err)
	require.Equal(t, paths.Metadata, rec.Path)

	got, err := s.Read("wc1")
	require.NoError(t, err)
	require.Equal(t, rec, got)

	entries, err := s.List()
	require.NoError(t, err)
	require.Equal(t, []IndexEntry{rec.Entry()}, entries)
}

func TestStoreWriteLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	for _, status := range []Status{StatusNotReady, StatusRunning, StatusCompleted} {
		require.NoError(t, s.Write(newTestRecord("wc1", status, time.Now().UTC())))
	}

	entries, err := os.ReadDir(filepath.Join(s.Resolver().Home(), "wc1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, metadataFile, entries[0].Name())
}

func TestStoreLookup(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	_, err := s.Read("missing")
	require.ErrorIs(t, err, ErrNotFound)

	rec, found, err := s.Lookup("missing")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, rec)

	require.NoError(t, s.Write(newTestRecord("wc1", StatusRunning, time.Now().UTC())))

	rec, found, err = s.Lookup("wc1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusRunning, rec.Status)
}

func TestStoreReadCorruptMetadata(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	paths, err := s.Resolver().Resolve("wc1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.Metadata, []byte("{not json"), 0o644))

	_, err = s.Read("wc1")

	var ioErr *IOError
	require.ErrorAs(t, err, &ioErr)
	require.Equal(t, "parse metadata", ioErr.Op)
}

func TestStoreListOrder(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Write(newTestRecord("old", StatusCompleted, now.Add(-time.Hour))))
	require.NoError(t, s.Write(newTestRecord("new", StatusRunning, now)))
	require.NoError(t, s.Write(newTestRecord("mid", StatusFailed, now.Add(-time.Minute))))

	entries, err := s.List()
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}

	require.Equal(t, []string{"new", "mid", "old"}, names)
}

func TestStoreIndexTracksStatus(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	rec := newTestRecord("wc1", StatusNotReady, time.Now().UTC())
	require.NoError(t, s.Write(rec))

	rec.Status = StatusFailed
	require.NoError(t, s.Write(rec))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusFailed, entries[0].Status)
}

func TestStoreCorruptIndexIsRebuilt(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, s.Write(newTestRecord("a", StatusCompleted, now)))
	require.NoError(t, s.Write(newTestRecord("b", StatusFailed, now.Add(-time.Minute))))

	require.NoError(t, os.WriteFile(s.Resolver().indexPath(), []byte("garbage"), 0o644))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Name)

	require.NoError(t, s.Rebuild())

	b, err := os.ReadFile(s.Resolver().indexPath())
	require.NoError(t, err)
	require.Contains(t, string(b), `"jobName": "b"`)
}

func TestStoreRemove(t *testing.T) {
	t.Parallel()

	t.Run("Test unknown job", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		require.ErrorIs(t, s.Remove("missing"), ErrNotFound)
	})

	t.Run("Test removes files and index entry", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		require.NoError(t, s.Write(newTestRecord("wc1", StatusCompleted, time.Now().UTC())))

		paths, err := s.Resolver().Paths("wc1")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths.Stdout, []byte("out\n"), 0o644))
		require.NoError(t, os.WriteFile(paths.Lock, nil, 0o644))

		require.NoError(t, s.Remove("wc1"))

		for _, path := range []string{paths.Dir, paths.Lock, paths.Metadata} {
			_, err := os.Stat(path)
			require.ErrorIs(t, err, os.ErrNotExist, path)
		}

		entries, err := s.List()
		require.NoError(t, err)
		require.Empty(t, entries)

		require.ErrorIs(t, s.Remove("wc1"), ErrNotFound)
	})

	t.Run("Test job directory already deleted", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		require.NoError(t, s.Write(newTestRecord("wc1", StatusCompleted, time.Now().UTC())))

		paths, err := s.Resolver().Paths("wc1")
		require.NoError(t, err)
		require.NoError(t, os.RemoveAll(paths.Dir))

		require.NoError(t, s.Remove("wc1"))

		entries, err := s.List()
		require.NoError(t, err)
		require.Empty(t, entries)
	})
}

func TestStoreReconcile(t *testing.T) {
	t.Parallel()

	t.Run("Test supervisor gone", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)

		rec := newTestRecord("wc1", StatusRunning, time.Now().UTC())
		rec.PID = 999999
		rec.ExitCode = nil
		require.NoError(t, s.Write(rec))

		paths, err := s.Resolver().Paths("wc1")
		require.NoError(t, err)
		require.NoError(t, writePIDFile(paths.PID, rec.PID))

		got, err := s.Reconcile(rec)
		require.NoError(t, err)
		require.Equal(t, StatusUnknown, got.Status)
		require.Zero(t, got.PID)

		persisted, err := s.Read("wc1")
		require.NoError(t, err)
		require.Equal(t, StatusUnknown, persisted.Status)

		_, err = os.Stat(paths.PID)
		require.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("Test supervisor alive", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)

		rec := newTestRecord("wc1", StatusRunning, time.Now().UTC())
		require.NoError(t, s.Write(rec))

		paths, err := s.Resolver().Paths("wc1")
		require.NoError(t, err)

		l, err := tryLock(paths.Lock)
		require.NoError(t, err)
		defer l.Release()

		got, err := s.Reconcile(rec)
		require.NoError(t, err)
		require.Equal(t, StatusRunning, got.Status)
	})

	t.Run("Test terminal record", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)

		rec := newTestRecord("wc1", StatusCompleted, time.Now().UTC())
		require.NoError(t, s.Write(rec))

		got, err := s.Reconcile(rec)
		require.NoError(t, err)
		require.Same(t, rec, got)
	})

	t.Run("Test record finished since read", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)

		stale := newTestRecord("wc1", StatusRunning, time.Now().UTC())
		stale.ExitCode = nil
		require.NoError(t, s.Write(stale))

		done := stale.clone()
		done.Status = StatusCompleted
		require.NoError(t, s.Write(done))

		got, err := s.Reconcile(stale)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)

		persisted, err := s.Read("wc1")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, persisted.Status)
	})
}

func TestStoreUpdate(t *testing.T) {
	t.Parallel()

	t.Run("Test concurrent updates", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)
		require.NoError(t, s.Write(newTestRecord("wc1", StatusRunning, time.Now().UTC())))

		const updates = 20

		var wg sync.WaitGroup
		errs := make(chan error, updates)

		for i := range updates {
			wg.Go(func() {
				_, err := s.Update("wc1", func(r *Record) bool {
					r.Command = append(r.Command, fmt.Sprintf("--arg-%d", i))
					return true
				})
				errs <- err
			})
		}

		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		got, err := s.Read("wc1")
		require.NoError(t, err)
		require.Len(t, got.Command, 3+updates)
	})

	t.Run("Test mutate declines", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)

		rec := newTestRecord("wc1", StatusCompleted, time.Now().UTC())
		require.NoError(t, s.Write(rec))

		got, err := s.Update("wc1", func(r *Record) bool {
			r.Status = StatusCancelled
			return false
		})
		require.NoError(t, err)
		require.Equal(t, StatusCancelled, got.Status)

		persisted, err := s.Read("wc1")
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, persisted.Status)
	})

	t.Run("Test unknown job", func(t *testing.T) {
		t.Parallel()

		s := newTestStore(t)

		_, err := s.Update("missing", func(*Record) bool { return true })
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreConcurrentIndexUpdates(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	now := time.Now().UTC()

	const jobs = 25

	var wg sync.WaitGroup
	errs := make(chan error, jobs)

	for i := range jobs {
		wg.Go(func() {
			name := fmt.Sprintf("job-%02d", i)
			errs <- s.Write(newTestRecord(name, StatusRunning, now.Add(time.Duration(i)*time.Second)))
		})
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, jobs)
	require.Equal(t, "job-24", entries[0].Name)
}

func TestPIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "wc1.pid")

	_, ok, err := readPIDFile(path)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, writePIDFile(path, 4242))

	pid, ok, err := readPIDFile(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4242, pid)

	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, ok, err = readPIDFile(path)
	require.Error(t, err)
	require.False(t, ok)

	require.NoError(t, removePIDFile(path))
	require.NoError(t, removePIDFile(path))
}
