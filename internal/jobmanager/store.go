package jobmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store persists and loads Records, and maintains the repository index
// listing all known jobs.
//
// A job's metadata file is authoritative for that job. The index is a
// convenience listing: failing to update it is logged and does not fail the
// metadata write.
type Store struct {
	resolver *Resolver
	logger   *slog.Logger
}

// NewStore creates a Store on top of resolver. A nil logger discards log
// output.
func NewStore(resolver *Resolver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Store{resolver: resolver, logger: logger}
}

// Resolver returns the Resolver used to locate job files.
func (s *Store) Resolver() *Resolver {
	return s.resolver
}

// Write persists record to its metadata file, then merges its projection
// into the index. The metadata file is replaced atomically, so readers never
// observe a partially written record.
func (s *Store) Write(record *Record) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}

	paths, err := s.resolver.Resolve(record.Name)
	if err != nil {
		return err
	}

	record.Path = paths.Metadata

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}

	if err := writeFileAtomic(paths.Metadata, append(b, '\n')); err != nil {
		return err
	}

	entry := record.Entry()
	if err := s.updateIndex(func(idx jobIndex) {
		idx[entry.Name] = entry
	}); err != nil {
		s.logger.Warn("update job index", "job", record.Name, "err", err)
	}

	return nil
}

// Update reads the named job's Record, passes it to mutate and, if mutate
// returns true, writes it back. Updates of any job are serialised, so a
// status change made by one process can't be overwritten by another that read
// the Record earlier. It returns the Record as it was left.
func (s *Store) Update(name string, mutate func(*Record) bool) (*Record, error) {
	var rec *Record

	err := s.withRecordLock(func() error {
		var err error

		rec, err = s.Read(name)
		if err != nil {
			return err
		}

		if !mutate(rec) {
			return nil
		}

		return s.Write(rec)
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Create is Write serialised with Update.
func (s *Store) Create(record *Record) error {
	return s.withRecordLock(func() error {
		return s.Write(record)
	})
}

func (s *Store) withRecordLock(fn func() error) error {
	l, err := lock(s.resolver.recordLockPath())
	if err != nil {
		return err
	}
	defer l.Release()

	return fn()
}

// Read loads the Record of the named job or returns ErrNotFound if it doesn't
// exist.
func (s *Store) Read(name string) (*Record, error) {
	paths, err := s.resolver.Paths(name)
	if err != nil {
		return nil, err
	}

	return readRecord(paths.Metadata, name)
}

// Lookup is Read with absence reported as found=false instead of an error.
func (s *Store) Lookup(name string) (*Record, bool, error) {
	rec, err := s.Read(name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}

		return nil, false, err
	}

	return rec, true, nil
}

// List returns the index entries of all known jobs, newest first.
func (s *Store) List() ([]IndexEntry, error) {
	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}

	return idx.sorted(), nil
}

// Remove deletes the metadata file and index entry of the named job, then
// makes a best-effort attempt to delete its directory, pid file and lock
// file. It returns ErrNotFound only if neither the metadata file nor the
// index knows the job, so a job whose directory was deleted by hand can still
// be removed.
func (s *Store) Remove(name string) error {
	paths, err := s.resolver.Paths(name)
	if err != nil {
		return err
	}

	known, err := s.known(name)
	if err != nil {
		return err
	}

	if !known {
		return notFound(name)
	}

	if err := os.Remove(paths.Metadata); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ioError("remove metadata", paths.Metadata, err)
	}

	if err := s.updateIndex(func(idx jobIndex) {
		delete(idx, name)
	}); err != nil {
		return err
	}

	for _, path := range []string{paths.Dir, paths.PID, paths.Lock} {
		if err := os.RemoveAll(path); err != nil {
			s.logger.Debug("remove job artifact", "job", name, "path", path, "err", err)
		}
	}

	return nil
}

// known reports whether the metadata file or the index knows the named job.
func (s *Store) known(name string) (bool, error) {
	paths, err := s.resolver.Paths(name)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(paths.Metadata); err == nil {
		return true, nil
	}

	idx, err := s.loadIndex()
	if err != nil {
		return false, err
	}

	_, indexed := idx[name]

	return indexed, nil
}

// Reconcile detects a record that is not terminal but whose supervisor is
// gone (its lock is no longer held). Such a record is rewritten as
// StatusUnknown. Any other record is returned unchanged.
func (s *Store) Reconcile(record *Record) (*Record, error) {
	if record == nil || record.Status.Terminal() {
		return record, nil
	}

	paths, err := s.resolver.Paths(record.Name)
	if err != nil {
		return nil, err
	}

	if isLocked(paths.Lock) {
		return record, nil
	}

	reconciled, err := s.Update(record.Name, func(r *Record) bool {
		// A new supervisor may have taken over since the check above.
		if r.Status.Terminal() || isLocked(paths.Lock) {
			return false
		}

		r.Status = StatusUnknown
		r.LastUpdated = time.Now().UTC()
		r.PID = 0

		return true
	})
	if err != nil {
		return nil, err
	}

	if reconciled.Status != StatusUnknown {
		return reconciled, nil
	}

	s.logger.Info(
		"job supervisor is gone: marking unknown",
		"job", record.Name,
		"pid", record.PID,
	)

	if err := os.Remove(paths.PID); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Debug("remove stale pid file", "job", record.Name, "err", err)
	}

	return reconciled, nil
}

func readRecord(path, name string) (*Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(name)
		}

		return nil, ioError("read metadata", path, err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, ioError("read metadata", path, errors.New("file is empty"))
	}

	var record Record
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, ioError("parse metadata", path, err)
	}

	return &record, nil
}

// writeFileAtomic writes b to a temporary file in the same directory and
// renames it over path.
func writeFileAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return ioError("create temp file", dir, err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return ioError("write temp file", tmpName, err)
	}

	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return ioError("sync temp file", tmpName, err)
	}

	if err := tmp.Close(); err != nil {
		return ioError("close temp file", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return ioError("rename", path, err)
	}

	return nil
}
