package jobmanager

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// jobIndex maps job name to its IndexEntry. It is serialised as a single JSON
// object.
type jobIndex map[string]IndexEntry

func (idx jobIndex) sorted() []IndexEntry {
	out := make([]IndexEntry, 0, len(idx))
	for _, e := range idx {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Name < out[j].Name
		}

		return out[i].Created.After(out[j].Created)
	})

	return out
}

// updateIndex applies mutate to the index in a whole-file read-modify-write
// cycle. The cycle is serialised across processes by the index lock where
// flock(2) is available.
func (s *Store) updateIndex(mutate func(jobIndex)) error {
	if err := os.MkdirAll(s.resolver.Home(), 0o755); err != nil {
		return ioError("create runtime home", s.resolver.Home(), err)
	}

	l, err := lock(s.resolver.indexLockPath())
	if err != nil {
		return err
	}
	defer l.Release()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}

	mutate(idx)

	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return ioError("marshal index", s.resolver.indexPath(), err)
	}

	return writeFileAtomic(s.resolver.indexPath(), append(b, '\n'))
}

// loadIndex reads the index file. A missing index is empty. An unreadable
// index is rebuilt from the jobs' metadata files, which are authoritative.
func (s *Store) loadIndex() (jobIndex, error) {
	path := s.resolver.indexPath()

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobIndex{}, nil
		}

		return nil, ioError("read index", path, err)
	}

	if strings.TrimSpace(string(b)) == "" {
		return jobIndex{}, nil
	}

	idx := jobIndex{}
	if err := json.Unmarshal(b, &idx); err != nil {
		s.logger.Warn("job index is corrupt: rebuilding", "path", path, "err", err)
		return s.scanIndex()
	}

	return idx, nil
}

// scanIndex builds an index from the metadata files found under the runtime
// home.
func (s *Store) scanIndex() (jobIndex, error) {
	home := s.resolver.Home()

	entries, err := os.ReadDir(home)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobIndex{}, nil
		}

		return nil, ioError("read runtime home", home, err)
	}

	idx := jobIndex{}
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}

		rec, err := readRecord(filepath.Join(home, entry.Name(), metadataFile), entry.Name())
		if err != nil {
			continue
		}

		idx[rec.Name] = rec.Entry()
	}

	return idx, nil
}

// Rebuild regenerates the index from the metadata files on disk.
func (s *Store) Rebuild() error {
	return s.updateIndex(func(idx jobIndex) {
		fresh, err := s.scanIndex()
		if err != nil {
			s.logger.Warn("scan job metadata", "err", err)
			return
		}

		for name := range idx {
			delete(idx, name)
		}

		for name, e := range fresh {
			idx[name] = e
		}
	})
}
