package jobmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	maxNameLength = 128

	indexFile      = "index.json"
	indexLockFile  = "index.lock"
	recordLockFile = "record.lock"
	stdoutFile     = "stdout"
	stderrFile     = "stderr"
	logFile        = "log"
	metadataFile   = "metadata"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Paths holds the filesystem locations belonging to one Job.
type Paths struct {
	Dir      string
	PID      string
	Lock     string
	Stdout   string
	Stderr   string
	Log      string
	Metadata string
}

// Resolver derives the Paths of a Job from its name under a fixed runtime
// home directory.
type Resolver struct {
	home string
}

// NewResolver creates a Resolver rooted at home. The home is made absolute so
// that every derived path is absolute.
func NewResolver(home string) (*Resolver, error) {
	home = strings.TrimSpace(home)
	if home == "" {
		return nil, fmt.Errorf("runtime home is empty")
	}

	abs, err := filepath.Abs(home)
	if err != nil {
		return nil, ioError("resolve", home, err)
	}

	return &Resolver{home: abs}, nil
}

// Home returns the absolute runtime home directory.
func (r *Resolver) Home() string {
	return r.home
}

// ValidateName returns ErrInvalidName if name cannot be used as a job name.
func ValidateName(name string) error {
	if len(name) == 0 || len(name) > maxNameLength || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	// Job directories share the home with pid, lock and index files.
	if reservedNames[name] || strings.HasSuffix(name, ".pid") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}

	return nil
}

var reservedNames = map[string]bool{
	indexFile:     true,
	indexLockFile:  true,
	recordLockFile: true,
	"config.yaml":  true,
}

// Paths returns the Paths for name without touching the filesystem.
func (r *Resolver) Paths(name string) (Paths, error) {
	if err := ValidateName(name); err != nil {
		return Paths{}, err
	}

	dir := filepath.Join(r.home, name)

	return Paths{
		Dir:      dir,
		PID:      filepath.Join(r.home, name+".pid"),
		Lock:     filepath.Join(r.home, name+".lock"),
		Stdout:   filepath.Join(dir, stdoutFile),
		Stderr:   filepath.Join(dir, stderrFile),
		Log:      filepath.Join(dir, logFile),
		Metadata: filepath.Join(dir, metadataFile),
	}, nil
}

// Resolve returns the Paths for name, creating the runtime home and the job
// directory if they are missing. Existing files are never created or
// modified, so calling Resolve repeatedly is safe.
func (r *Resolver) Resolve(name string) (Paths, error) {
	paths, err := r.Paths(name)
	if err != nil {
		return Paths{}, err
	}

	if err := os.MkdirAll(paths.Dir, 0o755); err != nil {
		return Paths{}, ioError("create job dir", paths.Dir, err)
	}

	if err := checkWritable(r.home); err != nil {
		return Paths{}, ioError("check writable", r.home, err)
	}

	return paths, nil
}

func (r *Resolver) indexPath() string {
	return filepath.Join(r.home, indexFile)
}

func (r *Resolver) indexLockPath() string {
	return filepath.Join(r.home, indexLockFile)
}

func (r *Resolver) recordLockPath() string {
	return filepath.Join(r.home, recordLockFile)
}
