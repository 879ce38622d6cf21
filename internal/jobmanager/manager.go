package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/nixpig/cwljob/internal/jobmanager/output"
)

// Manager is the caller-facing repository of Jobs. It keeps no in-memory job
// table: every operation works on the files under the runtime home, so any
// number of Managers in any number of processes can share one home.
type Manager struct {
	store     *Store
	logger    *slog.Logger
	sink      output.SinkOptions
	waitDelay time.Duration
	interval  time.Duration
	modes     map[Mode]LaunchMode
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for Manager and Store messages.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSinkOptions sets the rotation of each job's lifecycle log.
func WithSinkOptions(opts output.SinkOptions) Option {
	return func(m *Manager) {
		m.sink = opts
	}
}

// WithLaunchMode registers lm for mode, replacing the default.
func WithLaunchMode(mode Mode, lm LaunchMode) Option {
	return func(m *Manager) {
		m.modes[mode] = lm
	}
}

// WithFollowInterval sets how often followed logs are polled.
func WithFollowInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithWaitDelay sets how long an interrupted child has to exit before it is
// killed.
func WithWaitDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.waitDelay = d
	}
}

// NewManager creates a Manager for the runtime home directory.
func NewManager(home string, opts ...Option) (*Manager, error) {
	resolver, err := NewResolver(home)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		logger:   slog.New(slog.DiscardHandler),
		sink:     output.DefaultSinkOptions(),
		interval: output.DefaultPollInterval,
		modes: map[Mode]LaunchMode{
			ModeInteractive: Interactive{},
			ModeDaemon:      Daemon{},
		},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.store = NewStore(resolver, m.logger)

	return m, nil
}

// Store returns the Store used by the Manager.
func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) jobOptions() jobOptions {
	return jobOptions{
		logger:    m.logger,
		sink:      m.sink,
		waitDelay: m.waitDelay,
	}
}

// SubmitRequest describes a Job to run.
type SubmitRequest struct {
	Name    string
	Command []string
	Request Request

	// Mode defaults to ModeInteractive.
	Mode Mode
}

// Submit creates the Job's Record and launches it with the LaunchMode
// registered for req.Mode. In interactive mode it returns the terminal
// Record; in daemon mode it returns once the child is running.
//
// It returns ErrAlreadyRunning if a Job with the same name is live. Errors
// that occur after the child was spawned are reported through the terminal
// status, not as an error.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Record, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("command is empty")
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeInteractive
	}

	launcher, ok := m.modes[mode]
	if !ok {
		return nil, fmt.Errorf("unknown launch mode %q", mode)
	}

	if a, ok := launcher.(availability); ok {
		if err := a.Supported(); err != nil {
			return nil, fmt.Errorf("launch mode %q: %w", mode, err)
		}
	}

	paths, err := m.store.Resolver().Resolve(req.Name)
	if err != nil {
		return nil, err
	}

	lock, err := tryLock(paths.Lock)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, req.Name)
		}

		return nil, err
	}

	now := time.Now().UTC()
	rec := &Record{
		Name:        req.Name,
		Status:      StatusNotReady,
		Created:     now,
		LastUpdated: now,
		Request:     req.Request,
		RunID:       uuid.NewString(),
		Command:     slices.Clone(req.Command),
		Mode:        mode,
	}

	if err := m.store.Create(rec); err != nil {
		lock.Release()
		return nil, err
	}

	m.logger.Info(
		"job submitted",
		"job", rec.Name,
		"run", rec.RunID,
		"mode", mode,
	)

	return launcher.Launch(ctx, newJob(m.store, rec, paths, lock, m.jobOptions()))
}

// JobView is a Record together with the current content of the Job's files.
type JobView struct {
	Record *Record
	Stdout []string
	Stderr []string
	Log    []string
}

// Query returns the named Job's Record and output. A missing Job is reported
// as found=false. A Record whose supervisor is gone is reconciled first.
func (m *Manager) Query(name string) (*JobView, bool, error) {
	rec, found, err := m.store.Lookup(name)
	if err != nil || !found {
		return nil, found, err
	}

	rec, err = m.store.Reconcile(rec)
	if err != nil {
		return nil, true, err
	}

	paths, err := m.store.Resolver().Paths(name)
	if err != nil {
		return nil, true, err
	}

	view := &JobView{Record: rec}

	for _, f := range []struct {
		path  string
		lines *[]string
	}{
		{paths.Stdout, &view.Stdout},
		{paths.Stderr, &view.Stderr},
		{paths.Log, &view.Log},
	} {
		lines, err := output.ReadLines(f.path)
		if err != nil {
			return nil, true, ioError("read", f.path, err)
		}

		*f.lines = lines
	}

	return view, true, nil
}

// Get returns the named Job's reconciled Record or ErrNotFound.
func (m *Manager) Get(name string) (*Record, error) {
	rec, err := m.store.Read(name)
	if err != nil {
		return nil, err
	}

	return m.store.Reconcile(rec)
}

// List returns the index entries of all known Jobs, newest first.
func (m *Manager) List() ([]IndexEntry, error) {
	return m.store.List()
}

// Remove deletes the named Job and its files. It returns ErrNotFound for an
// unknown Job and ErrAlreadyRunning while the Job is live.
func (m *Manager) Remove(name string) error {
	paths, err := m.store.Resolver().Paths(name)
	if err != nil {
		return err
	}

	known, err := m.store.known(name)
	if err != nil {
		return err
	}

	if !known {
		return notFound(name)
	}

	lock, err := tryLock(paths.Lock)
	if err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		}

		// Without a home there is nothing to guard.
		lock = nil
	}
	defer lock.Release()

	if err := m.store.Remove(name); err != nil {
		return err
	}

	m.logger.Info("job removed", "job", name)

	return nil
}

// Stop cancels the named Job. A Job that is not yet terminal is marked
// StatusCancelled before its child is sent a termination signal, so the
// supervisor keeps that status when it observes the exit. The status check
// and change are one Store.Update: a Job that finishes concurrently keeps its
// terminal status. If no pid file exists the status change is still applied.
// A child that has already exited is not an error. The signal is sent once and
// never escalated.
func (m *Manager) Stop(name string) (*Record, error) {
	paths, err := m.store.Resolver().Paths(name)
	if err != nil {
		return nil, err
	}

	var prev *Record

	rec, err := m.store.Update(name, func(r *Record) bool {
		if r.Status.Terminal() {
			return false
		}

		prev = r.clone()
		r.Status = StatusCancelled
		r.LastUpdated = time.Now().UTC()

		return true
	})
	if err != nil {
		return nil, err
	}

	if prev == nil {
		// A pid file left behind by a finished job may name a recycled pid.
		if err := removePIDFile(paths.PID); err != nil {
			m.logger.Warn("remove stale pid file", "job", name, "err", err)
		}

		return rec, nil
	}

	pid, ok, err := readPIDFile(paths.PID)
	if err != nil {
		m.logger.Warn("unreadable pid file", "job", name, "err", err)
	}

	if ok && !processAlive(pid) {
		m.logger.Debug("child already exited", "job", name, "pid", pid)
		ok = false
	}

	if ok {
		if err := terminate(pid); err != nil {
			if _, werr := m.store.Update(name, func(r *Record) bool {
				if r.Status != StatusCancelled {
					return false
				}

				r.Status = prev.Status
				r.LastUpdated = prev.LastUpdated

				return true
			}); werr != nil {
				m.logger.Error("restore job record", "job", name, "err", werr)
			}

			return nil, fmt.Errorf("signal job %s (pid %d): %w", name, pid, err)
		}
	}

	if err := removePIDFile(paths.PID); err != nil {
		m.logger.Warn("remove pid file", "job", name, "err", err)
	}

	m.logger.Info("job cancelled", "job", name, "pid", pid)

	return rec, nil
}

// Stream names the files of a Job that Logs can read.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
	StreamLog    Stream = "log"
	StreamAll    Stream = "all"
)

// LogOptions select what Logs writes.
type LogOptions struct {
	// Stream defaults to StreamStdout.
	Stream Stream

	// Follow keeps writing new lines until ctx is cancelled.
	Follow bool

	// Tail limits the output to the last Tail lines of each file that are
	// already present. Zero means all.
	Tail int
}

// Logs writes the named Job's output to w. With StreamAll every line is
// prefixed with the name of its file.
func (m *Manager) Logs(
	ctx context.Context,
	name string,
	opts LogOptions,
	w io.Writer,
) error {
	paths, err := m.store.Resolver().Paths(name)
	if err != nil {
		return err
	}

	known, err := m.store.known(name)
	if err != nil {
		return err
	}

	if !known {
		return notFound(name)
	}

	sources, err := logSources(paths, opts.Stream)
	if err != nil {
		return err
	}

	for i, src := range sources {
		lines, offset, err := output.TailAt(src.Path, opts.Tail)
		if err != nil {
			return ioError("read", src.Path, err)
		}

		for _, line := range lines {
			if err := output.WriteLine(w, src.Label, line); err != nil {
				return err
			}
		}

		sources[i].Offset = offset
	}

	if !opts.Follow {
		return nil
	}

	return output.FollowAll(ctx, w, m.interval, sources...)
}

func logSources(paths Paths, stream Stream) ([]output.Source, error) {
	switch stream {
	case "", StreamStdout:
		return []output.Source{{Path: paths.Stdout}}, nil
	case StreamStderr:
		return []output.Source{{Path: paths.Stderr}}, nil
	case StreamLog:
		return []output.Source{{Path: paths.Log}}, nil
	case StreamAll:
		return []output.Source{
			{Label: string(StreamStdout), Path: paths.Stdout},
			{Label: string(StreamStderr), Path: paths.Stderr},
			{Label: string(StreamLog), Path: paths.Log},
		}, nil
	default:
		return nil, fmt.Errorf("unknown log stream %q", stream)
	}
}

// GC removes terminal Jobs last updated more than maxAge ago and returns
// their names. With dryRun nothing is removed.
func (m *Manager) GC(maxAge time.Duration, dryRun bool) ([]string, error) {
	entries, err := m.store.List()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)

	var removed []string

	for _, e := range entries {
		if !e.Status.Terminal() || e.LastUpdated.After(cutoff) {
			continue
		}

		if !dryRun {
			if err := m.Remove(e.Name); err != nil {
				if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrNotFound) {
					m.logger.Debug("skip job", "job", e.Name, "err", err)
					continue
				}

				return removed, err
			}
		}

		removed = append(removed, e.Name)
	}

	return removed, nil
}
