package jobmanager

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nixpig/cwljob/internal/jobmanager/output"
)

// defaultWaitDelay bounds how long an interrupted child may take to exit, and
// how long output copying may outlive it, before it is killed.
const defaultWaitDelay = 10 * time.Second

type jobOptions struct {
	logger    *slog.Logger
	sink      output.SinkOptions
	waitDelay time.Duration
}

// Job supervises one run of the workflow engine process for a named job. It
// owns every status transition of its Record from not-ready to a terminal
// status, and holds the job's lock for the whole run.
type Job struct {
	name  string
	paths Paths
	store *Store
	lock  *fileLock
	opts  jobOptions

	state       AtomicStatus
	interrupted atomic.Bool
	finished    atomic.Bool

	mu     sync.Mutex
	record *Record

	stdoutTee io.Writer
	stderrTee io.Writer

	cmd    *exec.Cmd
	files  []*os.File
	sink   io.WriteCloser
	events *slog.Logger

	done chan struct{}
}

func newJob(
	store *Store,
	record *Record,
	paths Paths,
	lock *fileLock,
	opts jobOptions,
) *Job {
	if opts.logger == nil {
		opts.logger = slog.New(slog.DiscardHandler)
	}

	if opts.waitDelay <= 0 {
		opts.waitDelay = defaultWaitDelay
	}

	sink := output.NewSink(paths.Log, opts.sink)

	j := &Job{
		name:   record.Name,
		paths:  paths,
		store:  store,
		lock:   lock,
		opts:   opts,
		record: record.clone(),
		sink:   sink,
		events: slog.New(slog.NewJSONHandler(sink, nil)).With(
			"job", record.Name,
			"run", record.RunID,
		),
		done: make(chan struct{}),
	}

	j.state.Store(record.Status)

	return j
}

// attach duplicates the child's output to the given writers in addition to
// the job's stdout and stderr files.
func (j *Job) attach(stdout, stderr io.Writer) {
	j.stdoutTee = stdout
	j.stderrTee = stderr
}

// Start spawns the child process and returns once it is running. Waiting for
// it happens on a separate goroutine; use Done or Wait to observe the end of
// the run.
//
// Cancelling ctx terminates the child and the job ends as StatusKilled. A Job
// cancelled before it started ends as StatusCancelled without a child.
// Trying to start a Job that is not in StatusNotReady returns an
// InvalidStateError. If the child cannot be spawned the job ends as
// StatusFailed and a *SpawnError is returned.
func (j *Job) Start(ctx context.Context) error {
	if !j.state.CompareAndSwap(StatusNotReady, StatusRunning) {
		return NewInvalidStateError(j.state.Load(), StatusRunning)
	}

	command := j.Record().Command
	if len(command) == 0 {
		j.finish(StatusFailed, nil)
		return &SpawnError{Name: j.name, Err: fmt.Errorf("command is empty")}
	}

	if err := ctx.Err(); err != nil {
		j.finish(StatusKilled, nil)
		return err
	}

	now := time.Now().UTC()

	rec, ok, err := j.advance(func(r *Record) {
		r.Status = StatusRunning
		r.LastUpdated = now
	})
	if err != nil {
		j.finish(StatusFailed, nil)
		return err
	}

	if !ok {
		j.finish(StatusCancelled, nil)
		return nil
	}

	j.events.Info("job running", "command", command, "mode", rec.Mode)

	stdout, err := openAppend(j.paths.Stdout)
	if err != nil {
		j.finish(StatusFailed, nil)
		return err
	}

	stderr, err := openAppend(j.paths.Stderr)
	if err != nil {
		stdout.Close()
		j.finish(StatusFailed, nil)
		return err
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stdout = teeWriter(stdout, j.stdoutTee)
	cmd.Stderr = teeWriter(stderr, j.stderrTee)
	cmd.WaitDelay = j.opts.waitDelay
	cmd.Cancel = func() error {
		j.interrupted.Store(true)
		return interruptProcess(cmd.Process)
	}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(stderr, "cwljob: spawn %s: %v\n", command[0], err)
		stdout.Close()
		stderr.Close()

		j.events.Error("spawn failed", "err", err)
		j.finish(StatusFailed, nil)

		return &SpawnError{Name: j.name, Program: command[0], Err: err}
	}

	j.cmd = cmd
	j.files = []*os.File{stdout, stderr}

	pid := cmd.Process.Pid

	if err := writePIDFile(j.paths.PID, pid); err != nil {
		j.opts.logger.Warn("write pid file", "job", j.name, "err", err)
	}

	setPID := func(r *Record) { r.PID = pid }

	if _, ok, err := j.advance(setPID); err != nil {
		j.opts.logger.Warn("persist job pid", "job", j.name, "err", err)
		j.update(setPID)
	} else if !ok {
		// Stop ran before the pid file existed.
		if err := interruptProcess(cmd.Process); err != nil {
			j.opts.logger.Debug("signal cancelled child", "job", j.name, "err", err)
		}
	}

	j.events.Info("child started", "pid", pid)

	go j.wait()

	return nil
}

func (j *Job) wait() {
	defer func() {
		if r := recover(); r != nil {
			j.finish(StatusKilled, nil)
			panic(r)
		}
	}()

	err := j.cmd.Wait()

	for _, f := range j.files {
		f.Close()
	}

	res := ExitResultOf(j.cmd.ProcessState, j.interrupted.Load())
	if err != nil {
		j.events.Debug("wait returned", "err", err)
	}

	var code *int
	if c, ok := res.Code(); ok {
		code = &c
	}

	j.finish(res.Status(), code)
}

// finish records the terminal status, removes the pid file and releases the
// job's lock. A cancellation recorded while the child was running takes
// precedence over the observed outcome. Only the first call has an effect.
func (j *Job) finish(status Status, code *int) {
	if j.finished.Swap(true) {
		return
	}

	defer close(j.done)

	if err := removePIDFile(j.paths.PID); err != nil {
		j.opts.logger.Warn("remove pid file", "job", j.name, "err", err)
	}

	now := time.Now().UTC()
	final := func(r *Record) {
		r.Status = status
		r.LastUpdated = now
		r.PID = 0
		r.ExitCode = code
	}

	_, err := j.store.Update(j.name, func(r *Record) bool {
		if r.Status == StatusCancelled {
			status = StatusCancelled
		}

		final(r)

		return true
	})

	rec := j.update(final)

	if err != nil {
		j.opts.logger.Warn("update job record", "job", j.name, "err", err)

		if err := j.store.Write(rec); err != nil {
			j.opts.logger.Error("persist final job record", "job", j.name, "err", err)
		}
	}

	j.state.Store(status)

	attrs := []any{"status", status}
	if code != nil {
		attrs = append(attrs, "exitCode", *code)
	}

	j.events.Info("job finished", attrs...)

	if err := j.sink.Close(); err != nil {
		j.opts.logger.Debug("close job log", "job", j.name, "err", err)
	}

	if err := j.lock.Release(); err != nil {
		j.opts.logger.Debug("release job lock", "job", j.name, "err", err)
	}
}

// advance applies fn to the persisted Record and then to the in-memory one.
// It reports false, changing neither, if the persisted Record was cancelled
// by another caller.
func (j *Job) advance(fn func(*Record)) (*Record, bool, error) {
	cancelled := false

	_, err := j.store.Update(j.name, func(r *Record) bool {
		if r.Status == StatusCancelled {
			cancelled = true
			return false
		}

		fn(r)

		return true
	})
	if err != nil {
		return nil, false, err
	}

	if cancelled {
		return j.Record(), false, nil
	}

	return j.update(fn), true, nil
}

func (j *Job) update(fn func(*Record)) *Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	fn(j.record)

	return j.record.clone()
}

// Name returns the name of the Job.
func (j *Job) Name() string {
	return j.name
}

// Paths returns the filesystem locations of the Job.
func (j *Job) Paths() Paths {
	return j.paths
}

// Status returns the in-memory status of the Job.
func (j *Job) Status() Status {
	return j.state.Load()
}

// Record returns a copy of the Job's current Record.
func (j *Job) Record() *Record {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.record.clone()
}

// Done returns a channel that is closed once the Job has reached a terminal
// status and its final Record is persisted.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the Job is done and returns its final Record.
func (j *Job) Wait() *Record {
	<-j.done
	return j.Record()
}

// persisted returns the Record as last written to the store, which another
// process may have advanced.
func (j *Job) persisted() *Record {
	rec, err := j.store.Read(j.name)
	if err != nil {
		return j.Record()
	}

	return rec
}

// abandon releases resources of a Job that was handed to another process
// without being started here.
func (j *Job) abandon() {
	j.sink.Close()
	j.lock.Release()
}

func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, ioError("open", path, err)
	}

	return f, nil
}

func teeWriter(f *os.File, tee io.Writer) io.Writer {
	if tee == nil {
		return f
	}

	return io.MultiWriter(f, tee)
}
