//go:build unix

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"
)

// defaultStartTimeout bounds how long Daemon waits for the supervising
// process to report that the child is running.
const defaultStartTimeout = 30 * time.Second

// Daemon runs the Job in a detached supervising process. The current binary
// is re-executed with Args and the job name, in a new session, with its
// output going to the job's files. The job's lock is handed to that process,
// so there is no window in which a second run could take it.
//
// Launch returns once the supervising process reports the child as started,
// or reports why it could not be started. The re-executed binary is expected
// to call Manager.Supervise.
type Daemon struct {
	// Executable is the program to run. Defaults to the current executable.
	Executable string

	// Args precede the job name on the command line. Defaults to
	// "supervise".
	Args []string

	// Env is appended to the current environment.
	Env []string

	// StartTimeout defaults to 30s.
	StartTimeout time.Duration

	// OnExit, if set, is called with the result of reaping the supervising
	// process once it exits. It runs on the goroutine that reaps it.
	OnExit func(error)
}

// Supported reports nil: daemon mode is available on unix.
func (d Daemon) Supported() error {
	return nil
}

func (d Daemon) Launch(ctx context.Context, job *Job) (*Record, error) {
	defer job.abandon()

	exe := d.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return job.Record(), fmt.Errorf("resolve executable: %w", err)
		}
	}

	args := slices.Clone(d.Args)
	if len(args) == 0 {
		args = []string{"supervise"}
	}

	args = append(args, job.Name())

	timeout := d.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	stdout, err := openAppend(job.paths.Stdout)
	if err != nil {
		return job.Record(), err
	}
	defer stdout.Close()

	stderr, err := openAppend(job.paths.Stderr)
	if err != nil {
		return job.Record(), err
	}
	defer stderr.Close()

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return job.Record(), fmt.Errorf("create readiness pipe: %w", err)
	}
	defer readyR.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// ExtraFiles[i] becomes descriptor 3+i in the child.
	cmd.ExtraFiles = []*os.File{job.lock.file(), readyW}
	cmd.Env = append(os.Environ(), d.Env...)
	cmd.Env = append(
		cmd.Env,
		EnvHome+"="+job.store.Resolver().Home(),
		EnvLockFD+"=3",
		EnvReadyFD+"=4",
	)

	if err := cmd.Start(); err != nil {
		readyW.Close()
		fmt.Fprintf(stderr, "cwljob: spawn supervisor %s: %v\n", exe, err)
		job.finish(StatusFailed, nil)

		return job.Record(), &SpawnError{Name: job.Name(), Program: exe, Err: err}
	}

	readyW.Close()

	go d.reap(cmd)

	job.opts.logger.Debug(
		"daemon supervisor started",
		"job", job.Name(),
		"pid", cmd.Process.Pid,
	)

	msg, err := awaitReady(ctx, readyR, timeout)
	if err != nil {
		return job.Record(), fmt.Errorf("wait for job %s to start: %w", job.Name(), err)
	}

	if msg != readyOK {
		program := ""
		if cmdline := job.Record().Command; len(cmdline) > 0 {
			program = cmdline[0]
		}

		return job.persisted(), &SpawnError{
			Name:    job.Name(),
			Program: program,
			Err:     errors.New(msg),
		}
	}

	return job.persisted(), nil
}

// reap waits for the supervising process so it doesn't linger as a zombie
// while the launching process keeps running.
func (d Daemon) reap(cmd *exec.Cmd) {
	err := cmd.Wait()

	if d.OnExit != nil {
		d.OnExit(err)
	}
}

// awaitReady reads the supervising process' readiness report. The pipe
// reaching EOF without a report means the process died before starting the
// child.
func awaitReady(ctx context.Context, r *os.File, timeout time.Duration) (string, error) {
	if err := r.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	type result struct {
		msg string
		err error
	}

	ch := make(chan result, 1)
	go func() {
		b, err := io.ReadAll(r)
		ch <- result{strings.TrimSpace(string(b)), err}
	}()

	select {
	case <-ctx.Done():
		r.SetReadDeadline(time.Now())
		<-ch
		return "", ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return "", res.err
		}

		if res.msg == "" {
			return "", errors.New("supervisor exited before reporting readiness")
		}

		return res.msg, nil
	}
}
