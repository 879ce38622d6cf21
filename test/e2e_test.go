//go:build e2e

package e2e_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const waitTimeout = 10 * time.Second

type testEnv struct {
	home    string
	specDir string
	cliPath string
}

type record struct {
	Name     string `json:"jobName"`
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	ExitCode *int   `json:"exitCode"`
}

// NOTE: A relative path is used to determine the source location to build
// the CLI binary. Running this test from anywhere that breaks that relative
// path will not work.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		home:    t.TempDir(),
		specDir: t.TempDir(),
		cliPath: filepath.Join(t.TempDir(), "cwljob"),
	}

	build := exec.Command("go", "build", "-o", env.cliPath, "../cmd/cwljob")

	if output, err := build.CombinedOutput(); err != nil {
		t.Fatalf("failed to build CLI binary: '%v' (output: '%s')", err, output)
	}

	return env
}

func (env *testEnv) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, env.cliPath, append([]string{"--home", env.home}, args...)...)
	cmd.Env = append(os.Environ(), "CWLJOB_CONFIG=")

	return cmd
}

func (env *testEnv) runCLI(
	t *testing.T,
	args ...string,
) (string, string, error) {
	t.Helper()

	cmd := env.command(t.Context(), args...)

	var stdout strings.Builder
	var stderr strings.Builder

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

// writeSpec writes a job spec whose engine runs script with sh.
func (env *testEnv) writeSpec(t *testing.T, name, script string) string {
	t.Helper()

	path := filepath.Join(env.specDir, name+".yaml")
	spec := fmt.Sprintf("name: %s\nengine: [sh, -c, %q]\nworkflow: wf.cwl\n", name, script)

	if err := os.WriteFile(path, []byte(spec), 0o644); err != nil {
		t.Fatalf("write job spec: '%v'", err)
	}

	return path
}

func (env *testEnv) start(t *testing.T, name, script string) {
	t.Helper()

	stdout, stderr, err := env.runCLI(t, "run", "-d", env.writeSpec(t, name, script))
	if err != nil {
		t.Fatalf("expected run not to return error: got '%v' (stderr: '%s')", err, stderr)
	}

	if got := strings.TrimSpace(stdout); got != name {
		t.Errorf("expected run to print job name: got '%s', want '%s'", got, name)
	}
}

func (env *testEnv) get(t *testing.T, name string) record {
	t.Helper()

	stdout, stderr, err := env.runCLI(t, "get", "job", name, "-o", "json")
	if err != nil {
		t.Fatalf("expected get not to return error: got '%v' (stderr: '%s')", err, stderr)
	}

	var rec record
	if err := json.Unmarshal([]byte(stdout), &rec); err != nil {
		t.Fatalf("decode job record: '%v' (output: '%s')", err, stdout)
	}

	return rec
}

func (env *testEnv) waitForStatus(t *testing.T, name, want string) record {
	t.Helper()

	deadline := time.Now().Add(waitTimeout)

	for {
		rec := env.get(t, name)
		if rec.Status == want {
			return rec
		}

		if time.Now().After(deadline) {
			t.Fatalf("expected job status: got '%s', want '%s'", rec.Status, want)
		}

		time.Sleep(100 * time.Millisecond)
	}
}

func TestBasicE2E(t *testing.T) {
	env := setupTestEnv(t)

	t.Run("Test job completes", func(t *testing.T) {
		env.start(t, "e2e-ok", "echo 'Hello, world!'")

		rec := env.waitForStatus(t, "e2e-ok", "completed")
		if rec.ExitCode == nil || *rec.ExitCode != 0 {
			t.Errorf("expected exit code 0: got '%v'", rec.ExitCode)
		}

		stdout, _, err := env.runCLI(t, "log", "e2e-ok")
		if err != nil {
			t.Errorf("expected log not to return error: got '%v'", err)
		}

		if !strings.Contains(stdout, "Hello, world!") {
			t.Errorf("expected log text: got '%s', want 'Hello, world!'", stdout)
		}
	})

	t.Run("Test job fails", func(t *testing.T) {
		env.start(t, "e2e-fail", "exit 1")

		rec := env.waitForStatus(t, "e2e-fail", "failed")
		if rec.ExitCode == nil || *rec.ExitCode != 1 {
			t.Errorf("expected exit code 1: got '%v'", rec.ExitCode)
		}
	})

	t.Run("Test foreground exit code", func(t *testing.T) {
		_, _, err := env.runCLI(t, "run", env.writeSpec(t, "e2e-fg", "exit 1"))

		exitErr, ok := err.(*exec.ExitError)
		if !ok || exitErr.ExitCode() != 1 {
			t.Errorf("expected exit code 1: got '%v'", err)
		}
	})

	t.Run("Test stop long-running job", func(t *testing.T) {
		env.start(t, "e2e-stop", "sleep 30")
		env.waitForStatus(t, "e2e-stop", "running")

		if _, stderr, err := env.runCLI(t, "stop", "e2e-stop"); err != nil {
			t.Fatalf("expected stop not to return error: got '%v' (stderr: '%s')", err, stderr)
		}

		env.waitForStatus(t, "e2e-stop", "cancelled")

		pidFile := filepath.Join(env.home, "e2e-stop.pid")
		if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
			t.Errorf("expected pid file to be removed: got '%v'", err)
		}
	})

	t.Run("Test remove job with deleted directory", func(t *testing.T) {
		env.start(t, "e2e-rm", "exit 0")
		env.waitForStatus(t, "e2e-rm", "completed")

		if err := os.RemoveAll(filepath.Join(env.home, "e2e-rm")); err != nil {
			t.Fatalf("remove job directory: '%v'", err)
		}

		deadline := time.Now().Add(waitTimeout)

		// The supervising process may still hold the lock for a moment.
		for {
			_, stderr, err := env.runCLI(t, "rm", "job", "e2e-rm")
			if err == nil {
				break
			}

			if time.Now().After(deadline) {
				t.Fatalf("expected rm not to return error: got '%v' (stderr: '%s')", err, stderr)
			}

			time.Sleep(100 * time.Millisecond)
		}

		stdout, _, err := env.runCLI(t, "get", "job")
		if err != nil {
			t.Errorf("expected get not to return error: got '%v'", err)
		}

		if strings.Contains(stdout, "e2e-rm") {
			t.Errorf("expected index entry to be removed: got '%s'", stdout)
		}
	})

	t.Run("Test follow active job", func(t *testing.T) {
		env.start(t, "e2e-follow", "echo one; sleep 1; echo two; sleep 30")
		t.Cleanup(func() { env.runCLI(t, "stop", "e2e-follow") })

		ctx, cancel := context.WithCancel(t.Context())
		defer cancel()

		follow := env.command(ctx, "log", "--follow", "e2e-follow")

		stdout, err := follow.StdoutPipe()
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := follow.Start(); err != nil {
			t.Fatalf("failed to exec log command: '%v'", err)
		}
		defer follow.Wait()

		lines := make(chan string)
		go func() {
			defer close(lines)

			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		timeout := time.After(waitTimeout)

		for _, want := range []string{"one", "two"} {
			select {
			case got, ok := <-lines:
				if !ok {
					t.Fatalf("expected log line '%s': log command exited", want)
				}

				if got != want {
					t.Errorf("expected log line: got '%s', want '%s'", got, want)
				}
			case <-timeout:
				t.Fatalf("expected log line '%s' within %s", want, waitTimeout)
			}
		}

		cancel()

		for range lines {
		}
	})
}
