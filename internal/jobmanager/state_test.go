//go:build unix

package jobmanager

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func processState(t *testing.T, script string) *exec.Cmd {
	t.Helper()

	cmd := exec.Command("sh", "-c", script)
	_ = cmd.Run()

	require.NotNil(t, cmd.ProcessState)

	return cmd
}

func TestExitClassification(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		script      string
		interrupted bool
		wantStatus  Status
		wantCode    int
		wantHasCode bool
	}{
		"Exit zero": {
			script:      "exit 0",
			wantStatus:  StatusCompleted,
			wantCode:    0,
			wantHasCode: true,
		},
		"Exit one": {
			script:      "exit 1",
			wantStatus:  StatusFailed,
			wantCode:    1,
			wantHasCode: true,
		},
		"Exit other": {
			script:      "exit 3",
			wantStatus:  StatusUnknown,
			wantCode:    3,
			wantHasCode: true,
		},
		"Exit high": {
			script:      "exit 127",
			wantStatus:  StatusUnknown,
			wantCode:    127,
			wantHasCode: true,
		},
		"Signalled": {
			script:      "kill -KILL $$",
			wantStatus:  StatusKilled,
			wantCode:    -1,
			wantHasCode: false,
		},
		"Interrupted supervisor": {
			script:      "exit 0",
			interrupted: true,
			wantStatus:  StatusKilled,
			wantCode:    -1,
			wantHasCode: false,
		},
	}

	for scenario, config := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			cmd := processState(t, config.script)
			res := ExitResultOf(cmd.ProcessState, config.interrupted)

			require.Equal(t, config.wantStatus, res.Status())

			code, ok := res.Code()
			require.Equal(t, config.wantHasCode, ok)
			require.Equal(t, config.wantCode, code)
		})
	}

	t.Run("Test no process state", func(t *testing.T) {
		t.Parallel()

		res := ExitResultOf(nil, false)
		require.Equal(t, StatusKilled, res.Status())

		_, ok := res.Code()
		require.False(t, ok)
	})
}
