package jobmanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("Test terminal set", func(t *testing.T) {
		var terminal []Status

		for _, s := range statuses {
			if s.Terminal() {
				terminal = append(terminal, s)
			}
		}

		require.ElementsMatch(t, []Status{
			StatusCompleted,
			StatusFailed,
			StatusKilled,
			StatusCancelled,
			StatusUnknown,
		}, terminal)
	})

	t.Run("Test every exit result is terminal", func(t *testing.T) {
		results := []ExitResult{
			{kind: exitNotObserved},
			{kind: exitSignalled},
			{kind: exitInterrupted},
		}

		for code := range 256 {
			results = append(results, ExitResult{kind: exitCode, code: code})
		}

		for _, res := range results {
			require.True(t, res.Status().Terminal(), "exit result %+v", res)
		}
	})

	t.Run("Test valid", func(t *testing.T) {
		require.True(t, StatusCancelled.Valid())
		require.False(t, Status("stopped").Valid())
	})

	t.Run("Test atomic status", func(t *testing.T) {
		var a AtomicStatus

		a.Store(StatusNotReady)
		require.Equal(t, StatusNotReady, a.Load())

		require.False(t, a.CompareAndSwap(StatusRunning, StatusCompleted))
		require.True(t, a.CompareAndSwap(StatusNotReady, StatusRunning))
		require.Equal(t, StatusRunning, a.Load())
	})

	t.Run("Test invalid state error", func(t *testing.T) {
		err := NewInvalidStateError(StatusCompleted, StatusRunning)
		require.Equal(t, "cannot go from completed to running", err.Error())
	})
}
