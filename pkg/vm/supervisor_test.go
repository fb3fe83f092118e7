//go:build !windows

package vm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/logging"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/process"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/processstate"
)

// ===== SUPERVISOR TESTS =====

func TestRunVM_RecordsCleanExit(t *testing.T) {
	recorder := &spawnRecorder{}
	env := newTestControl(t, func(options *ControlOptions) {
		options.ExecuteCmd = shellExecuteCmd("exit 0", recorder)
	})
	env.control.setPhase(PhaseBooting)
	ctx, cancel := env.startTaskContext()
	defer cancel()

	err := env.control.runVM(ctx)
	require.NoError(t, err)

	status := env.control.ExitStatus()
	require.NotNil(t, status)
	assert.Equal(t, 0, *status)
	assert.False(t, env.control.MemErr())
	assert.NotZero(t, env.control.PID())
	assert.Equal(t, PhaseOff, env.control.Phase())
	assert.Error(t, ctx.Err(), "process exit should cancel the whole run")
	assert.Contains(t, env.logContent(t), fmt.Sprintf("Subprocess Id %d", env.control.PID()))
}

func TestRunVM_RecordsErrorStatus(t *testing.T) {
	env := newTestControl(t, func(options *ControlOptions) {
		options.ExecuteCmd = shellExecuteCmd("exit 3", nil)
	})
	env.control.setPhase(PhaseBooting)
	ctx, cancel := env.startTaskContext()
	defer cancel()

	err := env.control.runVM(ctx)
	require.NoError(t, err)

	status := env.control.ExitStatus()
	require.NotNil(t, status)
	assert.Equal(t, 3, *status)
	assert.False(t, env.control.MemErr())
}

func TestRunVM_RecordsSignalDeathAsNegativeStatus(t *testing.T) {
	env := newTestControl(t, func(options *ControlOptions) {
		options.ExecuteCmd = shellExecuteCmd("kill -KILL $$", nil)
	})
	env.control.setPhase(PhaseBooting)
	ctx, cancel := env.startTaskContext()
	defer cancel()

	err := env.control.runVM(ctx)
	require.NoError(t, err)

	status := env.control.ExitStatus()
	require.NotNil(t, status)
	assert.Equal(t, -9, *status)
}

func TestRunVM_FlagsMemoryAllocationFailure(t *testing.T) {
	env := newTestControl(t, func(options *ControlOptions) {
		options.ExecuteCmd = shellExecuteCmd(
			"echo 'qemu-system-x86_64: cannot set up guest memory: Cannot allocate memory'; exit 1", nil)
	})
	env.control.setPhase(PhaseBooting)
	ctx, cancel := env.startTaskContext()
	defer cancel()

	err := env.control.runVM(ctx)
	require.NoError(t, err)

	status := env.control.ExitStatus()
	require.NotNil(t, status)
	assert.Equal(t, 1, *status)
	assert.True(t, env.control.MemErr())
}

func TestRunVM_PlainStatusOneIsNotAMemoryError(t *testing.T) {
	env := newTestControl(t, func(options *ControlOptions) {
		options.ExecuteCmd = shellExecuteCmd("echo 'could not open disk image'; exit 1", nil)
	})
	env.control.setPhase(PhaseBooting)
	ctx, cancel := env.startTaskContext()
	defer cancel()

	err := env.control.runVM(ctx)
	require.NoError(t, err)

	status := env.control.ExitStatus()
	require.NotNil(t, status)
	assert.Equal(t, 1, *status)
	assert.False(t, env.control.MemErr())
}

func TestRunVM_SpawnFailure(t *testing.T) {
	env := newTestControl(t, func(options *ControlOptions) {
		options.ExecuteCmd = process.NewLogFileExecuteCmd(process.ExecutionConfig{
			ExecutablePath: "/no/such/dir/hypervisor",
		}, "test-vm", logging.NewLogger("", logging.LogFuncs{}))
	})
	env.control.setPhase(PhaseBooting)
	ctx, cancel := env.startTaskContext()
	defer cancel()

	err := env.control.runVM(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	assert.Nil(t, env.control.ExitStatus())
	assert.Zero(t, env.control.PID())
	assert.Equal(t, PhaseOff, env.control.Phase())
	assert.Error(t, ctx.Err(), "spawn failure should cancel the whole run")
}

func TestRunVM_AbandonsChildOnCancel(t *testing.T) {
	recorder := &spawnRecorder{}
	env := newTestControl(t, func(options *ControlOptions) {
		options.ExecuteCmd = shellExecuteCmd("sleep 60", recorder)
	})
	env.control.setPhase(PhaseBooting)
	ctx, cancel := env.startTaskContext()
	t.Cleanup(recorder.killIfStarted)

	done := make(chan error, 1)
	go func() {
		done <- env.control.runVM(ctx)
	}()

	require.Eventually(t, func() bool { return env.control.PID() != 0 },
		2*time.Second, 10*time.Millisecond, "process should have started")

	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.IsCancellation(err))
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return after cancellation")
	}

	// The child is abandoned, not killed.
	alive, err := processstate.IsRunning(env.control.PID())
	require.NoError(t, err)
	assert.True(t, alive)

	assert.Nil(t, env.control.ExitStatus())
	assert.Equal(t, PhaseOff, env.control.Phase())
}

func TestScanForMemoryError(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected bool
	}{
		{
			name:     "message present",
			content:  "some output\nqemu: cannot set up guest memory 'pc.ram': Cannot allocate memory\n",
			expected: true,
		},
		{
			name:     "message absent",
			content:  "some output\nqemu: could not open disk image\n",
			expected: false,
		},
		{
			name:     "empty log",
			content:  "",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vm.log")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))
			file, err := os.OpenFile(path, os.O_RDWR, 0)
			require.NoError(t, err)
			defer file.Close()

			found, err := scanForMemoryError(file)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, found)
		})
	}
}
