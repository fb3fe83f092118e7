package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/logging"
)

type ExecutionConfig struct {
	ExecutablePath string   `yaml:"executable_path"`
	Args           []string `yaml:"args,omitempty"`
	Environment    []string `yaml:"environment,omitempty"`
}

// LogFileExecuteCmd spawns the hypervisor with combined stdout/stderr
// appended to logFile via an inherited descriptor. The returned WriteCloser
// is the held-open write end of the child's stdin pipe: the child sees EOF
// only when the supervisor closes it, never an immediate end-of-input.
type LogFileExecuteCmd func(ctx context.Context, logFile *os.File) (*os.Process, io.WriteCloser, error)

// NewLogFileExecuteCmd builds the production spawn function. The child runs
// in its own session, so an interrupt delivered to the supervisor's
// terminal never reaches it; cancellation of ctx after a successful start
// does not kill the child either. Abandoning the process is a deliberate
// policy, the guest gets shut down through the control socket instead.
func NewLogFileExecuteCmd(execution ExecutionConfig, id string, logger logging.Logger) LogFileExecuteCmd {
	return func(ctx context.Context, logFile *os.File) (*os.Process, io.WriteCloser, error) {
		if ctx == nil {
			logger.Errorf("Context cannot be nil, id: %s", id)
			return nil, nil, errors.NewValidationError("context cannot be nil", nil).WithContext("id", id)
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if logFile == nil {
			return nil, nil, errors.NewValidationError("log file cannot be nil", nil).WithContext("id", id)
		}

		if err := ValidateExecutionConfig(execution); err != nil {
			logger.Errorf("Execution configuration validation failed, id: %s, error: %v", id, err)
			return nil, nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
		}

		executablePath := execution.ExecutablePath
		if !strings.ContainsRune(executablePath, os.PathSeparator) {
			resolved, err := exec.LookPath(executablePath)
			if err != nil {
				return nil, nil, errors.NewProcessError("executable not found in PATH", err).WithContext("id", id).WithContext("executable_path", executablePath)
			}
			executablePath = resolved
		}

		env := os.Environ()
		env = append(env, execution.Environment...)

		logger.Debugf("Executing process: id: %s, executable path: '%s', args: %v",
			id, executablePath, execution.Args)

		cmd := exec.Command(executablePath, execution.Args...)
		cmd.Env = env
		cmd.Stdout = logFile
		cmd.Stderr = logFile

		// Platform-specific setup is handled in execute_unix.go or execute_windows.go
		setupProcessAttributes(cmd)

		stdinRead, stdinWrite, err := os.Pipe()
		if err != nil {
			return nil, nil, errors.NewIOError("failed to create stdin pipe", err).WithContext("id", id)
		}
		cmd.Stdin = stdinRead

		if err := cmd.Start(); err != nil {
			stdinRead.Close()
			stdinWrite.Close()
			return nil, nil, errors.NewProcessError("failed to start the process", err).WithContext("id", id).WithContext("executable_path", executablePath)
		}

		// The child holds its own copy of the read end now.
		stdinRead.Close()

		logger.Infof("Successfully executed process, id: %s, PID: %d", id, cmd.Process.Pid)

		return cmd.Process, stdinWrite, nil
	}
}

// ValidateExecutionConfig validates execution configuration
func ValidateExecutionConfig(config ExecutionConfig) error {
	if config.ExecutablePath == "" {
		return errors.NewValidationError("executable path is required", nil)
	}

	// A bare command name is resolved on PATH at spawn time; only explicit
	// paths can be checked here.
	if strings.ContainsRune(config.ExecutablePath, os.PathSeparator) {
		if _, err := os.Stat(config.ExecutablePath); os.IsNotExist(err) {
			return errors.NewValidationError("executable not found: "+config.ExecutablePath, err)
		}
	}

	for _, env := range config.Environment {
		if !strings.Contains(env, "=") {
			return errors.NewValidationError("invalid environment variable format: "+env, nil)
		}
	}

	return nil
}
