package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/logging"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/process"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/processstate"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/qemu"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/sessionlog"
)

const (
	DefaultBootTimeout      = 300 * time.Second
	DefaultShutdownTimeout  = 60 * time.Second
	DefaultProbeInterval    = 1 * time.Second
	DefaultProgressInterval = 1 * time.Second
)

// ControlOptions configures a single supervised VM session.
type ControlOptions struct {
	// DiskImage is the path of the bootable image and is required; the
	// session identity (window title, log file name) derives from it.
	DiskImage string

	Command string
	MemGB   float64
	SSHPort int

	// Derived when empty: the log file name from the disk image title,
	// the socket path from this process's pid.
	LogPath       string
	QMPSocketPath string

	BootTimeout      time.Duration
	ShutdownTimeout  time.Duration
	ProbeInterval    time.Duration
	ProgressInterval time.Duration

	// Overridable seams, filled with production defaults by NewControl.
	ExecuteCmd   process.LogFileExecuteCmd
	ProcessAlive func(pid int) (bool, error)
	SessionLog   *sessionlog.Log
	Stdout       io.Writer
	Stderr       io.Writer
}

func (options *ControlOptions) setDefaults() {
	if options.Command == "" {
		options.Command = qemu.DefaultCommand
	}
	if options.MemGB == 0 {
		options.MemGB = qemu.DefaultMemGB
	}
	if options.SSHPort == 0 {
		options.SSHPort = qemu.DefaultSSHPort
	}
	if options.LogPath == "" {
		options.LogPath = qemu.LogFileName(qemu.Title(options.DiskImage))
	}
	if options.QMPSocketPath == "" {
		options.QMPSocketPath = qemu.SocketPath(os.Getpid())
	}
	if options.BootTimeout == 0 {
		options.BootTimeout = DefaultBootTimeout
	}
	if options.ShutdownTimeout == 0 {
		options.ShutdownTimeout = DefaultShutdownTimeout
	}
	if options.ProbeInterval == 0 {
		options.ProbeInterval = DefaultProbeInterval
	}
	if options.ProgressInterval == 0 {
		options.ProgressInterval = DefaultProgressInterval
	}
	if options.ProcessAlive == nil {
		options.ProcessAlive = processstate.IsRunning
	}
	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}
}

// TaskError records the failure of one supervising task by name.
type TaskError struct {
	Task string
	Err  error
}

// Result is the final state of a supervised run, captured after every
// task has returned.
type Result struct {
	Phase          Phase
	PID            int
	ExitStatus     *int
	MemErr         bool
	QMPEstablished bool
	TaskErrors     []TaskError
}

// Control supervises one VM process from launch to exit. It is
// single-use: create with NewControl, invoke Run once, then read the
// outcome from the returned Result.
type Control struct {
	options ControlOptions
	title   string
	logger  logging.Logger
	slog    *sessionlog.Log

	shutdownRequest *shutdownSignal
	bootFinished    chan struct{}
	cancelRun       context.CancelFunc

	mu             sync.Mutex
	ran            bool
	phase          Phase
	pid            int
	exitStatus     *int
	memErr         bool
	qmpEstablished bool
}

func validateControlOptions(options ControlOptions) error {
	if options.DiskImage == "" {
		return errors.NewValidationError("disk image cannot be empty", nil)
	}
	if options.MemGB < 0 {
		return errors.NewValidationError("memory size cannot be negative", nil).WithContext("mem_gb", options.MemGB)
	}
	if options.SSHPort < 0 || options.SSHPort > 65535 {
		return errors.NewValidationError("ssh port out of range", nil).WithContext("port", options.SSHPort)
	}
	return nil
}

// NewControl validates the options, fills in defaults and prepares a
// controller in the off phase. Nothing is launched until Run.
func NewControl(options ControlOptions) (*Control, error) {
	if err := validateControlOptions(options); err != nil {
		return nil, err
	}
	options.setDefaults()

	title := qemu.Title(options.DiskImage)

	slog := options.SessionLog
	if slog == nil {
		slog = sessionlog.New(options.LogPath)
	}
	logger := logging.NewLogger("", logging.LogFuncs{
		Debugf: slog.Debugf,
		Infof:  slog.Infof,
		Warnf:  slog.Warnf,
		Errorf: slog.Errorf,
	})

	control := &Control{
		options:         options,
		title:           title,
		logger:          logger,
		slog:            slog,
		shutdownRequest: newShutdownSignal(),
		bootFinished:    make(chan struct{}),
		phase:           PhaseOff,
	}

	if control.options.ExecuteCmd == nil {
		execution := process.ExecutionConfig{
			ExecutablePath: options.Command,
			Args: qemu.Args(options.DiskImage, title, options.MemGB,
				options.SSHPort, options.QMPSocketPath),
		}
		control.options.ExecuteCmd = process.NewLogFileExecuteCmd(execution, title, logger)
	}

	return control, nil
}

// SessionLog exposes the session log so the caller can close it when the
// command exits.
func (c *Control) SessionLog() *sessionlog.Log {
	return c.slog
}

func (c *Control) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Control) setPhase(phase Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.phase = phase
}

func (c *Control) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

func (c *Control) setPID(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pid = pid
}

// ExitStatus returns the recorded subprocess status, nil while the
// process has not been awaited. Negative values report death by signal.
func (c *Control) ExitStatus() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitStatus == nil {
		return nil
	}
	status := *c.exitStatus
	return &status
}

func (c *Control) setExitStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exitStatus = &status
}

func (c *Control) MemErr() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memErr
}

func (c *Control) setMemErr(memErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memErr = memErr
}

func (c *Control) QMPEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qmpEstablished
}

func (c *Control) setQMPEstablished(established bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qmpEstablished = established
}

// RequestShutdown asks the guest for an orderly power-down. Safe to call
// from any goroutine, any number of times; requests before the QMP
// connection is up are honored as soon as it is.
func (c *Control) RequestShutdown() {
	c.shutdownRequest.Request()
}

// cancelAll tears down every supervising task. Called by the supervisor
// once the process is gone and by the watchdogs when a deadline fires.
func (c *Control) cancelAll() {
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

func formatOptionalInt(value *int) string {
	if value == nil {
		return "none"
	}
	return strconv.Itoa(*value)
}

func (c *Control) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid := "none"
	if c.pid != 0 {
		pid = strconv.Itoa(c.pid)
	}
	return fmt.Sprintf("Control('%s', mem=%s, port=%d, pid=%s, state='%s', qmp_established=%t, exit_status=%s)",
		c.options.DiskImage, strconv.FormatFloat(c.options.MemGB, 'f', -1, 64),
		c.options.SSHPort, pid, c.phase, c.qmpEstablished,
		formatOptionalInt(c.exitStatus))
}

// Run launches the VM process and supervises it until it exits or a
// deadline abandons it. SIGINT and SIGTERM are translated into shutdown
// requests for the duration of the run. Cancelled tasks are the normal
// outcome of most sessions; only other task failures are collected, and
// they end up in the session log and the Result rather than failing the
// run itself.
func (c *Control) Run(ctx context.Context) (Result, error) {
	if ctx == nil {
		return Result{}, errors.NewValidationError("context cannot be nil", nil)
	}
	c.mu.Lock()
	if c.ran {
		c.mu.Unlock()
		return Result{}, errors.NewValidationError("controller cannot be run twice", nil)
	}
	c.ran = true
	c.mu.Unlock()

	if err := c.slog.Reset(); err != nil {
		return Result{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelRun = cancel

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		for {
			select {
			case <-signals:
				c.RequestShutdown()
			case <-runCtx.Done():
				return
			}
		}
	}()

	c.setPhase(PhaseBooting)

	c.slog.Raw("")
	c.logger.Infof("Starting event loop")

	tasks := []struct {
		name string
		run  func(context.Context) error
	}{
		{"run_vm", c.runVM},
		{"wait_until_booted", c.waitUntilBootedTask},
		{"progress", c.progress},
		{"boot_timeout", c.bootTimeout},
		{"shut_down", c.shutDown},
		{"shutdown_timeout", c.shutdownTimeout},
	}

	taskErrors := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(slot int, run func(context.Context) error) {
			defer wg.Done()
			taskErrors[slot] = run(runCtx)
		}(i, task.run)
	}
	wg.Wait()

	c.logger.Infof("%s", c)

	var failures []TaskError
	for i, err := range taskErrors {
		if err != nil && !errors.IsCancellation(err) {
			failures = append(failures, TaskError{Task: tasks[i].name, Err: err})
		}
	}
	if len(failures) > 0 {
		lines := []string{
			strings.Repeat("-", 78),
			"Errors were produced while running the control script:",
		}
		for _, failure := range failures {
			lines = append(lines, "", fmt.Sprintf("%s: %v", failure.Task, failure.Err))
		}
		c.slog.Raw(strings.Join(lines, "\n"))
	}

	return Result{
		Phase:          c.Phase(),
		PID:            c.PID(),
		ExitStatus:     c.ExitStatus(),
		MemErr:         c.MemErr(),
		QMPEstablished: c.QMPEstablished(),
		TaskErrors:     failures,
	}, nil
}

// waitUntilBootedTask runs the boot probe and closes bootFinished when it
// returns, whatever the outcome. The closed channel is what the QMP task
// and both watchdogs key on.
func (c *Control) waitUntilBootedTask(ctx context.Context) error {
	defer close(c.bootFinished)
	return c.waitUntilBooted(ctx)
}
