package vm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/phayes/freeport"
	"github.com/stretchr/testify/require"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/logging"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/process"
)

// ===== SHARED TEST INFRASTRUCTURE =====

// syncBuffer captures task output from concurrent goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	control *Control
	stdout  *syncBuffer
	stderr  *syncBuffer
	logPath string
	socket  string
}

// newTestControl builds a controller with short intervals, output capture
// and per-test log and socket paths. mutate adjusts the options before
// construction.
func newTestControl(t *testing.T, mutate func(*ControlOptions)) *testEnv {
	dir := t.TempDir()
	env := &testEnv{
		stdout:  &syncBuffer{},
		stderr:  &syncBuffer{},
		logPath: filepath.Join(dir, "session.log"),
		socket:  filepath.Join(dir, "q.sock"),
	}
	options := ControlOptions{
		DiskImage:        "testvm.qcow2",
		SSHPort:          mustFreePort(t),
		LogPath:          env.logPath,
		QMPSocketPath:    env.socket,
		BootTimeout:      5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		ProbeInterval:    20 * time.Millisecond,
		ProgressInterval: 10 * time.Millisecond,
		Stdout:           env.stdout,
		Stderr:           env.stderr,
	}
	if mutate != nil {
		mutate(&options)
	}
	control, err := NewControl(options)
	require.NoError(t, err)
	env.control = control
	t.Cleanup(func() { control.SessionLog().Close() })
	return env
}

// startTaskContext wires the cancel-everything context the way Run does,
// so individual tasks can be exercised directly.
func (env *testEnv) startTaskContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	env.control.cancelRun = cancel
	return ctx, cancel
}

func (env *testEnv) logContent(t *testing.T) string {
	data, err := os.ReadFile(env.logPath)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(data)
}

func mustFreePort(t *testing.T) int {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return port
}

// startSSHBannerServer answers every connection with one line and closes.
// Returns the listening port.
func startSSHBannerServer(t *testing.T, banner string) (int, func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				if banner != "" {
					io.WriteString(conn, banner)
				}
				conn.Close()
			}(conn)
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port
	return port, func() { ln.Close() }
}

// qmpServer speaks just enough of the wire protocol to drive shutDown:
// greeting, capabilities negotiation, a powerdown acknowledged with
// configurable events, then the connection held open until the client
// goes away.
type qmpServer struct {
	path string
	ln   net.Listener

	capabilitiesReply string
	events            []string
	onPowerdown       func()
	onDisconnect      func()

	mu       sync.Mutex
	requests []string
}

func startQMPServer(t *testing.T, path string, configure func(*qmpServer)) *qmpServer {
	s := &qmpServer{
		path:              path,
		capabilitiesReply: `{"return": {}}`,
		events: []string{
			`{"timestamp": {"seconds": 1,  "microseconds": 0}, "event": "SHUTDOWN"}`,
		},
	}
	if configure != nil {
		configure(s)
	}
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	s.ln = ln
	t.Cleanup(s.stop)
	go s.acceptLoop()
	return s
}

func (s *qmpServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *qmpServer) handle(conn net.Conn) {
	defer conn.Close()
	io.WriteString(conn, `{"QMP": {"version": {"qemu": {"micro": 0, "minor": 2, "major": 6}}, "capabilities": []}}`+"\n")

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		s.disconnected()
		return
	}
	s.record(line)
	io.WriteString(conn, s.capabilitiesReply+"\n")

	line, err = reader.ReadString('\n')
	if err != nil {
		s.disconnected()
		return
	}
	s.record(line)
	if s.onPowerdown != nil {
		s.onPowerdown()
	}
	for _, event := range s.events {
		io.WriteString(conn, event+"\n")
	}
	io.Copy(io.Discard, reader)
	s.disconnected()
}

func (s *qmpServer) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, line)
}

func (s *qmpServer) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *qmpServer) disconnected() {
	if s.onDisconnect != nil {
		s.onDisconnect()
	}
}

func (s *qmpServer) stop() {
	s.ln.Close()
}

// spawnRecorder remembers the spawned process so tests can clean up
// children the supervisor deliberately abandons.
type spawnRecorder struct {
	mu   sync.Mutex
	proc *os.Process
}

func (r *spawnRecorder) record(proc *os.Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proc = proc
}

func (r *spawnRecorder) get() *os.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *spawnRecorder) killIfStarted() {
	if proc := r.get(); proc != nil {
		proc.Kill()
	}
}

// shellExecuteCmd runs a shell snippet through the production spawn path,
// recording the started process.
func shellExecuteCmd(script string, recorder *spawnRecorder) process.LogFileExecuteCmd {
	execute := process.NewLogFileExecuteCmd(process.ExecutionConfig{
		ExecutablePath: "/bin/sh",
		Args:           []string{"-c", script},
	}, "test-vm", logging.NewLogger("", logging.LogFuncs{}))
	return func(ctx context.Context, logFile *os.File) (*os.Process, io.WriteCloser, error) {
		proc, stdin, err := execute(ctx, logFile)
		if err == nil && recorder != nil {
			recorder.record(proc)
		}
		return proc, stdin, err
	}
}

// runControl starts Run in the background and delivers its Result.
func runControl(t *testing.T, control *Control) <-chan Result {
	results := make(chan Result, 1)
	go func() {
		result, err := control.Run(context.Background())
		if err != nil {
			t.Errorf("run failed: %v", err)
		}
		results <- result
	}()
	return results
}

func awaitResult(t *testing.T, results <-chan Result, timeout time.Duration) Result {
	select {
	case result := <-results:
		return result
	case <-time.After(timeout):
		t.Fatal("timed out waiting for the run to finish")
		return Result{}
	}
}

// markerPath is a file whose appearance tells a fake hypervisor script to
// exit; waitLoopScript builds the matching shell snippet.
func markerPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "release")
}

func waitLoopScript(marker string) string {
	return fmt.Sprintf("while [ ! -e '%s' ]; do sleep 0.05; done", marker)
}

func releaseMarker(t *testing.T, marker string) {
	require.NoError(t, os.WriteFile(marker, nil, 0644))
}
