package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
)

// QMP requests are sent verbatim: QEMU's machine protocol is
// line-delimited JSON and these two commands are the whole conversation.
const (
	qmpCapabilitiesRequest = "{\"execute\": \"qmp_capabilities\"}\r\n"
	qmpPowerdownRequest    = "{\"execute\": \"system_powerdown\"}\r\n"

	qmpShutdownEvent = "SHUTDOWN"
)

// closeOnDone force-closes conn when ctx is cancelled, unblocking any
// pending read. The returned release func stops the watcher once the
// caller is done with the connection.
func closeOnDone(ctx context.Context, conn net.Conn) (release func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// shutDown owns the control socket. Once the boot probe has finished it
// negotiates QMP capabilities, waits for a shutdown request, asks the
// guest to power down and then watches for the hypervisor's SHUTDOWN
// event. Any reply it doesn't recognize is fatal: guessing at unseen
// failure modes would be worse than stopping.
func (c *Control) shutDown(ctx context.Context) error {
	select {
	case <-c.bootFinished:
	case <-ctx.Done():
		return ctx.Err()
	}

	socket := c.options.QMPSocketPath
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewNetworkError("failed to open QMP socket", err).WithContext("socket", socket)
	}
	defer conn.Close()
	release := closeOnDone(ctx, conn)
	defer release()

	c.logger.Infof("Opened socket %s", socket)

	reader := bufio.NewReader(conn)

	// The greeting reports version and capabilities; consumed, unused.
	if _, err := reader.ReadString('\n'); err != nil {
		return c.qmpFailure(ctx, "failed to read QMP greeting", err, socket)
	}

	if _, err := conn.Write([]byte(qmpCapabilitiesRequest)); err != nil {
		return c.qmpFailure(ctx, "failed to send capabilities request", err, socket)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return c.qmpFailure(ctx, "failed to read capabilities reply", err, socket)
	}
	var reply map[string]interface{}
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		return errors.NewProtocolError("malformed QMP reply", err).WithContext("socket", socket)
	}
	if result, ok := reply["return"].(map[string]interface{}); !ok || len(result) != 0 {
		return errors.NewProtocolError(
			fmt.Sprintf("failed to establish QMP connection at %s", socket), nil)
	}
	c.setQMPEstablished(true)
	c.logger.Infof("Established QMP connection")

	select {
	case <-c.shutdownRequest.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := conn.Write([]byte(qmpPowerdownRequest)); err != nil {
		return c.qmpFailure(ctx, "failed to send powerdown request", err, socket)
	}
	c.setPhase(PhaseShuttingDown)
	c.logger.Infof("Sent system_powerdown command")

	// The SHUTDOWN event arrives a couple of seconds before the process
	// itself exits; the supervisor owns the final transition to off.
	for c.Phase() != PhaseOff {
		line, err := reader.ReadString('\n')
		if err != nil {
			return c.qmpFailure(ctx, "failed to read QMP event", err, socket)
		}
		var event map[string]interface{}
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return errors.NewProtocolError("malformed QMP event", err).WithContext("socket", socket)
		}
		if name, ok := event["event"].(string); ok && name == qmpShutdownEvent {
			break
		}
	}
	return nil
}

// qmpFailure folds the two ways a socket operation ends during teardown:
// if the run was cancelled the closed connection is expected and the
// cancellation wins, otherwise the underlying error is reported.
func (c *Control) qmpFailure(ctx context.Context, message string, err error, socket string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.NewNetworkError(message, err).WithContext("socket", socket)
}
