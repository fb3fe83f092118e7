package vm

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// sshBannerPrefix is what an ssh server sends as its first line. Seeing
// it on the forwarded port is the signal that the guest has booted far
// enough to log in.
const sshBannerPrefix = "SSH-2.0-"

// waitUntilBooted polls the forwarded ssh port until the guest's banner
// shows up, then marks the VM running. Connection refusals and garbled
// banners are the expected failures while the guest is still coming up;
// they only delay the next attempt.
func (c *Control) waitUntilBooted(ctx context.Context) error {
	for c.Phase() == PhaseBooting {
		c.logger.Infof("Attempt ssh connection")
		booted, err := c.checkSSH(ctx)
		if err != nil {
			return err
		}
		if booted {
			c.setPhase(PhaseRunning)
			break
		}
		select {
		case <-time.After(c.options.ProbeInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if c.Phase() != PhaseRunning {
		fmt.Fprintf(c.options.Stderr, "State changed before successful connection to localhost:%d\n",
			c.options.SSHPort)
	}
	return nil
}

// checkSSH makes a single probe attempt: connect, read the first line,
// close the connection, then judge the banner. The read occasionally gets
// EOF instead of a banner when the port forward is up before sshd; that
// counts as not booted, like any other short or wrong reply.
func (c *Control) checkSSH(ctx context.Context) (bool, error) {
	address := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.options.SSHPort))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}

	release := closeOnDone(ctx, conn)
	reply, _ := bufio.NewReader(conn).ReadString('\n')
	release()
	conn.Close()

	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	c.logger.Infof("Reply %q from guest ssh service", reply)
	return strings.HasPrefix(reply, sshBannerPrefix), nil
}
