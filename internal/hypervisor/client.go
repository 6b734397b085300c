package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

// DefaultSocket is the system libvirt daemon socket (qemu:///system).
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// ErrHypervisorUnavailable is returned when the libvirt daemon cannot be
// reached.
var ErrHypervisorUnavailable = errors.New("hypervisor unavailable")

// Client wraps a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
}

// Connect establishes a connection to the local libvirt daemon.
// It returns a Client that must be closed via Close() when done.
//
// If socketPath is empty, defaults to DefaultSocket.
// If timeout is zero, defaults to 5 seconds.
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("%w: connect to libvirt at %s: %w", ErrHypervisorUnavailable, socketPath, err)
	}

	return &Client{libvirt: l}, nil
}

// ConnectWithContext is Connect with support for cancellation.
func ConnectWithContext(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(socketPath, timeout)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that lands after we gave up on it.
		go func() {
			if res := <-resultCh; res.client != nil {
				res.client.Close() //nolint:errcheck
			}
		}()
		return nil, fmt.Errorf("%w: connection cancelled: %w", ErrHypervisorUnavailable, ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection. It is safe to call Close multiple
// times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}
	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

// Libvirt returns the underlying go-libvirt client.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}
