// Package client talks to a running daemon over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/user/nextmeeting/internal/protocol"
	"github.com/user/nextmeeting/internal/types"
)

// ErrNotRunning means nothing accepted a connection on the socket.
var ErrNotRunning = errors.New("daemon is not running")

const defaultTimeout = 5 * time.Second

type Client struct {
	socketPath string
	timeout    time.Duration
}

func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultTimeout}
}

// WithTimeout returns a copy whose requests give up after timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	clone := *c
	clone.timeout = timeout
	return &clone
}

func (c *Client) SocketPath() string { return c.socketPath }

// Do sends one request on a fresh connection and waits for the reply. An
// Error response is returned together with its *protocol.RemoteError; a
// version_mismatch reply, or a reply in another protocol version, also
// matches protocol.ErrVersionMismatch.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) }) //nolint:errcheck
	defer stop()

	id := string(types.NewRequestID())
	env, err := protocol.NewEnvelope(id, req)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := protocol.WriteFrame(conn, env); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Type, err)
	}

	reply, err := protocol.ReadEnvelope(conn)
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Response{}, fmt.Errorf("wait for %s: %w", req.Type, ctx.Err())
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return protocol.Response{}, fmt.Errorf("wait for %s: %w", req.Type, context.DeadlineExceeded)
		}
		return protocol.Response{}, fmt.Errorf("read %s reply: %w", req.Type, err)
	}
	if reply.RequestID != id {
		return protocol.Response{}, fmt.Errorf("%w: reply for request %q, want %q", protocol.ErrInvalidFrame, reply.RequestID, id)
	}
	resp, err := reply.DecodeResponse()
	if err != nil {
		return protocol.Response{}, err
	}
	if err := resp.Err(); err != nil {
		var remote *protocol.RemoteError
		if errors.As(err, &remote) && remote.Code == protocol.CodeVersionMismatch {
			return resp, fmt.Errorf("%w: %w", protocol.ErrVersionMismatch, err)
		}
		return resp, err
	}
	return resp, nil
}

// Ping reports whether a compatible daemon answers on the socket.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, protocol.Ping())
	if err != nil {
		return err
	}
	if resp.Type != protocol.ResponsePong {
		return fmt.Errorf("unexpected %q reply to ping", resp.Type)
	}
	return nil
}

func (c *Client) Meetings(ctx context.Context, filter *protocol.MeetingsFilter) ([]types.NormalizedEvent, error) {
	resp, err := c.Do(ctx, protocol.GetMeetings(filter))
	if err != nil {
		return nil, err
	}
	if resp.MeetingsBody == nil {
		return nil, fmt.Errorf("unexpected %q reply to get_meetings", resp.Type)
	}
	return resp.Meetings, nil
}

func (c *Client) Status(ctx context.Context) (protocol.StatusInfo, error) {
	resp, err := c.Do(ctx, protocol.Status())
	if err != nil {
		return protocol.StatusInfo{}, err
	}
	if resp.StatusInfo == nil {
		return protocol.StatusInfo{}, fmt.Errorf("unexpected %q reply to status", resp.Type)
	}
	return *resp.StatusInfo, nil
}
