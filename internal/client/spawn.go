package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/user/nextmeeting/internal/protocol"
)

const (
	spawnWait = 3 * time.Second
	spawnPoll = 100 * time.Millisecond
)

// SpawnOptions control EnsureDaemon. Zero values start "<self> serve"
// detached and wait up to three seconds for it to answer.
type SpawnOptions struct {
	// Args are passed to the executable; "serve" when empty.
	Args []string
	// Spawn starts a daemon. Defaults to a detached exec of the running binary.
	Spawn func(args []string) error
	// Stop asks an incompatible daemon to exit before a new one is spawned.
	Stop func() error

	Wait time.Duration
	Poll time.Duration
}

// EnsureDaemon pings the socket and starts a daemon when nothing answers.
// A daemon speaking another protocol version is stopped first, when
// opts.Stop is set, and replaced.
func (c *Client) EnsureDaemon(ctx context.Context, opts SpawnOptions) error {
	if opts.Spawn == nil {
		opts.Spawn = spawnSelf
	}
	if len(opts.Args) == 0 {
		opts.Args = []string{"serve"}
	}
	if opts.Wait <= 0 {
		opts.Wait = spawnWait
	}
	if opts.Poll <= 0 {
		opts.Poll = spawnPoll
	}

	err := c.Ping(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, protocol.ErrVersionMismatch):
		if opts.Stop == nil {
			return err
		}
		slog.Info("replacing daemon with incompatible protocol", "socket", c.socketPath)
		if err := opts.Stop(); err != nil {
			return fmt.Errorf("stop incompatible daemon: %w", err)
		}
		if err := c.waitGone(ctx, opts.Wait, opts.Poll); err != nil {
			return err
		}
	case errors.Is(err, ErrNotRunning):
	default:
		return err
	}

	slog.Debug("starting daemon", "socket", c.socketPath, "args", opts.Args)
	if err := opts.Spawn(opts.Args); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return c.waitReady(ctx, opts.Wait, opts.Poll)
}

func (c *Client) waitReady(ctx context.Context, wait, poll time.Duration) error {
	probe := c.WithTimeout(poll)
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last error
	for {
		if last = probe.Ping(ctx); last == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("daemon did not answer within %s: %w", wait, last)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) waitGone(ctx context.Context, wait, poll time.Duration) error {
	probe := c.WithTimeout(poll)
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if err := probe.Ping(ctx); errors.Is(err, ErrNotRunning) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("old daemon still answering after %s", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// spawnSelf re-executes the running binary in its own session so the daemon
// outlives the client's terminal.
func spawnSelf(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
