// Package handler answers protocol requests from the current state snapshot
// and forwards commands to the scheduler and notification engine.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/nextmeeting/internal/protocol"
	"github.com/user/nextmeeting/internal/scheduler"
	"github.com/user/nextmeeting/internal/state"
)

// Scheduler is the part of the scheduler the handler commands.
type Scheduler interface {
	Refresh(force bool, provider string) error
	Paused() bool
}

// Snoozer sets or clears the notification snooze.
type Snoozer interface {
	Snooze(minutes int) time.Time
}

// Options configure a Handler. OnShutdown is called once, after a shutdown
// request was accepted; it must not block.
type Options struct {
	Version    string
	OnShutdown func()
}

// Handler maps each request variant to a state read or a command. It is
// safe for concurrent use.
type Handler struct {
	store   *state.Store
	sched   Scheduler
	snoozer Snoozer
	opts    Options

	started  time.Time
	closing  atomic.Bool
	shutdown sync.Once

	now func() time.Time
	loc *time.Location
}

func New(store *state.Store, sched Scheduler, snoozer Snoozer, opts Options) *Handler {
	return &Handler{
		store:   store,
		sched:   sched,
		snoozer: snoozer,
		opts:    opts,
		started: time.Now(),
		now:     time.Now,
		loc:     time.Local,
	}
}

// BeginShutdown makes every later request fail with shutting_down.
func (h *Handler) BeginShutdown() {
	h.closing.Store(true)
}

// ShuttingDown reports whether shutdown has begun.
func (h *Handler) ShuttingDown() bool {
	return h.closing.Load()
}

// Handle answers one request. It never blocks on a provider fetch.
func (h *Handler) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	if h.closing.Load() {
		return protocol.Errorf(protocol.CodeShuttingDown, "daemon is shutting down")
	}
	if err := req.Validate(); err != nil {
		return protocol.Errorf(protocol.CodeInvalidRequest, "%v", err)
	}

	switch req.Type {
	case protocol.RequestPing:
		return protocol.Pong()

	case protocol.RequestGetMeetings:
		snap := h.store.Snapshot()
		return protocol.Meetings(Apply(snap.Events, req.Filter, h.now(), h.loc))

	case protocol.RequestStatus:
		return protocol.StatusResponse(h.status())

	case protocol.RequestRefresh:
		return h.refresh(req)

	case protocol.RequestSnooze:
		if h.snoozer == nil {
			return protocol.Errorf(protocol.CodeInternal, "notifications are not running")
		}
		h.snoozer.Snooze(req.Minutes)
		return protocol.OK()

	case protocol.RequestShutdown:
		slog.Info("shutdown requested by client")
		h.closing.Store(true)
		h.shutdown.Do(func() {
			if h.opts.OnShutdown != nil {
				h.opts.OnShutdown()
			}
		})
		return protocol.OK()
	}
	return protocol.Errorf(protocol.CodeInvalidRequest, "unknown request type %q", req.Type)
}

func (h *Handler) refresh(req protocol.Request) protocol.Response {
	err := h.sched.Refresh(req.Force, req.Provider)
	switch {
	case err == nil:
		return protocol.OK()
	case errors.Is(err, scheduler.ErrUnknownProvider):
		return protocol.Errorf(protocol.CodeNotFound, "unknown provider %q", req.Provider)
	case errors.Is(err, scheduler.ErrStopped):
		return protocol.Errorf(protocol.CodeShuttingDown, "scheduler stopped")
	default:
		slog.Error("refresh failed", "provider", req.Provider, "error", err)
		return protocol.Errorf(protocol.CodeInternal, "refresh: %v", err)
	}
}

func (h *Handler) status() protocol.StatusInfo {
	now := h.now()
	snap := h.store.Snapshot()
	info := protocol.StatusInfo{
		UptimeSeconds: int64(now.Sub(h.started) / time.Second),
		Providers:     snap.Providers,
		Paused:        h.sched.Paused(),
		Stale:         snap.Stale,
		DaemonVersion: h.opts.Version,
	}
	if last := snap.LastSync(); !last.IsZero() {
		info.LastSync = &last
	}
	if snap.Snoozed(now) {
		until := snap.SnoozedUntil
		info.SnoozedUntil = &until
	}
	return info
}
