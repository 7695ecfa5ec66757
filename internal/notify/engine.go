// Package notify turns upcoming meetings into reminder notifications.
package notify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/state"
	"github.com/user/nextmeeting/internal/types"
)

const agendaTolerance = 2 * time.Minute

// maxSnoozeMinutes caps a snooze at one year.
const maxSnoozeMinutes = 365 * 24 * 60

type kind string

const (
	kindStartsSoon kind = "starts-soon"
	kindEndingSoon kind = "ending-soon"
)

// Options configure the engine. A nil Agenda disables the morning agenda and
// a zero EndWarning disables end-of-meeting warnings.
type Options struct {
	Enabled       bool
	Minutes       []int
	Urgency       types.Urgency
	NearCritical  time.Duration
	NearNormal    time.Duration
	EndWarning    time.Duration
	Agenda        *config.Clock
	CheckInterval time.Duration
	Icon          string
	AppName       string
	Expiry        time.Duration
}

func OptionsFromConfig(n config.NotifyConfig) (Options, error) {
	opts := Options{
		Enabled:       n.Enabled,
		Minutes:       append([]int(nil), n.Minutes...),
		Urgency:       types.ParseUrgency(n.Urgency),
		NearCritical:  time.Duration(n.NearStartCritical) * time.Minute,
		NearNormal:    time.Duration(n.NearStartNormal) * time.Minute,
		EndWarning:    time.Duration(n.EndWarningMinutes) * time.Minute,
		CheckInterval: n.CheckInterval.D(),
		Icon:          n.Icon,
		AppName:       n.AppName,
		Expiry:        n.Expiry.D(),
	}
	if n.Urgency == "" {
		opts.Urgency = types.UrgencyLow
	}
	if n.MorningAgenda != "" {
		clock, err := config.ParseClock(n.MorningAgenda)
		if err != nil {
			return Options{}, err
		}
		opts.Agenda = &clock
	}
	return opts, nil
}

// Engine decides which reminders are due and sends each at most once.
type Engine struct {
	store *state.Store
	sink  types.Sink

	mu   sync.Mutex
	opts Options
	// sent maps a dedup key to the time after which it can be forgotten.
	sent map[string]time.Time

	now func() time.Time
	loc *time.Location
}

func NewEngine(store *state.Store, sink types.Sink, opts Options) *Engine {
	return &Engine{
		store: store,
		sink:  sink,
		opts:  opts,
		sent:  make(map[string]time.Time),
		now:   time.Now,
		loc:   time.Local,
	}
}

// SetOptions swaps the configuration. Dedup records are kept.
func (e *Engine) SetOptions(opts Options) {
	e.mu.Lock()
	e.opts = opts
	e.mu.Unlock()
}

func (e *Engine) Options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts
}

// Snooze suppresses notifications for the given minutes; zero clears an
// active snooze. It returns the new deadline.
func (e *Engine) Snooze(minutes int) time.Time {
	var until time.Time
	if minutes > 0 {
		until = e.now().Add(time.Duration(min(minutes, maxSnoozeMinutes)) * time.Minute)
	}
	e.store.SetSnooze(until)
	if until.IsZero() {
		slog.Info("snooze cleared")
	} else {
		slog.Info("notifications snoozed", "until", until)
	}
	return until
}

// DedupKey is the stable hash for one (event, threshold, kind) reminder.
func DedupKey(ev types.NormalizedEvent, minutes int, k string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%s", ev.ID, ev.Start.Unix(), minutes, k)
	return hex.EncodeToString(h.Sum(nil))
}

// Check runs one pass over the current snapshot and returns how many
// notifications were dispatched.
func (e *Engine) Check(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.prune(now)
	if !e.opts.Enabled {
		return 0
	}
	snap := e.store.Snapshot()
	if snap.Snoozed(now) {
		slog.Debug("notifications snoozed", "until", snap.SnoozedUntil)
		return 0
	}

	sent := 0
	for _, ev := range snap.Events {
		if ev.AllDay {
			continue
		}
		for _, m := range e.opts.Minutes {
			notifyAt := ev.Start.Add(-time.Duration(m) * time.Minute)
			if now.Before(notifyAt) || !now.Before(ev.Start) {
				continue
			}
			if e.dispatch(ctx, DedupKey(ev, m, string(kindStartsSoon)), ev.End, e.startsSoon(ev, m, now)) {
				sent++
			}
		}
		if e.opts.EndWarning > 0 && ev.Ongoing(now) && !now.Before(ev.End.Add(-e.opts.EndWarning)) {
			minutes := int(e.opts.EndWarning / time.Minute)
			if e.dispatch(ctx, DedupKey(ev, minutes, string(kindEndingSoon)), ev.End, e.endingSoon(ev, now)) {
				sent++
			}
		}
	}
	if e.checkAgenda(ctx, snap, now) {
		sent++
	}
	return sent
}

// Agenda sends the morning agenda if it is due and not yet sent today.
func (e *Engine) Agenda(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	snap := e.store.Snapshot()
	if !e.opts.Enabled || snap.Snoozed(now) {
		return false
	}
	return e.checkAgenda(ctx, snap, now)
}

func (e *Engine) checkAgenda(ctx context.Context, snap *state.Snapshot, now time.Time) bool {
	if e.opts.Agenda == nil {
		return false
	}
	local := now.In(e.loc)
	target, ok := agendaTarget(*e.opts.Agenda, local)
	if !ok {
		return false
	}

	key := "morning-agenda-" + target.Format("2006-01-02")
	if _, done := e.sent[key]; done {
		return false
	}
	y, m, d := target.Date()
	expires := time.Date(y, m, d+1, 0, 0, 0, 0, e.loc).Add(agendaTolerance)

	var lines []string
	for _, ev := range snap.Events {
		start := ev.Start.In(e.loc)
		if ev.AllDay {
			continue
		}
		if sy, sm, sd := start.Date(); sy != y || sm != m || sd != d {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s - %s", start.Format("15:04"), ev.Title))
	}
	if len(lines) == 0 {
		e.sent[key] = expires
		slog.Debug("no meetings today, skipping agenda")
		return false
	}

	title := fmt.Sprintf("Today's Agenda: %d meetings", len(lines))
	if len(lines) == 1 {
		title = "Today's Agenda: 1 meeting"
	}
	return e.dispatch(ctx, key, expires, e.notification(title, strings.Join(lines, "\n"), e.opts.Urgency))
}

// agendaTarget returns the agenda time within tolerance of now. The window
// may straddle midnight, so the previous and next day are checked too.
func agendaTarget(at config.Clock, now time.Time) (time.Time, bool) {
	for _, offset := range []int{0, -1, 1} {
		target := at.On(now.AddDate(0, 0, offset))
		diff := now.Sub(target)
		if diff >= -agendaTolerance && diff <= agendaTolerance {
			return target, true
		}
	}
	return time.Time{}, false
}

// dispatch sends n unless key was already sent. The key is recorded only
// once the sink accepted the notification.
func (e *Engine) dispatch(ctx context.Context, key string, keepUntil time.Time, n types.Notification) bool {
	if _, done := e.sent[key]; done {
		return false
	}
	if err := e.sink.Send(ctx, n); err != nil {
		slog.Error("notification dispatch failed", "sink", e.sink.Name(), "title", n.Title, "error", err)
		return false
	}
	e.sent[key] = keepUntil
	slog.Info("notification sent", "title", n.Title, "urgency", n.Urgency)
	return true
}

func (e *Engine) prune(now time.Time) {
	for key, until := range e.sent {
		if now.After(until) {
			delete(e.sent, key)
		}
	}
}

func (e *Engine) startsSoon(ev types.NormalizedEvent, minutes int, now time.Time) types.Notification {
	var title string
	switch minutes {
	case 0:
		title = "Meeting starting now: " + ev.Title
	case 1:
		title = "Meeting in 1 minute: " + ev.Title
	default:
		title = fmt.Sprintf("Meeting in %d minutes: %s", minutes, ev.Title)
	}
	body := "Starts at " + ev.Start.In(e.loc).Format("15:04")
	return e.notification(title, body, e.urgency(ev.Start.Sub(now)))
}

func (e *Engine) endingSoon(ev types.NormalizedEvent, now time.Time) types.Notification {
	left := int(ev.End.Sub(now) / time.Minute)
	var title string
	switch left {
	case 0:
		title = "Meeting ending now: " + ev.Title
	case 1:
		title = "Meeting ending in 1 minute: " + ev.Title
	default:
		title = fmt.Sprintf("Meeting ending in %d minutes: %s", left, ev.Title)
	}
	body := "Ends at " + ev.End.In(e.loc).Format("15:04")
	return e.notification(title, body, e.urgency(ev.End.Sub(now)))
}

// urgency escalates with the time remaining but never drops below the
// configured base level.
func (e *Engine) urgency(remaining time.Duration) types.Urgency {
	escalated := types.UrgencyLow
	switch {
	case remaining <= e.opts.NearCritical:
		escalated = types.UrgencyCritical
	case remaining <= e.opts.NearNormal:
		escalated = types.UrgencyNormal
	}
	return e.opts.Urgency.Max(escalated)
}

func (e *Engine) notification(title, body string, urgency types.Urgency) types.Notification {
	return types.Notification{
		Title:   title,
		Body:    body,
		Urgency: urgency,
		Icon:    e.opts.Icon,
		Expiry:  e.opts.Expiry,
		AppName: e.opts.AppName,
	}
}
