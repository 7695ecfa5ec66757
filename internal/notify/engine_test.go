package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/state"
	"github.com/user/nextmeeting/internal/types"
)

type fakeSink struct {
	mu   sync.Mutex
	err  error
	got  []types.Notification
	sent chan types.Notification
}

func (s *fakeSink) Name() string { return "fake" }

func (s *fakeSink) Send(_ context.Context, n types.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, n)
	if s.sent != nil {
		select {
		case s.sent <- n:
		default:
		}
	}
	return nil
}

func (s *fakeSink) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, n := range s.got {
		out = append(out, n.Title)
	}
	return out
}

var base = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func meeting(id, title string, start time.Time, d time.Duration) types.NormalizedEvent {
	return types.NormalizedEvent{
		ID:    types.EventID(id),
		Title: title,
		Start: start,
		End:   start.Add(d),
	}
}

func defaultOptions() Options {
	return Options{
		Enabled:       true,
		Minutes:       []int{15, 5, 1},
		Urgency:       types.UrgencyLow,
		NearCritical:  time.Minute,
		NearNormal:    5 * time.Minute,
		CheckInterval: 30 * time.Second,
		AppName:       "nextmeeting",
	}
}

func newTestEngine(t *testing.T, opts Options, events ...types.NormalizedEvent) (*Engine, *fakeSink, *time.Time) {
	t.Helper()
	store := state.NewStore(nil)
	store.ApplySync(types.ProviderStatus{Name: "work", Healthy: true}, events, true)
	sink := &fakeSink{}
	e := NewEngine(store, sink, opts)
	now := base
	e.now = func() time.Time { return now }
	e.loc = time.UTC
	return e, sink, &now
}

func TestCheckFiresEachThresholdOnce(t *testing.T) {
	start := base.Add(20 * time.Minute)
	e, sink, now := newTestEngine(t, defaultOptions(), meeting("a", "Standup", start, 30*time.Minute))

	if n := e.Check(context.Background()); n != 0 {
		t.Fatalf("expected nothing 20 minutes out, sent %d", n)
	}

	*now = start.Add(-15 * time.Minute)
	if n := e.Check(context.Background()); n != 1 {
		t.Fatalf("expected 15-minute reminder, sent %d", n)
	}
	if n := e.Check(context.Background()); n != 0 {
		t.Fatalf("expected reminder to be deduplicated, sent %d", n)
	}

	*now = start.Add(-30 * time.Second)
	if n := e.Check(context.Background()); n != 2 {
		t.Fatalf("expected 5 and 1 minute reminders, sent %d", n)
	}

	*now = start
	if n := e.Check(context.Background()); n != 0 {
		t.Fatalf("expected no reminders once the meeting started, sent %d", n)
	}

	want := []string{
		"Meeting in 15 minutes: Standup",
		"Meeting in 5 minutes: Standup",
		"Meeting in 1 minute: Standup",
	}
	got := sink.titles()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("titles:\n got %q\nwant %q", got, want)
	}
}

func TestCheckRetriesAfterSinkFailure(t *testing.T) {
	start := base.Add(5 * time.Minute)
	opts := defaultOptions()
	opts.Minutes = []int{5}
	e, sink, _ := newTestEngine(t, opts, meeting("a", "Review", start, time.Hour))

	sink.err = errors.New("notify-send missing")
	if n := e.Check(context.Background()); n != 0 {
		t.Fatalf("expected failed dispatch not to count, got %d", n)
	}

	sink.err = nil
	if n := e.Check(context.Background()); n != 1 {
		t.Fatalf("expected retry to succeed, got %d", n)
	}
}

func TestCheckSkipsAllDayAndDisabled(t *testing.T) {
	allDay := meeting("h", "Holiday", base.Add(10*time.Minute), 24*time.Hour)
	allDay.AllDay = true
	e, _, _ := newTestEngine(t, defaultOptions(), allDay)
	if n := e.Check(context.Background()); n != 0 {
		t.Errorf("expected all-day event to be skipped, sent %d", n)
	}

	opts := defaultOptions()
	opts.Enabled = false
	e, _, _ = newTestEngine(t, opts, meeting("a", "Standup", base.Add(time.Minute), time.Hour))
	if n := e.Check(context.Background()); n != 0 {
		t.Errorf("expected disabled engine to send nothing, sent %d", n)
	}
}

func TestSnoozeSuppressesReminders(t *testing.T) {
	start := base.Add(5 * time.Minute)
	opts := defaultOptions()
	opts.Minutes = []int{5}
	e, sink, now := newTestEngine(t, opts, meeting("a", "Standup", start, time.Hour))

	until := e.Snooze(3)
	if !until.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("unexpected snooze deadline %v", until)
	}
	if got := e.store.Snapshot().SnoozedUntil; !got.Equal(until) {
		t.Fatalf("expected store to hold snooze deadline, got %v", got)
	}
	if n := e.Check(context.Background()); n != 0 {
		t.Fatalf("expected snooze to suppress reminders, sent %d", n)
	}

	*now = base.Add(3 * time.Minute)
	if n := e.Check(context.Background()); n != 1 {
		t.Fatalf("expected reminder once snooze expired, sent %d", n)
	}
	if len(sink.titles()) != 1 {
		t.Errorf("expected 1 notification, got %v", sink.titles())
	}

	if cleared := e.Snooze(0); !cleared.IsZero() {
		t.Errorf("expected zero deadline when clearing, got %v", cleared)
	}
	if !e.store.Snapshot().SnoozedUntil.IsZero() {
		t.Errorf("expected snooze to be cleared in store")
	}
}

func TestUrgencyEscalation(t *testing.T) {
	tests := []struct {
		name      string
		base      types.Urgency
		remaining time.Duration
		want      types.Urgency
	}{
		{"far", types.UrgencyLow, 10 * time.Minute, types.UrgencyLow},
		{"near normal", types.UrgencyLow, 3 * time.Minute, types.UrgencyNormal},
		{"near critical", types.UrgencyLow, 30 * time.Second, types.UrgencyCritical},
		{"base wins", types.UrgencyCritical, 10 * time.Minute, types.UrgencyCritical},
		{"base normal escalates", types.UrgencyNormal, time.Minute, types.UrgencyCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			opts.Urgency = tt.base
			e := NewEngine(state.NewStore(nil), &fakeSink{}, opts)
			if got := e.urgency(tt.remaining); got != tt.want {
				t.Errorf("urgency(%v) = %v, want %v", tt.remaining, got, tt.want)
			}
		})
	}
}

func TestDedupKey(t *testing.T) {
	ev := meeting("a", "Standup", base, time.Hour)
	k := DedupKey(ev, 5, "starts-soon")
	if len(k) != 64 {
		t.Fatalf("expected sha256 hex key, got %q", k)
	}
	if k != DedupKey(ev, 5, "starts-soon") {
		t.Error("expected key to be stable")
	}
	if k == DedupKey(ev, 1, "starts-soon") || k == DedupKey(ev, 5, "ending-soon") {
		t.Error("expected key to depend on threshold and kind")
	}
	moved := ev
	moved.Start = ev.Start.Add(time.Hour)
	if k == DedupKey(moved, 5, "starts-soon") {
		t.Error("expected rescheduled event to get a new key")
	}
}

func TestEndWarning(t *testing.T) {
	opts := defaultOptions()
	opts.EndWarning = 5 * time.Minute
	start := base.Add(-30 * time.Minute)
	e, sink, now := newTestEngine(t, opts, meeting("a", "Planning", start, 35*time.Minute))

	*now = base.Add(2 * time.Minute)
	if n := e.Check(context.Background()); n != 1 {
		t.Fatalf("expected end warning, sent %d", n)
	}
	if n := e.Check(context.Background()); n != 0 {
		t.Fatalf("expected end warning once, sent %d", n)
	}
	if got := sink.titles(); len(got) != 1 || got[0] != "Meeting ending in 3 minutes: Planning" {
		t.Errorf("unexpected titles %q", got)
	}
}

func TestDedupRecordsPruned(t *testing.T) {
	start := base.Add(time.Minute)
	opts := defaultOptions()
	opts.Minutes = []int{1}
	e, _, now := newTestEngine(t, opts, meeting("a", "Standup", start, 10*time.Minute))

	e.Check(context.Background())
	if len(e.sent) != 1 {
		t.Fatalf("expected 1 dedup record, got %d", len(e.sent))
	}
	*now = start.Add(11 * time.Minute)
	e.Check(context.Background())
	if len(e.sent) != 0 {
		t.Errorf("expected records to be pruned after the meeting, got %d", len(e.sent))
	}
}

func TestMorningAgenda(t *testing.T) {
	opts := defaultOptions()
	opts.Agenda = &config.Clock{Hour: 8, Minute: 0}
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	e, sink, now := newTestEngine(t, opts,
		meeting("a", "Standup", day.Add(10*time.Hour), 15*time.Minute),
		meeting("b", "Lunch", day.Add(12*time.Hour), time.Hour),
		meeting("c", "Tomorrow", day.Add(34*time.Hour), time.Hour),
	)

	*now = day.Add(8*time.Hour + time.Minute)
	if !e.Agenda(context.Background()) {
		t.Fatal("expected agenda to be sent")
	}
	if e.Agenda(context.Background()) {
		t.Fatal("expected agenda only once per day")
	}

	sink.mu.Lock()
	n := sink.got[0]
	sink.mu.Unlock()
	if n.Title != "Today's Agenda: 2 meetings" {
		t.Errorf("unexpected title %q", n.Title)
	}
	if n.Body != "10:00 - Standup\n12:00 - Lunch" {
		t.Errorf("unexpected body %q", n.Body)
	}
}

func TestMorningAgendaWindow(t *testing.T) {
	opts := defaultOptions()
	opts.Agenda = &config.Clock{Hour: 8, Minute: 0}
	day := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	e, _, now := newTestEngine(t, opts, meeting("a", "Standup", day.Add(10*time.Hour), 15*time.Minute))

	*now = day.Add(8*time.Hour + 5*time.Minute)
	if e.Agenda(context.Background()) {
		t.Fatal("expected agenda outside the tolerance window to be skipped")
	}
	*now = day.Add(8*time.Hour - time.Minute)
	if !e.Agenda(context.Background()) {
		t.Fatal("expected agenda within tolerance to be sent")
	}
}

func TestMorningAgendaEmptyDay(t *testing.T) {
	opts := defaultOptions()
	opts.Agenda = &config.Clock{Hour: 8, Minute: 0}
	e, sink, now := newTestEngine(t, opts)

	*now = time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)
	if e.Agenda(context.Background()) {
		t.Fatal("expected no agenda for an empty day")
	}
	if len(sink.titles()) != 0 {
		t.Errorf("expected nothing sent, got %v", sink.titles())
	}
	if _, ok := e.sent["morning-agenda-2025-03-03"]; !ok {
		t.Error("expected empty day to be marked as handled")
	}
}

func TestSnoozeCapsHugeDurations(t *testing.T) {
	start := base.Add(10 * time.Minute)
	e, sink, now := newTestEngine(t, defaultOptions(), meeting("a", "Standup", start, 30*time.Minute))

	until := e.Snooze(200_000_000)
	if !until.After(*now) {
		t.Fatalf("expected snooze deadline in the future, got %v", until)
	}
	if want := now.Add(maxSnoozeMinutes * time.Minute); !until.Equal(want) {
		t.Errorf("expected deadline capped at %v, got %v", want, until)
	}
	if !e.store.Snapshot().Snoozed(*now) {
		t.Fatal("expected snapshot to report snoozed")
	}
	e.Check(context.Background())
	if got := sink.titles(); len(got) != 0 {
		t.Errorf("expected no reminders while snoozed, got %v", got)
	}
}

func TestMorningAgendaAcrossMidnight(t *testing.T) {
	tests := []struct {
		name    string
		at      config.Clock
		now     time.Time
		wantKey string
	}{
		{"midnight agenda before midnight", config.Clock{Hour: 0, Minute: 0}, time.Date(2025, 3, 2, 23, 59, 0, 0, time.UTC), "morning-agenda-2025-03-03"},
		{"midnight agenda two minutes early", config.Clock{Hour: 0, Minute: 0}, time.Date(2025, 3, 2, 23, 58, 0, 0, time.UTC), "morning-agenda-2025-03-03"},
		{"late agenda after midnight", config.Clock{Hour: 23, Minute: 59}, time.Date(2025, 3, 4, 0, 1, 0, 0, time.UTC), "morning-agenda-2025-03-03"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			opts.Agenda = &tt.at
			e, sink, now := newTestEngine(t, opts,
				meeting("a", "Standup", time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC), 15*time.Minute),
				meeting("b", "Late sync", time.Date(2025, 3, 3, 23, 59, 30, 0, time.UTC), 15*time.Minute),
			)
			*now = tt.now
			if !e.Agenda(context.Background()) {
				t.Fatal("expected agenda to be sent")
			}
			if _, ok := e.sent[tt.wantKey]; !ok {
				t.Errorf("expected dedup record %s, have %v", tt.wantKey, e.sent)
			}
			if got := sink.titles(); len(got) != 1 || got[0] != "Today's Agenda: 2 meetings" {
				t.Errorf("unexpected notifications %v", got)
			}
			if e.Agenda(context.Background()) {
				t.Error("expected agenda only once")
			}
		})
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default().Notify
	cfg.MorningAgenda = "07:30"
	cfg.EndWarningMinutes = 2

	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Agenda == nil || opts.Agenda.Hour != 7 || opts.Agenda.Minute != 30 {
		t.Errorf("unexpected agenda %+v", opts.Agenda)
	}
	if opts.EndWarning != 2*time.Minute || opts.NearCritical != time.Minute || opts.NearNormal != 5*time.Minute {
		t.Errorf("unexpected durations %+v", opts)
	}
	if opts.Urgency != types.UrgencyLow {
		t.Errorf("expected low urgency, got %v", opts.Urgency)
	}

	cfg.MorningAgenda = "7am"
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("expected invalid agenda time to fail")
	}
}
