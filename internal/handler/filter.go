package handler

import (
	"log/slog"
	"strings"
	"time"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/protocol"
	"github.com/user/nextmeeting/internal/types"
)

const defaultPrivacyTitle = "Busy"

// Apply returns the events that pass f at now, in snapshot order. Ended events
// are always dropped. The input slice is not modified.
func Apply(events []types.NormalizedEvent, f *protocol.MeetingsFilter, now time.Time, loc *time.Location) []types.NormalizedEvent {
	if f == nil {
		f = &protocol.MeetingsFilter{}
	}
	hours, hoursOK := parseWorkHours(f.WorkHours)

	local := now.In(loc)
	y, m, d := local.Date()
	tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, loc)

	out := make([]types.NormalizedEvent, 0, len(events))
	for _, ev := range events {
		if ev.Ended(now) {
			continue
		}
		if f.TodayOnly && !ev.Start.Before(tomorrow) {
			continue
		}
		if f.SkipAllDay && ev.AllDay {
			continue
		}
		if f.WithinMinutes > 0 && ev.Start.After(now.Add(time.Duration(f.WithinMinutes)*time.Minute)) {
			continue
		}
		if f.After != nil && !ev.End.After(*f.After) {
			continue
		}
		if f.Before != nil && !ev.Start.Before(*f.Before) {
			continue
		}
		if hoursOK && !ev.AllDay && !hours.contains(ev.Start.In(loc)) {
			continue
		}
		if f.OnlyWithLink && !ev.HasLink() {
			continue
		}
		if !matchAny(ev.Title, f.IncludeTitles, true) || matchAny(ev.Title, f.ExcludeTitles, false) {
			continue
		}
		if !calendarIncluded(ev, f.IncludeCalendars) || calendarExcluded(ev, f.ExcludeCalendars) {
			continue
		}
		if skipResponse(ev, f) {
			continue
		}
		if f.SkipWithoutGuests && ev.OtherAttendeeCount == 0 {
			continue
		}
		if f.Privacy {
			ev.Title = f.PrivacyTitle
			if ev.Title == "" {
				ev.Title = defaultPrivacyTitle
			}
			ev.Description = ""
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// matchAny reports whether s contains any of the patterns, ignoring case.
// An empty pattern list yields empty.
func matchAny(s string, patterns []string, empty bool) bool {
	if len(patterns) == 0 {
		return empty
	}
	s = strings.ToLower(s)
	for _, p := range patterns {
		if p != "" && strings.Contains(s, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func calendarIncluded(ev types.NormalizedEvent, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	return matchAny(ev.Provider, patterns, false) || matchAny(ev.CalendarID, patterns, false)
}

func calendarExcluded(ev types.NormalizedEvent, patterns []string) bool {
	return matchAny(ev.Provider, patterns, false) || matchAny(ev.CalendarID, patterns, false)
}

func skipResponse(ev types.NormalizedEvent, f *protocol.MeetingsFilter) bool {
	switch ev.ResponseStatus {
	case types.ResponseDeclined:
		return f.SkipDeclined
	case types.ResponseTentative:
		return f.SkipTentative
	case types.ResponseNeedsAction:
		return f.SkipPending
	}
	return false
}

type workHours struct {
	start, end config.Clock
}

// parseWorkHours parses "HH:MM-HH:MM". An empty or malformed value disables
// the work-hours filter.
func parseWorkHours(spec string) (workHours, bool) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return workHours{}, false
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		slog.Debug("ignoring malformed work hours", "work_hours", spec)
		return workHours{}, false
	}
	start, err := config.ParseClock(from)
	if err != nil {
		slog.Debug("ignoring malformed work hours", "work_hours", spec, "error", err)
		return workHours{}, false
	}
	end, err := config.ParseClock(to)
	if err != nil {
		slog.Debug("ignoring malformed work hours", "work_hours", spec, "error", err)
		return workHours{}, false
	}
	return workHours{start: start, end: end}, true
}

// contains reports whether t's time of day falls in [start, end). A range
// whose end is before its start wraps past midnight.
func (w workHours) contains(t time.Time) bool {
	minute := t.Hour()*60 + t.Minute()
	from := w.start.Hour*60 + w.start.Minute
	to := w.end.Hour*60 + w.end.Minute
	if from <= to {
		return minute >= from && minute < to
	}
	return minute >= from || minute < to
}
