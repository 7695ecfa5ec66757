package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"github.com/user/nextmeeting/internal/types"
)

const (
	maxICSBytes             = 16 << 20
	maxOccurrencesPerSeries = 5000
)

// ICS reads an iCalendar feed from an http(s), webcal or file URL.
type ICS struct {
	name   string
	url    string
	client *http.Client
}

func NewICS(name, url string) *ICS {
	return &ICS{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *ICS) Name() string { return p.name }
func (p *ICS) Kind() string { return "ics" }

func (p *ICS) Fetch(ctx context.Context, window types.Window) ([]types.NormalizedEvent, error) {
	body, err := p.load(ctx)
	if err != nil {
		return nil, Classify(p.name, err)
	}
	events, err := ParseICS(p.name, body, window)
	if err != nil {
		return nil, newError(p.name, ErrorParse, err)
	}
	return events, nil
}

func (p *ICS) load(ctx context.Context) ([]byte, error) {
	target := p.url
	switch {
	case strings.HasPrefix(target, "webcal://"):
		target = "https://" + strings.TrimPrefix(target, "webcal://")
	case strings.HasPrefix(target, "file://"):
		return readFile(strings.TrimPrefix(target, "file://"))
	case !strings.Contains(target, "://"):
		return readFile(target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, newError(p.name, ErrorConfig, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "text/calendar")
	req.Header.Set("User-Agent", "nextmeeting/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch calendar: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, URL: redactURL(target)}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxICSBytes))
	if err != nil {
		return nil, fmt.Errorf("read calendar body: %w", err)
	}
	return body, nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &Error{Kind: ErrorConfig, Err: err}
		}
		return nil, fmt.Errorf("read calendar file: %w", err)
	}
	return data, nil
}

// redactURL drops the query string, which often carries a private token.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?..."
	}
	return u
}

// vevent is one parsed VEVENT before recurrence expansion.
type vevent struct {
	uid         string
	summary     string
	description string
	location    string
	url         string
	start, end  time.Time
	allDay      bool
	rrule       string
	exdates     []time.Time
	recurrence  *time.Time
	attendees   int
}

// ParseICS parses body and returns the events overlapping window, with
// recurring series expanded.
func ParseICS(provider string, body []byte, window types.Window) ([]types.NormalizedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty calendar body")
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return nil, errors.New("not an iCalendar document")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var bases []vevent
	overrides := make(map[string][]vevent)
	for _, comp := range cal.Events() {
		ve, err := parseVEvent(comp)
		if err != nil {
			slog.Debug("skipping vevent", "provider", provider, "error", err)
			continue
		}
		if ve.recurrence != nil {
			overrides[ve.uid] = append(overrides[ve.uid], ve)
			continue
		}
		bases = append(bases, ve)
	}

	var out []types.NormalizedEvent
	for _, ve := range bases {
		if ve.rrule == "" {
			if window.Overlaps(ve.start, ve.end) {
				out = append(out, ve.normalize(provider, types.NewEventID(provider, ve.uid), false))
			}
			continue
		}
		out = append(out, expandSeries(provider, ve, overrides[ve.uid], window)...)
	}
	for uid, ovs := range overrides {
		for _, ov := range ovs {
			if window.Overlaps(ov.start, ov.end) {
				id := types.NewEventID(provider, uid, instanceKey(*ov.recurrence))
				out = append(out, ov.normalize(provider, id, true))
			}
		}
	}
	return out, nil
}

// expandSeries returns the occurrences of a recurring event that overlap
// window. Occurrences replaced by a RECURRENCE-ID override are skipped; the
// override itself is emitted by the caller.
func expandSeries(provider string, ve vevent, overrides []vevent, window types.Window) []types.NormalizedEvent {
	r, err := rrule.StrToRRule(ve.rrule)
	if err != nil {
		slog.Debug("skipping unparsable rrule", "provider", provider, "uid", ve.uid, "error", err)
		return nil
	}
	r.DTStart(ve.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ve.exdates {
		set.ExDate(ex.In(ve.start.Location()))
	}

	duration := ve.end.Sub(ve.start)
	loc := ve.start.Location()
	starts := set.Between(window.Start.Add(-duration).In(loc), window.End.In(loc), true)
	if len(starts) > maxOccurrencesPerSeries {
		slog.Warn("truncating recurring series", "provider", provider, "uid", ve.uid, "count", len(starts))
		starts = starts[:maxOccurrencesPerSeries]
	}

	var out []types.NormalizedEvent
	for _, start := range starts {
		if overridden(overrides, start) {
			continue
		}
		occ := ve
		occ.start = start
		occ.end = start.Add(duration)
		if !window.Overlaps(occ.start, occ.end) {
			continue
		}
		id := types.NewEventID(provider, ve.uid, instanceKey(start))
		out = append(out, occ.normalize(provider, id, true))
	}
	return out
}

func overridden(overrides []vevent, start time.Time) bool {
	for _, ov := range overrides {
		if ov.recurrence.Equal(start) {
			return true
		}
	}
	return false
}

func instanceKey(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func (ve vevent) normalize(provider string, id types.EventID, recurring bool) types.NormalizedEvent {
	ev := types.NormalizedEvent{
		ID:          id,
		Provider:    provider,
		Title:       ve.summary,
		Start:       ve.start,
		End:         ve.end,
		AllDay:      ve.allDay,
		Location:    ve.location,
		Description: ve.description,
		Recurring:   recurring,
	}
	if ve.attendees > 1 {
		ev.OtherAttendeeCount = ve.attendees - 1
	}
	var extra []types.Link
	if ve.url != "" {
		extra = ExtractLinks(ve.url)
	}
	finish(&ev, extra...)
	return ev
}

func parseVEvent(comp *ical.VEvent) (vevent, error) {
	var ve vevent
	uid := comp.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return ve, errors.New("missing UID")
	}
	ve.uid = uid.Value
	if p := comp.GetProperty(ical.ComponentPropertyStatus); p != nil && strings.EqualFold(p.Value, "CANCELLED") {
		return ve, fmt.Errorf("event %s is cancelled", ve.uid)
	}
	if p := comp.GetProperty(ical.ComponentPropertySummary); p != nil {
		ve.summary = unescapeText(p.Value)
	}
	if p := comp.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ve.description = unescapeText(p.Value)
	}
	if p := comp.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ve.location = unescapeText(p.Value)
	}
	if p := comp.GetProperty(ical.ComponentPropertyUrl); p != nil {
		ve.url = p.Value
	}

	dtstart := comp.GetProperty(ical.ComponentPropertyDtStart)
	if dtstart == nil {
		return ve, fmt.Errorf("event %s has no DTSTART", ve.uid)
	}
	ve.allDay = isDateValue(dtstart)
	var err error
	ve.start, err = propTime(dtstart)
	if err != nil {
		return ve, fmt.Errorf("event %s: DTSTART: %w", ve.uid, err)
	}
	if dtend := comp.GetProperty(ical.ComponentPropertyDtEnd); dtend != nil {
		ve.end, err = propTime(dtend)
		if err != nil {
			return ve, fmt.Errorf("event %s: DTEND: %w", ve.uid, err)
		}
	}
	if !ve.end.After(ve.start) {
		if ve.allDay {
			ve.end = ve.start.AddDate(0, 0, 1)
		} else {
			ve.end = ve.start.Add(time.Hour)
		}
	}

	if p := comp.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ve.rrule = p.Value
	}
	for _, p := range comp.GetProperties(ical.ComponentPropertyExdate) {
		loc := propLocation(p)
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(strings.TrimSpace(part), loc); err == nil {
				ve.exdates = append(ve.exdates, t)
			}
		}
	}
	if p := comp.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		t, err := propTime(p)
		if err != nil {
			return ve, fmt.Errorf("event %s: RECURRENCE-ID: %w", ve.uid, err)
		}
		ve.recurrence = &t
	}
	ve.attendees = len(comp.Attendees())
	return ve, nil
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func propLocation(p *ical.IANAProperty) *time.Location {
	if tz := p.ICalParameters["TZID"]; len(tz) > 0 {
		if loc, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			return loc
		}
	}
	return time.Local
}

func propTime(p *ical.IANAProperty) (time.Time, error) {
	return parseICSTime(strings.TrimSpace(p.Value), propLocation(p))
}

// parseICSTime accepts the UTC, floating and date-only forms. Floating and
// date-only values are placed in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
