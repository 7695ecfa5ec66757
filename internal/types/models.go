// internal/types/models.go
package types

import (
	"time"
)

// ResponseStatus is the user's own RSVP state for an event.
type ResponseStatus string

const (
	ResponseAccepted    ResponseStatus = "accepted"
	ResponseDeclined    ResponseStatus = "declined"
	ResponseTentative   ResponseStatus = "tentative"
	ResponseNeedsAction ResponseStatus = "needs_action"
	ResponseUnknown     ResponseStatus = "unknown"
)

type LinkKind string

const (
	LinkGoogleMeet LinkKind = "google_meet"
	LinkZoom       LinkKind = "zoom"
	LinkTeams      LinkKind = "teams"
	LinkJitsi      LinkKind = "jitsi"
	LinkWebex      LinkKind = "webex"
	LinkOther      LinkKind = "other"
)

// Link is a conference or reference URL extracted from an event.
type Link struct {
	Kind      LinkKind `json:"kind"`
	URL       string   `json:"url"`
	MeetingID string   `json:"meeting_id,omitempty"`
	Passcode  string   `json:"passcode,omitempty"`
}

// NormalizedEvent is the provider-agnostic meeting representation. Values are
// treated as immutable once a provider returns them.
//
// For all-day events Start and End are local midnights and AllDay is set; End
// is exclusive.
type NormalizedEvent struct {
	ID                 EventID        `json:"id"`
	Provider           string         `json:"provider"`
	CalendarID         string         `json:"calendar_id,omitempty"`
	CalendarURL        string         `json:"calendar_url,omitempty"`
	Title              string         `json:"title"`
	Start              time.Time      `json:"start"`
	End                time.Time      `json:"end"`
	AllDay             bool           `json:"all_day,omitempty"`
	Links              []Link         `json:"links,omitempty"`
	Location           string         `json:"location,omitempty"`
	Description        string         `json:"description,omitempty"`
	Recurring          bool           `json:"recurring,omitempty"`
	ResponseStatus     ResponseStatus `json:"response_status,omitempty"`
	OtherAttendeeCount int            `json:"other_attendee_count,omitempty"`
}

// PrimaryLink returns the first extracted link, if any.
func (e NormalizedEvent) PrimaryLink() (Link, bool) {
	if len(e.Links) == 0 {
		return Link{}, false
	}
	return e.Links[0], true
}

func (e NormalizedEvent) HasLink() bool {
	return len(e.Links) > 0
}

// Ongoing reports whether now falls in [Start, End).
func (e NormalizedEvent) Ongoing(now time.Time) bool {
	return !now.Before(e.Start) && now.Before(e.End)
}

func (e NormalizedEvent) Ended(now time.Time) bool {
	return !now.Before(e.End)
}

// ProviderStatus is the health record the scheduler keeps per configured provider.
type ProviderStatus struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind,omitempty"`
	Healthy      bool      `json:"healthy"`
	LastFetch    time.Time `json:"last_fetch,omitzero"`
	LastSuccess  time.Time `json:"last_success,omitzero"`
	Error        string    `json:"error,omitempty"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	EventCount   int       `json:"event_count"`
	BackoffLevel int       `json:"backoff_level"`
	NextDue      time.Time `json:"next_due,omitzero"`
}

// Window is the half-open time range a provider is asked to fetch.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Overlaps reports whether [start, end) intersects the window.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}
