package protocol

import (
	"fmt"
	"time"
)

// MaxMinutes bounds minute counts in requests to one year.
const MaxMinutes = 365 * 24 * 60

// MeetingsFilter narrows a GetMeetings result. The zero value returns every
// upcoming or ongoing meeting. Substring matches are case-insensitive.
type MeetingsFilter struct {
	TodayOnly  bool `json:"today_only,omitempty"`
	Limit      int  `json:"limit,omitempty"`
	SkipAllDay bool `json:"skip_all_day,omitempty"`

	IncludeTitles    []string `json:"include_titles,omitempty"`
	ExcludeTitles    []string `json:"exclude_titles,omitempty"`
	IncludeCalendars []string `json:"include_calendars,omitempty"`
	ExcludeCalendars []string `json:"exclude_calendars,omitempty"`

	// WithinMinutes drops meetings starting more than N minutes from now.
	WithinMinutes int        `json:"within_minutes,omitempty"`
	After         *time.Time `json:"after,omitempty"`
	Before        *time.Time `json:"before,omitempty"`
	// WorkHours is "HH:MM-HH:MM" in the daemon's local time.
	WorkHours    string `json:"work_hours,omitempty"`
	OnlyWithLink bool   `json:"only_with_link,omitempty"`

	Privacy      bool   `json:"privacy,omitempty"`
	PrivacyTitle string `json:"privacy_title,omitempty"`

	SkipDeclined      bool `json:"skip_declined,omitempty"`
	SkipTentative     bool `json:"skip_tentative,omitempty"`
	SkipPending       bool `json:"skip_pending,omitempty"`
	SkipWithoutGuests bool `json:"skip_without_guests,omitempty"`
}

func (f *MeetingsFilter) Validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidFrame)
	}
	if f.WithinMinutes < 0 {
		return fmt.Errorf("%w: within_minutes must not be negative", ErrInvalidFrame)
	}
	if f.WithinMinutes > MaxMinutes {
		return fmt.Errorf("%w: within_minutes must not exceed %d", ErrInvalidFrame, MaxMinutes)
	}
	if f.After != nil && f.Before != nil && !f.Before.After(*f.After) {
		return fmt.Errorf("%w: before must be later than after", ErrInvalidFrame)
	}
	return nil
}
