package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/user/nextmeeting/internal/types"
)

// NewOAuthConfig returns the OAuth2 client config for read-only calendar
// access. Credentials come from GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET.
func NewOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		Scopes:       []string{calendar.CalendarReadonlyScope},
		Endpoint:     google.Endpoint,
	}
}

// DefaultTokenPath is where the Google provider looks for its OAuth token
// unless the provider config names another file.
func DefaultTokenPath() string {
	return filepath.Join(xdg.DataHome, "nextmeeting", "google-token.json")
}

// LoadToken reads a JSON-encoded oauth2.Token.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var token oauth2.Token
	if err := json.NewDecoder(f).Decode(&token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}

// Google fetches events from one Google Calendar.
type Google struct {
	name       string
	calendarID string
	tokenFile  string
	oauth      *oauth2.Config
	opts       []option.ClientOption
}

func NewGoogle(name, calendarID, tokenFile string) *Google {
	if calendarID == "" {
		calendarID = "primary"
	}
	if tokenFile == "" {
		tokenFile = DefaultTokenPath()
	}
	return &Google{
		name:       name,
		calendarID: calendarID,
		tokenFile:  tokenFile,
		oauth:      NewOAuthConfig(),
	}
}

func (p *Google) Name() string { return p.name }
func (p *Google) Kind() string { return "google" }

func (p *Google) Fetch(ctx context.Context, window types.Window) ([]types.NormalizedEvent, error) {
	token, err := LoadToken(p.tokenFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, newError(p.name, ErrorAuth, fmt.Errorf("no google token at %s", p.tokenFile))
		}
		return nil, newError(p.name, ErrorAuth, err)
	}

	// The token source refreshes expired tokens through the oauth config.
	opts := append([]option.ClientOption{option.WithHTTPClient(p.oauth.Client(ctx, token))}, p.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, newError(p.name, ErrorConfig, fmt.Errorf("create calendar service: %w", err))
	}

	var out []types.NormalizedEvent
	call := svc.Events.List(p.calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		ShowDeleted(false).
		MaxResults(250).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339))
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			ev, ok := p.convert(item)
			if ok {
				out = append(out, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, Classify(p.name, fmt.Errorf("list events: %w", err))
	}
	return out, nil
}

func (p *Google) convert(item *calendar.Event) (types.NormalizedEvent, bool) {
	if item == nil || item.Status == "cancelled" || item.Start == nil || item.End == nil {
		return types.NormalizedEvent{}, false
	}
	ev := types.NormalizedEvent{
		ID:          types.NewEventID(p.name, item.Id),
		Provider:    p.name,
		CalendarID:  p.calendarID,
		CalendarURL: item.HtmlLink,
		Title:       item.Summary,
		Location:    item.Location,
		Description: item.Description,
		Recurring:   item.RecurringEventId != "",
	}

	var err error
	if item.Start.Date != "" {
		ev.AllDay = true
		ev.Start, err = time.ParseInLocation("2006-01-02", item.Start.Date, time.Local)
		if err == nil {
			ev.End, err = time.ParseInLocation("2006-01-02", item.End.Date, time.Local)
		}
	} else {
		ev.Start, err = time.Parse(time.RFC3339, item.Start.DateTime)
		if err == nil {
			ev.End, err = time.Parse(time.RFC3339, item.End.DateTime)
		}
	}
	if err != nil {
		return types.NormalizedEvent{}, false
	}

	ev.ResponseStatus = types.ResponseUnknown
	for _, a := range item.Attendees {
		switch {
		case a.Self:
			ev.ResponseStatus = googleResponse(a.ResponseStatus)
		case !a.Resource:
			ev.OtherAttendeeCount++
		}
	}

	var links []types.Link
	if item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType != "video" || ep.Uri == "" {
				continue
			}
			found := ExtractLinks(ep.Uri)
			if len(found) == 0 {
				found = []types.Link{{Kind: types.LinkOther, URL: ep.Uri, MeetingID: ep.MeetingCode, Passcode: ep.Passcode}}
			}
			links = append(links, found...)
		}
	}
	if item.HangoutLink != "" && len(links) == 0 {
		links = ExtractLinks(item.HangoutLink)
	}
	finish(&ev, links...)
	return ev, true
}

func googleResponse(s string) types.ResponseStatus {
	switch s {
	case "accepted":
		return types.ResponseAccepted
	case "declined":
		return types.ResponseDeclined
	case "tentative":
		return types.ResponseTentative
	case "needsAction":
		return types.ResponseNeedsAction
	default:
		return types.ResponseUnknown
	}
}
