package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/nextmeeting/internal/types"
)

// StaticEvent is one entry of a static calendar file.
type StaticEvent struct {
	ID             string    `json:"id" yaml:"id"`
	Title          string    `json:"title" yaml:"title"`
	Start          time.Time `json:"start" yaml:"start"`
	End            time.Time `json:"end" yaml:"end"`
	AllDay         bool      `json:"all_day,omitempty" yaml:"all_day,omitempty"`
	Location       string    `json:"location,omitempty" yaml:"location,omitempty"`
	Description    string    `json:"description,omitempty" yaml:"description,omitempty"`
	URL            string    `json:"url,omitempty" yaml:"url,omitempty"`
	CalendarID     string    `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"`
	ResponseStatus string    `json:"response_status,omitempty" yaml:"response_status,omitempty"`
	Attendees      int       `json:"attendees,omitempty" yaml:"attendees,omitempty"`
}

// Static serves events from a local JSON or YAML file. The file is re-read
// on every fetch, so edits show up on the next sync.
type Static struct {
	name string
	path string
}

func NewStatic(name, path string) *Static {
	return &Static{name: name, path: path}
}

func (p *Static) Name() string { return p.name }
func (p *Static) Kind() string { return "static" }

func (p *Static) Fetch(ctx context.Context, window types.Window) ([]types.NormalizedEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, Classify(p.name, err)
	}
	data, err := readFile(p.path)
	if err != nil {
		return nil, Classify(p.name, err)
	}

	var entries []StaticEvent
	switch strings.ToLower(filepath.Ext(p.path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &entries)
	default:
		err = json.Unmarshal(data, &entries)
	}
	if err != nil {
		return nil, newError(p.name, ErrorParse, fmt.Errorf("decode %s: %w", p.path, err))
	}

	out := make([]types.NormalizedEvent, 0, len(entries))
	for _, e := range entries {
		if e.End.IsZero() || !e.End.After(e.Start) {
			e.End = e.Start.Add(30 * time.Minute)
		}
		if !window.Overlaps(e.Start, e.End) {
			continue
		}
		ev := types.NormalizedEvent{
			ID:                 types.NewEventID(p.name, e.ID),
			Provider:           p.name,
			CalendarID:         e.CalendarID,
			Title:              e.Title,
			Start:              e.Start,
			End:                e.End,
			AllDay:             e.AllDay,
			Location:           e.Location,
			Description:        e.Description,
			ResponseStatus:     types.ResponseStatus(e.ResponseStatus),
			OtherAttendeeCount: e.Attendees,
		}
		finish(&ev, ExtractLinks(e.URL)...)
		out = append(out, ev)
	}
	return out, nil
}
