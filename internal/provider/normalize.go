package provider

import (
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/nextmeeting/internal/types"
)

var (
	htmlTagPattern  = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	safelinkPattern = regexp.MustCompile(`https?://[^/\s]*safelinks\.protection\.outlook\.com/?\?[^\s]*?url=([^&\s]+)`)
)

var linkPatterns = []struct {
	kind types.LinkKind
	re   *regexp.Regexp
}{
	{types.LinkGoogleMeet, regexp.MustCompile(`https?://meet\.google\.com/(?:_meet/)?[a-z][a-z-]+`)},
	{types.LinkZoom, regexp.MustCompile(`https?://(?:[a-zA-Z0-9-]+\.)?zoom(?:-x)?\.(?:us|com|com\.cn|de)/(?:my|[a-z]{1,4}|webinar)/[-a-zA-Z0-9()@:%_+.~#?&=/]*`)},
	{types.LinkZoom, regexp.MustCompile(`https?://(?:[a-z0-9.]+)?zoomgov\.com/j/[a-zA-Z0-9?&=]+`)},
	{types.LinkTeams, regexp.MustCompile(`https?://(?:gov\.)?teams\.(?:microsoft\.com|live\.com|microsoft\.us)/l/meetup-join/[a-zA-Z0-9_%/=\-+.?]+`)},
	{types.LinkWebex, regexp.MustCompile(`https?://(?:[A-Za-z0-9-]+\.)?webex\.com(?:/[-A-Za-z0-9]+/j\.php\?MTID=[A-Za-z0-9]+|/(?:meet|join)/[A-Za-z0-9\-._@]+)`)},
	{types.LinkJitsi, regexp.MustCompile(`https?://meet\.jit\.si/[^\s<>"')\]]+`)},
}

// ExtractLinks finds conference links in the given texts, in order of
// appearance and without duplicates. Outlook safelinks are unwrapped first.
func ExtractLinks(texts ...string) []types.Link {
	type hit struct {
		pos  int
		link types.Link
	}
	var links []types.Link
	seen := make(map[string]bool)
	for _, text := range texts {
		if text == "" {
			continue
		}
		text = unwrapSafelinks(text)
		var hits []hit
		for _, p := range linkPatterns {
			for _, loc := range p.re.FindAllStringIndex(text, -1) {
				u := strings.TrimRight(text[loc[0]:loc[1]], ".,;:")
				hits = append(hits, hit{pos: loc[0], link: newLink(p.kind, u)})
			}
		}
		slices.SortStableFunc(hits, func(a, b hit) int { return a.pos - b.pos })
		for _, h := range hits {
			if seen[h.link.URL] {
				continue
			}
			seen[h.link.URL] = true
			links = append(links, h.link)
		}
	}
	return links
}

func unwrapSafelinks(text string) string {
	return safelinkPattern.ReplaceAllStringFunc(text, func(m string) string {
		sub := safelinkPattern.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		target, err := url.QueryUnescape(sub[1])
		if err != nil {
			return m
		}
		return target
	})
}

// newLink fills in the meeting id and passcode where the URL carries them.
func newLink(kind types.LinkKind, raw string) types.Link {
	link := types.Link{Kind: kind, URL: raw}
	u, err := url.Parse(raw)
	if err != nil {
		return link
	}
	switch kind {
	case types.LinkGoogleMeet:
		link.MeetingID = strings.TrimPrefix(u.Path, "/")
		link.MeetingID = strings.TrimPrefix(link.MeetingID, "_meet/")
	case types.LinkZoom:
		if _, id, ok := strings.Cut(u.Path, "/j/"); ok {
			link.MeetingID = strings.Trim(id, "/")
		}
		q := u.Query()
		link.Passcode = q.Get("pwd")
		if link.Passcode == "" {
			link.Passcode = q.Get("passcode")
		}
	case types.LinkJitsi:
		link.MeetingID = strings.TrimPrefix(u.Path, "/")
	}
	return link
}

// DescriptionMarkdown converts an HTML description to markdown. Plain text
// passes through unchanged, as does anything the converter rejects.
func DescriptionMarkdown(desc string) string {
	desc = strings.TrimSpace(desc)
	if !htmlTagPattern.MatchString(desc) {
		return desc
	}
	md, err := htmltomarkdown.ConvertString(desc)
	if err != nil {
		slog.Debug("description conversion failed", "error", err)
		return desc
	}
	return strings.TrimSpace(md)
}

// finish applies the shared normalization every adapter ends with.
func finish(ev *types.NormalizedEvent, extraLinks ...types.Link) {
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" {
		ev.Title = "(No title)"
	}
	ev.Description = DescriptionMarkdown(ev.Description)
	links := slices.Clone(extraLinks)
	seen := make(map[string]bool, len(links))
	for _, l := range links {
		seen[l.URL] = true
	}
	for _, l := range ExtractLinks(ev.Location, ev.Description) {
		if !seen[l.URL] {
			links = append(links, l)
		}
	}
	ev.Links = links
	if ev.ResponseStatus == "" {
		ev.ResponseStatus = types.ResponseUnknown
	}
}
