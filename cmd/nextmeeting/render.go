package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/user/nextmeeting/internal/protocol"
	"github.com/user/nextmeeting/internal/types"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	nowStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	linkStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Underline(true)
	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func renderMeetings(events []types.NormalizedEvent, now time.Time) string {
	if len(events) == 0 {
		return mutedStyle.Render("No upcoming meetings.") + "\n"
	}
	var b strings.Builder
	for _, ev := range events {
		when := "all day"
		if !ev.AllDay {
			start, end := ev.Start.Local(), ev.End.Local()
			when = start.Format("15:04") + "-" + end.Format("15:04")
			if start.YearDay() != now.YearDay() || start.Year() != now.Year() {
				when = start.Format("Mon ") + when
			}
		}

		row := []string{timeStyle.Render(when), titleStyle.Render(ev.Title)}
		if rel := relative(ev, now); rel != "" {
			style := mutedStyle
			if ev.Ongoing(now) {
				style = nowStyle
			}
			row = append(row, style.Render("("+rel+")"))
		}
		if link, ok := ev.PrimaryLink(); ok {
			row = append(row, linkStyle.Render(link.URL))
		}
		b.WriteString(strings.Join(row, " ") + "\n")
	}
	return b.String()
}

// relative describes when ev happens as seen from now, e.g. "in 5m" or
// "now, 20m left".
func relative(ev types.NormalizedEvent, now time.Time) string {
	if ev.AllDay {
		return ""
	}
	if ev.Ongoing(now) {
		return "now, " + shortDuration(ev.End.Sub(now)) + " left"
	}
	return "in " + shortDuration(ev.Start.Sub(now))
}

func shortDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	if d < time.Minute {
		return "<1m"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	switch {
	case h == 0:
		return fmt.Sprintf("%dm", m)
	case m == 0:
		return fmt.Sprintf("%dh", h)
	default:
		return fmt.Sprintf("%dh%02dm", h, m)
	}
}

func renderStatus(info protocol.StatusInfo, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s, up %s\n", titleStyle.Render("nextmeeting"), info.DaemonVersion,
		time.Duration(info.UptimeSeconds)*time.Second)

	lastSync := "never"
	if info.LastSync != nil {
		lastSync = shortDuration(now.Sub(*info.LastSync)) + " ago"
	}
	fmt.Fprintf(&b, "last sync: %s\n", lastSync)
	if info.Stale {
		b.WriteString(failedStyle.Render("showing cached meetings until the first sync") + "\n")
	}
	if info.Paused {
		b.WriteString(mutedStyle.Render("syncing paused") + "\n")
	}
	if info.SnoozedUntil != nil {
		fmt.Fprintf(&b, "notifications snoozed until %s\n", info.SnoozedUntil.Local().Format("15:04"))
	}

	for _, p := range info.Providers {
		mark := healthyStyle.Render("ok")
		if !p.Healthy {
			mark = failedStyle.Render("failing")
		}
		line := fmt.Sprintf("  %-16s %s  %d events", p.Name, mark, p.EventCount)
		if p.Error != "" {
			line += "  " + mutedStyle.Render(p.Error)
		}
		if p.BackoffLevel > 0 && !p.NextDue.IsZero() {
			line += "  " + mutedStyle.Render("retry in "+shortDuration(p.NextDue.Sub(now)))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
