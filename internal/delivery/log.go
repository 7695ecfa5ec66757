package delivery

import (
	"context"
	"log/slog"

	"github.com/user/nextmeeting/internal/types"
)

// Log writes notifications to the daemon log. It is registered when no other
// sink is configured so reminders are never silently dropped.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Send(_ context.Context, n types.Notification) error {
	slog.Info("reminder", "title", n.Title, "body", n.Body, "urgency", n.Urgency)
	return nil
}
