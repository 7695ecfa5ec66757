// internal/types/interfaces.go
package types

import (
	"context"
	"time"
)

// Provider is a calendar source. Fetch returns normalized events overlapping
// the window, or an error (typically a *provider.Error).
type Provider interface {
	Name() string
	Kind() string
	Fetch(ctx context.Context, window Window) ([]NormalizedEvent, error)
}

// Notification is one message handed to a notification sink.
type Notification struct {
	Title   string
	Body    string
	Urgency Urgency
	Icon    string
	Expiry  time.Duration
	AppName string
}

// Sink delivers notifications to the user (desktop, chat, log).
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}
