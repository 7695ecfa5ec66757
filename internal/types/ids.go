// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type EventID string
type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

// NewEventID builds a provider-qualified event identifier, e.g. "work:abc123".
// An empty native id gets a random one so the event still sorts and dedups.
func NewEventID(provider string, parts ...string) EventID {
	native := strings.Join(parts, ":")
	if native == "" {
		native = uuid.New().String()
	}
	return EventID(provider + ":" + native)
}

// ProviderOf returns the provider prefix of a qualified event id.
func (id EventID) ProviderOf() string {
	provider, _, ok := strings.Cut(string(id), ":")
	if !ok {
		return ""
	}
	return provider
}
