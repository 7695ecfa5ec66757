// Package provider holds the calendar adapters behind types.Provider and the
// normalization they share.
package provider

import (
	"fmt"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/types"
)

// New builds the adapter for one provider config entry.
func New(cfg config.ProviderConfig) (types.Provider, error) {
	switch cfg.Kind {
	case config.KindICS:
		return NewICS(cfg.Name, cfg.URL), nil
	case config.KindGoogle:
		return NewGoogle(cfg.Name, cfg.CalendarID, cfg.TokenFile), nil
	case config.KindStatic:
		return NewStatic(cfg.Name, cfg.Path), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
}
