// internal/delivery/registry.go
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/nextmeeting/internal/types"
)

// Registry fans a notification out to every registered sink. It is itself a
// types.Sink.
type Registry struct {
	mu    sync.RWMutex
	sinks []types.Sink
}

// NewRegistry creates a registry holding sinks.
func NewRegistry(sinks ...types.Sink) *Registry {
	return &Registry{sinks: sinks}
}

// Register adds a sink. A sink with the same name replaces the old one.
func (r *Registry) Register(sink types.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.sinks {
		if s.Name() == sink.Name() {
			r.sinks[i] = sink
			return
		}
	}
	r.sinks = append(r.sinks, sink)
}

func (r *Registry) Name() string { return "registry" }

// Names lists the registered sinks in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Send delivers n to every sink. It succeeds when at least one sink accepted
// the notification; failing sinks are logged.
func (r *Registry) Send(ctx context.Context, n types.Notification) error {
	r.mu.RLock()
	sinks := append([]types.Sink(nil), r.sinks...)
	r.mu.RUnlock()

	if len(sinks) == 0 {
		return errors.New("no notification sinks registered")
	}
	var errs []error
	delivered := 0
	for _, s := range sinks {
		if err := s.Send(ctx, n); err != nil {
			slog.Warn("notification sink failed", "sink", s.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errors.Join(errs...)
	}
	return nil
}
