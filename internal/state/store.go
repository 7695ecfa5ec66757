package state

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/nextmeeting/internal/types"
)

// Snapshot is an immutable view of the daemon state. Events are sorted by
// start time, ties broken by id. Callers must not modify a snapshot they got
// from the Store.
type Snapshot struct {
	Events       []types.NormalizedEvent
	Providers    []types.ProviderStatus
	SnoozedUntil time.Time
	// Stale is set while the events come from the on-disk cache and no
	// provider has synced yet.
	Stale bool
	Seq   uint64
}

// Snoozed reports whether notifications are suppressed at now.
func (s *Snapshot) Snoozed(now time.Time) bool {
	return !s.SnoozedUntil.IsZero() && now.Before(s.SnoozedUntil)
}

// LastSync is the latest successful fetch across all providers.
func (s *Snapshot) LastSync() time.Time {
	var last time.Time
	for _, p := range s.Providers {
		if p.LastSuccess.After(last) {
			last = p.LastSuccess
		}
	}
	return last
}

func (s *Snapshot) Provider(name string) (types.ProviderStatus, bool) {
	for _, p := range s.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return types.ProviderStatus{}, false
}

func (s *Snapshot) clone() *Snapshot {
	next := *s
	next.Events = slices.Clone(s.Events)
	next.Providers = slices.Clone(s.Providers)
	return &next
}

// Store holds the current Snapshot. Readers load it without locking; writers
// are serialized and always install a complete replacement.
type Store struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	cache   *Cache
}

// NewStore creates a store seeded from cache when it is non-nil and holds
// events.
func NewStore(cache *Cache) *Store {
	s := &Store{cache: cache}
	initial := &Snapshot{}
	if cache != nil {
		events, savedAt, err := cache.Load()
		if err != nil {
			slog.Warn("ignoring snapshot cache", "path", cache.Path(), "error", err)
		} else if len(events) > 0 {
			initial.Events = events
			initial.Stale = true
			sortEvents(initial.Events)
			slog.Info("loaded cached meetings", "count", len(events), "saved_at", savedAt)
		}
	}
	s.current.Store(initial)
	return s
}

// Snapshot returns the current state.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// update clones the current snapshot, lets fn modify the clone and installs
// it. eventsChanged controls whether the cache is rewritten.
func (s *Store) update(eventsChanged bool, fn func(next *Snapshot)) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Load().clone()
	fn(next)
	sortEvents(next.Events)
	next.Seq++
	s.current.Store(next)

	if eventsChanged && s.cache != nil {
		if err := s.cache.Save(next.Events, time.Now()); err != nil {
			slog.Warn("failed to write snapshot cache", "path", s.cache.Path(), "error", err)
		}
	}
	return next
}

// ApplySync records the outcome of one provider fetch. When ok is true the
// provider's events are replaced with events; otherwise only its status
// changes and its previous events are kept.
func (s *Store) ApplySync(status types.ProviderStatus, events []types.NormalizedEvent, ok bool) *Snapshot {
	return s.update(ok, func(next *Snapshot) {
		if ok {
			next.Events = slices.DeleteFunc(next.Events, func(e types.NormalizedEvent) bool {
				return e.Provider == status.Name
			})
			for _, e := range events {
				e.Provider = status.Name
				next.Events = append(next.Events, e)
			}
			status.EventCount = len(events)
			next.Stale = false
		} else if prev, found := next.Provider(status.Name); found {
			status.EventCount = prev.EventCount
		}
		setStatus(next, status)
	})
}

// SetStatus replaces one provider's status without touching events.
func (s *Store) SetStatus(status types.ProviderStatus) *Snapshot {
	return s.update(false, func(next *Snapshot) {
		setStatus(next, status)
	})
}

// SetProviders installs the configured provider set, in order. Statuses of
// providers that remain are kept; events of removed providers are dropped.
func (s *Store) SetProviders(statuses []types.ProviderStatus) *Snapshot {
	keep := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		keep[st.Name] = true
	}
	before := s.Snapshot()
	dropped := slices.ContainsFunc(before.Events, func(e types.NormalizedEvent) bool {
		return !keep[e.Provider]
	})
	return s.update(dropped, func(next *Snapshot) {
		providers := make([]types.ProviderStatus, 0, len(statuses))
		for _, st := range statuses {
			if prev, found := next.Provider(st.Name); found {
				prev.Kind = st.Kind
				st = prev
			}
			providers = append(providers, st)
		}
		next.Providers = providers
		next.Events = slices.DeleteFunc(next.Events, func(e types.NormalizedEvent) bool {
			return !keep[e.Provider]
		})
	})
}

// SetSnooze sets the snooze deadline; the zero time clears it.
func (s *Store) SetSnooze(until time.Time) *Snapshot {
	return s.update(false, func(next *Snapshot) {
		next.SnoozedUntil = until
	})
}

func setStatus(next *Snapshot, status types.ProviderStatus) {
	for i := range next.Providers {
		if next.Providers[i].Name == status.Name {
			next.Providers[i] = status
			return
		}
	}
	next.Providers = append(next.Providers, status)
}

func sortEvents(events []types.NormalizedEvent) {
	slices.SortStableFunc(events, func(a, b types.NormalizedEvent) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
