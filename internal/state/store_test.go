package state

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/nextmeeting/internal/types"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func event(provider, id string, startMin int) types.NormalizedEvent {
	start := base.Add(time.Duration(startMin) * time.Minute)
	return types.NormalizedEvent{
		ID:       types.EventID(provider + ":" + id),
		Provider: provider,
		Title:    id,
		Start:    start,
		End:      start.Add(30 * time.Minute),
	}
}

func ids(s *Snapshot) []string {
	out := make([]string, 0, len(s.Events))
	for _, e := range s.Events {
		out = append(out, string(e.ID))
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestStore_EmptyInitially(t *testing.T) {
	s := NewStore(nil)
	snap := s.Snapshot()
	if len(snap.Events) != 0 || len(snap.Providers) != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
	if snap.Stale {
		t.Error("empty store should not be stale")
	}
}

func TestStore_ApplySyncSortsByStartThenID(t *testing.T) {
	s := NewStore(nil)
	s.ApplySync(types.ProviderStatus{Name: "b", Healthy: true}, []types.NormalizedEvent{
		event("b", "z", 30), event("b", "a", 10),
	}, true)
	s.ApplySync(types.ProviderStatus{Name: "a", Healthy: true}, []types.NormalizedEvent{
		event("a", "m", 10), event("a", "early", 0),
	}, true)

	want := []string{"a:early", "a:m", "b:a", "b:z"}
	if got := ids(s.Snapshot()); !equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if st, _ := s.Snapshot().Provider("a"); st.EventCount != 2 {
		t.Errorf("expected event count 2, got %d", st.EventCount)
	}
}

func TestStore_FailedSyncKeepsPreviousEvents(t *testing.T) {
	s := NewStore(nil)
	s.ApplySync(types.ProviderStatus{Name: "work", Healthy: true, LastSuccess: base}, []types.NormalizedEvent{
		event("work", "standup", 0),
	}, true)

	s.ApplySync(types.ProviderStatus{Name: "work", Healthy: false, Error: "boom", LastSuccess: base}, nil, false)

	snap := s.Snapshot()
	if got := ids(snap); !equal(got, []string{"work:standup"}) {
		t.Errorf("previous events should be retained, got %v", got)
	}
	st, ok := snap.Provider("work")
	if !ok || st.Healthy || st.Error != "boom" {
		t.Errorf("unexpected status %+v", st)
	}
	if st.EventCount != 1 {
		t.Errorf("event count should reflect retained events, got %d", st.EventCount)
	}
	if !snap.LastSync().Equal(base) {
		t.Errorf("expected last sync %v, got %v", base, snap.LastSync())
	}
}

func TestStore_OldSnapshotUnchangedAfterUpdate(t *testing.T) {
	s := NewStore(nil)
	s.ApplySync(types.ProviderStatus{Name: "p"}, []types.NormalizedEvent{event("p", "one", 0)}, true)
	old := s.Snapshot()

	s.ApplySync(types.ProviderStatus{Name: "p"}, []types.NormalizedEvent{event("p", "two", 5), event("p", "three", 6)}, true)

	if got := ids(old); !equal(got, []string{"p:one"}) {
		t.Errorf("old snapshot mutated: %v", got)
	}
	if s.Snapshot().Seq <= old.Seq {
		t.Error("sequence should increase")
	}
}

func TestStore_SetProvidersDropsRemoved(t *testing.T) {
	s := NewStore(nil)
	s.SetProviders([]types.ProviderStatus{{Name: "a"}, {Name: "b"}})
	s.ApplySync(types.ProviderStatus{Name: "a", Healthy: true}, []types.NormalizedEvent{event("a", "x", 0)}, true)
	s.ApplySync(types.ProviderStatus{Name: "b", Healthy: true}, []types.NormalizedEvent{event("b", "y", 0)}, true)

	s.SetProviders([]types.ProviderStatus{{Name: "c"}, {Name: "a"}})

	snap := s.Snapshot()
	if got := ids(snap); !equal(got, []string{"a:x"}) {
		t.Errorf("expected only provider a events, got %v", got)
	}
	if len(snap.Providers) != 2 || snap.Providers[0].Name != "c" || snap.Providers[1].Name != "a" {
		t.Errorf("expected providers [c a], got %+v", snap.Providers)
	}
	if !snap.Providers[1].Healthy {
		t.Error("status of a surviving provider should be kept")
	}
}

func TestStore_Snooze(t *testing.T) {
	s := NewStore(nil)
	until := base.Add(30 * time.Minute)
	s.SetSnooze(until)

	snap := s.Snapshot()
	if !snap.Snoozed(base) {
		t.Error("expected snoozed before deadline")
	}
	if snap.Snoozed(until) {
		t.Error("snooze should end at the deadline")
	}

	s.SetSnooze(time.Time{})
	if s.Snapshot().Snoozed(base) {
		t.Error("zero time should clear snooze")
	}
}

func TestStore_CacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "snapshot.json")

	s := NewStore(NewCache(path))
	s.ApplySync(types.ProviderStatus{Name: "p"}, []types.NormalizedEvent{event("p", "b", 10), event("p", "a", 0)}, true)

	restarted := NewStore(NewCache(path))
	snap := restarted.Snapshot()
	if !snap.Stale {
		t.Error("events loaded from cache should be marked stale")
	}
	if got := ids(snap); !equal(got, []string{"p:a", "p:b"}) {
		t.Errorf("expected cached events, got %v", got)
	}

	restarted.ApplySync(types.ProviderStatus{Name: "p"}, nil, true)
	if restarted.Snapshot().Stale {
		t.Error("successful sync should clear stale flag")
	}
}

func TestStore_CorruptCacheIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	c := NewCache(path)
	if err := c.Save(nil, base); err != nil {
		t.Fatal(err)
	}
	if err := writeGarbage(path); err != nil {
		t.Fatal(err)
	}
	s := NewStore(c)
	if len(s.Snapshot().Events) != 0 {
		t.Error("corrupt cache should yield empty snapshot")
	}
}

// Readers running concurrently with writers must always see a fully sorted
// snapshot whose provider events are all from the same sync.
func TestStore_ConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	s := NewStore(nil)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			gen := string(rune('a' + i%26))
			s.ApplySync(types.ProviderStatus{Name: "p"}, []types.NormalizedEvent{
				event("p", gen+"1", 0), event("p", gen+"2", 1), event("p", gen+"3", 2),
			}, true)
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := s.Snapshot()
				if len(snap.Events) == 0 {
					continue
				}
				if len(snap.Events) != 3 {
					t.Errorf("partial snapshot with %d events", len(snap.Events))
					return
				}
				gen := snap.Events[0].Title[:1]
				for _, e := range snap.Events {
					if e.Title[:1] != gen {
						t.Errorf("mixed generations in snapshot: %v", ids(snap))
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}
