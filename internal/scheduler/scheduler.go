// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/nextmeeting/internal/config"
	"github.com/user/nextmeeting/internal/provider"
	"github.com/user/nextmeeting/internal/state"
	"github.com/user/nextmeeting/internal/types"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrStopped         = errors.New("scheduler stopped")
)

// Options are the scheduling policy knobs shared by all jobs.
type Options struct {
	Interval     time.Duration
	Jitter       float64
	Cooldown     time.Duration
	FetchTimeout time.Duration
	Lookback     time.Duration
	Lookahead    time.Duration
	Tick         time.Duration
	Backoff      BackoffPolicy
	// Seed makes jitter reproducible; zero picks a time-based seed.
	Seed uint64
}

// OptionsFromConfig maps the scheduler section of the config.
func OptionsFromConfig(c config.SchedulerConfig) Options {
	return Options{
		Interval:     c.Interval.D(),
		Jitter:       c.Jitter,
		Cooldown:     c.RefreshCooldown.D(),
		FetchTimeout: c.FetchTimeout.D(),
		Lookback:     c.Lookback.D(),
		Lookahead:    c.Lookahead.D(),
		Tick:         c.Tick.D(),
		Backoff: BackoffPolicy{
			InitialDelay: c.BackoffInitial.D(),
			Multiplier:   c.BackoffMultiplier,
			MaxDelay:     c.BackoffMax.D(),
		},
	}
}

// JobSpec is one provider to keep in sync. A zero Interval uses Options.Interval.
type JobSpec struct {
	Provider types.Provider
	Interval time.Duration
}

// BuildJobs creates a JobSpec for every enabled provider in cfg, in
// configured order.
func BuildJobs(cfg *config.Config) ([]JobSpec, error) {
	var specs []JobSpec
	for _, pc := range cfg.EnabledProviders() {
		p, err := provider.New(pc)
		if err != nil {
			return nil, err
		}
		specs = append(specs, JobSpec{Provider: p, Interval: pc.Interval.D()})
	}
	return specs, nil
}

type fetchResult struct {
	events []types.NormalizedEvent
	err    error
}

// job is the per-provider scheduling record. Only the loop goroutine
// touches it.
type job struct {
	provider    types.Provider
	interval    time.Duration
	nextDue     time.Time
	failures    int
	lastAttempt time.Time
	rng         *rand.Rand
	status      types.ProviderStatus
	// inflight is set while an abandoned fetch is still running.
	inflight chan fetchResult
}

func (j *job) name() string { return j.provider.Name() }

type commandKind int

const (
	cmdRefresh commandKind = iota
	cmdSyncNow
	cmdReload
)

type command struct {
	kind     commandKind
	force    bool
	provider string
	specs    []JobSpec
	opts     Options
	done     chan struct{}
}

// Scheduler keeps the state store's events fresh. A single loop goroutine
// owns every job; other goroutines talk to it through commands.
type Scheduler struct {
	store *state.Store
	opts  Options
	jobs  []*job

	cmds     chan command
	stop     chan struct{}
	stopOnce sync.Once
	paused   atomic.Bool
	names    atomic.Pointer[map[string]bool]

	now func() time.Time
}

// New creates a scheduler for specs. Every job is due immediately.
func New(store *state.Store, opts Options, specs []JobSpec) *Scheduler {
	return newScheduler(store, opts, specs, time.Now)
}

func newScheduler(store *state.Store, opts Options, specs []JobSpec, now func() time.Time) *Scheduler {
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}
	s := &Scheduler{
		store: store,
		opts:  opts,
		cmds:  make(chan command, 16),
		stop:  make(chan struct{}),
		now:   now,
	}
	s.setJobs(specs)
	return s
}

// Run drives the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	tick := s.opts.Tick
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	slog.Info("scheduler started", "providers", len(s.jobs), "tick", tick)
	if !s.paused.Load() {
		s.tick(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-s.stop:
			slog.Info("scheduler stopped")
			return nil
		case cmd := <-s.cmds:
			s.handle(cmd)
			if cmd.done != nil {
				close(cmd.done)
			}
			if !s.paused.Load() {
				s.tick(ctx)
			}
		case <-ticker.C:
			if !s.paused.Load() {
				s.tick(ctx)
			}
		}
	}
}

// Refresh pulls providers forward so they sync now. An empty name means all
// providers. Providers attempted within the cooldown are left alone, and
// without force so are providers in backoff.
func (s *Scheduler) Refresh(force bool, name string) error {
	if name != "" && !s.HasProvider(name) {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return s.send(command{kind: cmdRefresh, force: force, provider: name})
}

// SyncNow makes every provider due immediately, ignoring cooldown and backoff.
func (s *Scheduler) SyncNow() error {
	return s.send(command{kind: cmdSyncNow})
}

// Reload swaps the job set and policy. It returns once the loop has applied
// the change, which always happens between ticks.
func (s *Scheduler) Reload(ctx context.Context, opts Options, specs []JobSpec) error {
	if opts.Seed == 0 {
		opts.Seed = s.opts.Seed
	}
	cmd := command{kind: cmdReload, specs: specs, opts: opts, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends ticking. Job state is kept.
func (s *Scheduler) Pause() {
	if !s.paused.Swap(true) {
		slog.Info("scheduler paused")
	}
}

func (s *Scheduler) Resume() {
	if s.paused.Swap(false) {
		slog.Info("scheduler resumed")
	}
}

func (s *Scheduler) Paused() bool {
	return s.paused.Load()
}

// Stop ends the loop after its current unit of work.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// HasProvider reports whether name is a configured provider. It never blocks
// on the loop.
func (s *Scheduler) HasProvider(name string) bool {
	names := s.names.Load()
	return names != nil && (*names)[name]
}

// send queues a command without blocking. A full queue already holds
// commands that will tick the loop, so the command is dropped.
func (s *Scheduler) send(cmd command) error {
	select {
	case <-s.stop:
		return ErrStopped
	default:
	}
	select {
	case s.cmds <- cmd:
	default:
		slog.Debug("scheduler command queue full, coalescing", "kind", cmd.kind)
	}
	return nil
}

func (s *Scheduler) handle(cmd command) {
	now := s.now()
	switch cmd.kind {
	case cmdRefresh:
		for _, j := range s.jobs {
			if cmd.provider != "" && j.name() != cmd.provider {
				continue
			}
			if !j.lastAttempt.IsZero() && now.Sub(j.lastAttempt) < s.opts.Cooldown {
				slog.Debug("refresh within cooldown, skipping", "provider", j.name())
				continue
			}
			if !cmd.force && j.failures > 0 {
				slog.Debug("provider in backoff, skipping refresh", "provider", j.name())
				continue
			}
			j.nextDue = now
		}
	case cmdSyncNow:
		for _, j := range s.jobs {
			j.nextDue = now
		}
	case cmdReload:
		s.opts = cmd.opts
		s.setJobs(cmd.specs)
		slog.Info("scheduler reloaded", "providers", len(s.jobs))
	}
}

// setJobs installs the job set for specs. Jobs whose provider name and kind
// survive keep their schedule and failure count.
func (s *Scheduler) setJobs(specs []JobSpec) {
	old := make(map[string]*job, len(s.jobs))
	for _, j := range s.jobs {
		old[j.name()] = j
	}
	now := s.now()
	jobs := make([]*job, 0, len(specs))
	names := make(map[string]bool, len(specs))
	statuses := make([]types.ProviderStatus, 0, len(specs))
	for _, spec := range specs {
		name := spec.Provider.Name()
		interval := spec.Interval
		if interval <= 0 {
			interval = s.opts.Interval
		}
		j, ok := old[name]
		if ok && j.provider.Kind() == spec.Provider.Kind() {
			j.provider = spec.Provider
			j.interval = interval
		} else {
			j = &job{
				provider: spec.Provider,
				interval: interval,
				nextDue:  now,
				rng:      rand.New(rand.NewPCG(s.opts.Seed, nameHash(name))),
				status: types.ProviderStatus{
					Name:    name,
					Kind:    spec.Provider.Kind(),
					NextDue: now,
				},
			}
		}
		jobs = append(jobs, j)
		names[name] = true
		statuses = append(statuses, j.status)
	}
	s.jobs = jobs
	s.names.Store(&names)
	s.store.SetProviders(statuses)
}

func nameHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// tick syncs every due job, one at a time in configured order.
func (s *Scheduler) tick(ctx context.Context) {
	for _, j := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-s.stop:
			return
		default:
		}
		if s.now().Before(j.nextDue) {
			continue
		}
		s.sync(ctx, j)
	}
}

func (s *Scheduler) window(now time.Time) types.Window {
	return types.Window{Start: now.Add(-s.opts.Lookback), End: now.Add(s.opts.Lookahead)}
}

// sync runs one fetch for j. The fetch timeout is enforced here even when
// the provider ignores its context; such a fetch is left to finish in the
// background and the job is not retried until it has.
func (s *Scheduler) sync(ctx context.Context, j *job) {
	if j.inflight != nil {
		select {
		case <-j.inflight:
			j.inflight = nil
		default:
			return
		}
	}

	start := s.now()
	j.lastAttempt = start

	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	results := make(chan fetchResult, 1)
	go func(p types.Provider, w types.Window) {
		events, err := p.Fetch(fctx, w)
		results <- fetchResult{events: events, err: err}
	}(j.provider, s.window(start))

	var res fetchResult
	select {
	case res = <-results:
	case <-fctx.Done():
		j.inflight = results
		res.err = fmt.Errorf("fetch exceeded %s: %w", s.opts.FetchTimeout, fctx.Err())
	}

	if ctx.Err() != nil {
		return
	}
	now := s.now()
	if res.err != nil {
		s.recordFailure(j, now, res.err)
		return
	}
	s.recordSuccess(j, now, res.events)
}

func (s *Scheduler) recordSuccess(j *job, now time.Time, events []types.NormalizedEvent) {
	j.failures = 0
	j.nextDue = now.Add(jittered(j.interval, s.opts.Jitter, j.rng))

	j.status.Healthy = true
	j.status.LastFetch = now
	j.status.LastSuccess = now
	j.status.Error = ""
	j.status.ErrorKind = ""
	j.status.BackoffLevel = 0
	j.status.NextDue = j.nextDue

	s.store.ApplySync(j.status, events, true)
	slog.Debug("provider synced", "provider", j.name(), "events", len(events), "next_due", j.nextDue)
}

func (s *Scheduler) recordFailure(j *job, now time.Time, err error) {
	perr := provider.Classify(j.name(), err)
	j.failures++
	delay := s.opts.Backoff.NextDelay(j.failures)
	if !perr.Retryable() {
		delay = s.opts.Backoff.MaxDelay
	}
	j.nextDue = now.Add(delay)

	j.status.Healthy = false
	j.status.LastFetch = now
	j.status.Error = perr.Error()
	j.status.ErrorKind = string(perr.Kind)
	j.status.BackoffLevel = j.failures
	j.status.NextDue = j.nextDue

	s.store.ApplySync(j.status, nil, false)
	slog.Warn("provider sync failed",
		"provider", j.name(),
		"kind", perr.Kind,
		"failures", j.failures,
		"retry_in", delay,
		"error", perr.Err,
	)
}
