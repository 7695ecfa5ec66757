package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 30s".
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Runner drives an Engine from cron entries: a periodic check and, when
// configured, a daily morning agenda.
type Runner struct {
	engine *Engine

	mu   sync.Mutex
	cron *cron.Cron
	ctx  context.Context
}

func NewRunner(engine *Engine) *Runner {
	return &Runner{engine: engine}
}

// Run starts the entries, checks once immediately and blocks until ctx is
// done. A running check is allowed to finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	c, err := r.build(r.engine.Options())
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.cron = c
	c.Start()
	r.mu.Unlock()

	slog.Info("notification runner started", "check_interval", r.engine.Options().CheckInterval)
	r.engine.Check(ctx)

	<-ctx.Done()

	r.mu.Lock()
	stopped := r.cron.Stop()
	r.mu.Unlock()
	<-stopped.Done()
	slog.Info("notification runner stopped")
	return nil
}

// Reload applies new options and rebuilds the cron entries.
func (r *Runner) Reload(opts Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engine.SetOptions(opts)
	if r.cron == nil {
		return nil
	}
	c, err := r.build(opts)
	if err != nil {
		return err
	}
	r.cron.Stop()
	r.cron = c
	c.Start()
	slog.Info("notification runner reloaded")
	return nil
}

func (r *Runner) build(opts Options) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser))
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ctx := r.ctx
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		r.engine.Check(ctx)
	}); err != nil {
		return nil, fmt.Errorf("schedule notification check: %w", err)
	}
	if opts.Agenda != nil {
		spec := fmt.Sprintf("%d %d * * *", opts.Agenda.Minute, opts.Agenda.Hour)
		if _, err := c.AddFunc(spec, func() {
			r.engine.Agenda(ctx)
		}); err != nil {
			return nil, fmt.Errorf("schedule morning agenda: %w", err)
		}
	}
	return c, nil
}
