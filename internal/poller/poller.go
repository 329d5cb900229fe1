package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of periodic work.
type Task interface {
	Run(ctx context.Context) error
}

// TaskFunc is a function adapter for Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Config holds poller configuration.
type Config struct {
	Name      string        // log label
	Interval  time.Duration // time between runs
	Timeout   time.Duration // per-run timeout (default: Interval)
	Immediate bool          // run once right after Start
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:     "poller",
		Interval: 30 * time.Minute,
		Timeout:  30 * time.Second,
	}
}

// Stats contains run counters.
type Stats struct {
	Runs     int64
	Failures int64
}

// Poller calls a Task every Interval until stopped.
type Poller struct {
	cfg    Config
	task   Task
	logger *slog.Logger

	runs     atomic.Int64
	failures atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, task Task, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Poller{
		cfg:    cfg,
		task:   task,
		logger: logger.With("poller", cfg.Name),
	}
}

// Start begins the loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Debug("poller started", "interval", p.cfg.Interval)
	return nil
}

// Stop cancels the loop and waits for an in-flight run to return.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns run counters.
func (p *Poller) Stats() Stats {
	return Stats{Runs: p.runs.Load(), Failures: p.failures.Load()}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	if p.cfg.Immediate {
		p.runOnce()
	}

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.runOnce()
		}
	}
}

func (p *Poller) runOnce() {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	p.runs.Add(1)
	if err := p.task.Run(ctx); err != nil {
		p.failures.Add(1)
		p.logger.Warn("periodic task failed, will retry next tick",
			"err", err,
			"duration", time.Since(start),
		)
	}
}
