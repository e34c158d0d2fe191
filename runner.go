package main

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrThresholdsCrossed is returned by Runner.Run when at least one
// threshold failed.
var ErrThresholdsCrossed = errors.New("some thresholds have been crossed")

// Runner drives the constant-VUs scenario: a fixed number of independent
// shoppers looping over the flow until the duration elapses or each has run
// its iteration budget.
type Runner struct {
	config  *Config
	metrics *Metrics
	limiter *rate.Limiter
	now     func() time.Time
}

func NewRunner(config *Config) *Runner {
	r := &Runner{
		config:  config,
		metrics: NewMetrics(),
		now:     time.Now,
	}
	if config.Load.MaxIterationsPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(config.Load.MaxIterationsPerSecond), 1)
	}
	return r
}

func (r *Runner) Metrics() *Metrics {
	return r.metrics
}

// Run returns the summary even when ctx is cancelled part way, so an
// interrupted run still reports what it measured.
func (r *Runner) Run(ctx context.Context) (Summary, []ThresholdResult, error) {
	if r.config.Load.StartAt != "" {
		startAt, err := ParseStartTime(r.config.Load.StartAt)
		if err != nil {
			return Summary{}, nil, err
		}
		if r.config.Load.SyncClock {
			r.syncClock(ctx)
		}
		if err := r.sleepUntil(ctx, startAt); err != nil {
			return Summary{}, nil, err
		}
	}

	profile := NewUserProfile(r.config.User)
	setup, err := NewSession(r.config, r.metrics)
	if err != nil {
		return Summary{}, nil, err
	}
	if err := Register(ctx, setup, profile); err != nil {
		if ctx.Err() != nil {
			return r.finish()
		}
		logWarn("Setup", "registration failed, iterations will run anyway", "error", err)
	}

	runCtx := ctx
	if d := r.config.Load.Duration(); d > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logInfo("Runner", "scenario started", "vus", r.config.Load.VUs, "duration", r.config.Load.Duration(), "iterations", r.config.Load.Iterations)

	g, gctx := errgroup.WithContext(runCtx)
	for vu := 1; vu <= r.config.Load.VUs; vu++ {
		g.Go(func() error {
			return r.runVU(gctx, vu, profile)
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, nil, err
	}

	return r.finish()
}

func (r *Runner) finish() (Summary, []ThresholdResult, error) {
	summary := r.metrics.Summarize()
	results := summary.Evaluate(r.config.Load.Thresholds)
	logInfo("Runner", "scenario finished", "iterations", summary.Iterations, "requests", summary.Requests)

	if !allPassed(results) {
		return summary, results, ErrThresholdsCrossed
	}
	return summary, results, nil
}

func (r *Runner) runVU(ctx context.Context, vu int, profile UserProfile) error {
	for i := 0; r.config.Load.Iterations == 0 || i < r.config.Load.Iterations; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		// Fresh cookie jar per iteration, so every pass logs in from scratch.
		sess, err := NewSession(r.config, r.metrics)
		if err != nil {
			return err
		}

		result, err := NewFlow(r.config, sess, profile).Run(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var stepErr *StepError
		switch {
		case errors.As(err, &stepErr):
			logWarn("Runner", "iteration aborted", "vu", vu, "iteration", i, "step", stepErr.Step.String(), "status", stepErr.Status)
		case err != nil:
			logError("Runner", err, "iteration failed", "vu", vu, "iteration", i)
		default:
			logDebug("Runner", "iteration done", "vu", vu, "iteration", i, "product_id", result.ProductID)
		}
		r.metrics.AddIteration()
	}
	return nil
}

// syncClock switches the runner to the shop's clock. On failure the local
// clock stays in use.
func (r *Runner) syncClock(ctx context.Context) {
	clock := NewClockSync(r.config.RequestTimeout())
	if err := clock.Sync(ctx, r.config.BaseURL); err != nil {
		logWarn("Runner", "clock sync failed, using local time", "error", err)
		return
	}
	r.now = clock.Now
	logInfo("Runner", "clock synced to shop", "offset", clock.Offset().Round(time.Millisecond))
}

// sleepUntil waits for target, logging the remaining time every 30 seconds.
func (r *Runner) sleepUntil(ctx context.Context, target time.Time) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	remaining := target.Sub(r.now())
	if remaining <= 0 {
		return nil
	}
	logInfo("Runner", "waiting for scheduled start", "start_at", target.Format(time.RFC3339), "remaining", remaining.Round(time.Second))

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-ticker.C:
			logInfo("Runner", "still waiting", "remaining", target.Sub(r.now()).Round(time.Second))
		}
	}
}
