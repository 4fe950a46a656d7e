package notification

import (
	"context"
	"log/slog"
	"time"

	"herald/internal/metrics"
)

// ReaperConfig holds configuration for the orphaned webhook reaper.
type ReaperConfig struct {
	// Interval is how often the reaper scans for due orphans.
	Interval time.Duration

	// RetryDelay is the base delay before an orphan is retried again.
	// The delay grows linearly with the number of attempts.
	RetryDelay time.Duration

	// MaxAge is how long an orphan is kept before it is dropped.
	MaxAge time.Duration

	// BatchSize is the maximum number of orphans to retry per cycle.
	BatchSize int
}

// Reaper periodically retries webhook events that could not be applied when
// they arrived: events whose provider message id was not yet known, and
// events that beat the synchronous send outcome to the tracker.
//
// The orphan store is the source of truth; the reaper drains it on a timer.
type Reaper struct {
	orphans    OrphanStore
	reconciler *Reconciler
	metrics    *metrics.Metrics
	config     ReaperConfig
	now        func() time.Time
}

// NewReaper creates a new orphan reaper.
func NewReaper(orphans OrphanStore, reconciler *Reconciler, m *metrics.Metrics, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	return &Reaper{
		orphans:    orphans,
		reconciler: reconciler,
		metrics:    m,
		config:     cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run starts the reaper loop. It blocks until the context is cancelled.
// Should be called in a goroutine.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper started",
		"interval", r.config.Interval,
		"retry_delay", r.config.RetryDelay,
		"max_age", r.config.MaxAge,
		"batch_size", r.config.BatchSize,
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one reaper cycle and returns how many orphans were resolved.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()

	due, err := r.orphans.Due(ctx, now, r.config.BatchSize)
	if err != nil {
		slog.Error("reaper: failed to list due orphans", "error", err)
		return 0
	}

	resolved := 0
	for _, o := range due {
		if ctx.Err() != nil {
			break
		}

		if now.Sub(o.FirstSeen) > r.config.MaxAge {
			slog.Warn("reaper: dropping expired orphan",
				"orphan_id", o.ID,
				"provider", o.Event.Provider,
				"provider_message_id", o.Event.ProviderMessageID,
				"reason", o.Reason,
				"attempts", o.Attempts,
			)
			r.remove(ctx, o)
			continue
		}

		res := r.reconciler.Retry(ctx, &o.Event)
		if res.Outcome == OutcomeOrphaned || res.Outcome == OutcomeFailed {
			o.Attempts++
			o.Reason = res.Detail
			o.NextAttempt = now.Add(time.Duration(o.Attempts) * r.config.RetryDelay)
			if err := r.orphans.Park(ctx, o); err != nil {
				slog.Error("reaper: failed to reschedule orphan", "orphan_id", o.ID, "error", err)
			}
			continue
		}

		r.remove(ctx, o)
		resolved++
		slog.Info("reaper: resolved orphan",
			"orphan_id", o.ID,
			"notification_id", res.NotificationID,
			"outcome", res.Outcome,
			"age", now.Sub(o.FirstSeen).Round(time.Second),
		)
	}

	if n, err := r.orphans.Count(ctx); err == nil {
		r.metrics.SetOrphaned(n)
	}

	if resolved > 0 {
		slog.Info("reaper: sweep complete", "resolved", resolved, "total_due", len(due))
	}
	return resolved
}

func (r *Reaper) remove(ctx context.Context, o *OrphanedWebhook) {
	if err := r.orphans.Remove(ctx, o.ID); err != nil {
		slog.Error("reaper: failed to remove orphan", "orphan_id", o.ID, "error", err)
	}
}
