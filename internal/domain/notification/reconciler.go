package notification

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"herald/internal/common"
	"herald/internal/metrics"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// ReconcileOutcome is what happened to one webhook event.
type ReconcileOutcome string

const (
	OutcomeApplied      ReconcileOutcome = "applied"
	OutcomeDuplicate    ReconcileOutcome = "duplicate"
	OutcomeIgnored      ReconcileOutcome = "ignored"
	OutcomeUnrecognized ReconcileOutcome = "unrecognized"
	OutcomeOrphaned     ReconcileOutcome = "orphaned"
	OutcomeFailed       ReconcileOutcome = "failed"
)

// ReconcileResult reports the outcome of one reconcile call.
type ReconcileResult struct {
	Outcome        ReconcileOutcome `json:"outcome"`
	NotificationID string           `json:"notification_id,omitempty"`
	Status         Status           `json:"status,omitempty"`
	Detail         string           `json:"detail,omitempty"`
}

const (
	resolutionTTL     = 30 * time.Minute
	resolutionCleanup = 10 * time.Minute
)

// Reconciler turns provider callbacks into Tracker updates. It never returns
// an error: every internal problem is logged and reflected in the outcome.
type Reconciler struct {
	tracker  *Tracker
	orphans  OrphanStore
	resolved *cache.Cache
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewReconciler creates a webhook reconciler. orphans may be nil, in which
// case unresolvable events are logged and dropped.
func NewReconciler(tracker *Tracker, orphans OrphanStore, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		tracker:  tracker,
		orphans:  orphans,
		resolved: cache.New(resolutionTTL, resolutionCleanup),
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile applies one webhook event. Events that cannot be applied yet are
// parked in the orphan store.
func (r *Reconciler) Reconcile(ctx context.Context, ev *WebhookEvent) ReconcileResult {
	res := r.reconcile(ctx, ev)
	if res.Outcome == OutcomeOrphaned {
		r.park(ctx, ev, res.Detail)
	}
	r.metrics.RecordWebhook(providerLabel(ev.Provider), string(res.Outcome))
	return res
}

// Retry re-applies a previously parked event without parking it again.
func (r *Reconciler) Retry(ctx context.Context, ev *WebhookEvent) ReconcileResult {
	res := r.reconcile(ctx, ev)
	r.metrics.RecordWebhook(providerLabel(ev.Provider), string(res.Outcome))
	return res
}

func (r *Reconciler) reconcile(ctx context.Context, ev *WebhookEvent) ReconcileResult {
	log := slog.With(
		"provider", ev.Provider,
		"provider_message_id", ev.ProviderMessageID,
		"provider_status", ev.ProviderStatus,
	)

	status, ok := MapProviderStatus(ev.Provider, ev.ProviderStatus)
	if !ok {
		log.Warn("unrecognized provider status")
		return ReconcileResult{Outcome: OutcomeUnrecognized, Detail: "unrecognized provider status"}
	}

	id := ev.NotificationID
	if id == "" {
		resolved, err := r.resolve(ctx, ev.Provider, ev.ProviderMessageID)
		if err != nil {
			log.Error("resolving notification failed", "error", err)
			return ReconcileResult{Outcome: OutcomeFailed, Status: status, Detail: err.Error()}
		}
		if resolved == "" {
			log.Warn("webhook does not match any notification")
			return ReconcileResult{Outcome: OutcomeOrphaned, Status: status, Detail: OrphanUnresolved}
		}
		id = resolved
	}
	log = log.With("notification_id", id)

	metadata := make(map[string]any, len(ev.RawPayload)+1)
	for k, v := range ev.RawPayload {
		metadata[k] = v
	}
	metadata["provider_status"] = ev.ProviderStatus

	disposition, err := r.tracker.RecordWebhookEvent(ctx, WebhookUpdate{
		NotificationID:    id,
		Status:            status,
		Provider:          ev.Provider,
		ProviderMessageID: ev.ProviderMessageID,
		Metadata:          metadata,
	})

	var notFound *common.NotFoundError
	switch {
	case err == nil:
	case errors.Is(err, ErrNotYetSent):
		log.Info("webhook arrived before send outcome")
		return ReconcileResult{Outcome: OutcomeOrphaned, NotificationID: id, Status: status, Detail: OrphanNotYetSent}
	case errors.As(err, &notFound):
		r.resolved.Delete(resolutionKey(ev.Provider, ev.ProviderMessageID))
		log.Warn("webhook references unknown notification")
		return ReconcileResult{Outcome: OutcomeOrphaned, NotificationID: id, Status: status, Detail: OrphanUnresolved}
	default:
		log.Error("recording webhook event failed", "error", err)
		return ReconcileResult{Outcome: OutcomeFailed, NotificationID: id, Status: status, Detail: err.Error()}
	}

	return ReconcileResult{
		Outcome:        ReconcileOutcome(disposition),
		NotificationID: id,
		Status:         status,
	}
}

// resolve finds the notification a provider message id belongs to. Positive
// matches are cached since the mapping never changes once written.
func (r *Reconciler) resolve(ctx context.Context, provider, providerMessageID string) (string, error) {
	if providerMessageID == "" {
		return "", nil
	}
	key := resolutionKey(provider, providerMessageID)
	if id, ok := r.resolved.Get(key); ok {
		return id.(string), nil
	}

	id, err := r.tracker.ResolveProviderMessageID(ctx, provider, providerMessageID)
	if err != nil || id == "" {
		return id, err
	}
	r.resolved.SetDefault(key, id)
	return id, nil
}

func (r *Reconciler) park(ctx context.Context, ev *WebhookEvent, reason string) {
	if r.orphans == nil || (ev.NotificationID == "" && ev.ProviderMessageID == "") {
		slog.Warn("dropping orphaned webhook",
			"provider", ev.Provider,
			"provider_status", ev.ProviderStatus,
			"reason", reason,
		)
		return
	}

	now := r.now()
	o := &OrphanedWebhook{
		ID:          uuid.NewString(),
		Event:       *ev,
		Reason:      reason,
		FirstSeen:   now,
		NextAttempt: now,
	}
	if err := r.orphans.Park(context.WithoutCancel(ctx), o); err != nil {
		slog.Error("parking orphaned webhook failed",
			"provider", ev.Provider,
			"provider_message_id", ev.ProviderMessageID,
			"error", err,
		)
	}
}

func resolutionKey(provider, providerMessageID string) string {
	return provider + "|" + providerMessageID
}
