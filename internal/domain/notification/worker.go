package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// WebhookEnqueuer defines the contract for handing webhook events to a queue.
type WebhookEnqueuer interface {
	EnqueueWebhook(ctx context.Context, ev *WebhookEvent) error
}

// Worker processes queued webhook events.
type Worker struct {
	reconciler *Reconciler
}

// NewWorker creates a new webhook worker.
func NewWorker(reconciler *Reconciler) *Worker {
	return &Worker{reconciler: reconciler}
}

// ProcessTask reconciles one queued webhook event. Only internal failures are
// returned, so the queue retries them; every other outcome is final.
func (w *Worker) ProcessTask(ctx context.Context, ev *WebhookEvent) error {
	start := time.Now()

	res := w.reconciler.Reconcile(ctx, ev)

	slog.Info("webhook task processed",
		"provider", ev.Provider,
		"provider_message_id", ev.ProviderMessageID,
		"notification_id", res.NotificationID,
		"outcome", res.Outcome,
		"duration", time.Since(start),
	)

	if res.Outcome == OutcomeFailed {
		return fmt.Errorf("reconciling %s webhook %s: %s", ev.Provider, ev.ProviderMessageID, res.Detail)
	}
	return nil
}
