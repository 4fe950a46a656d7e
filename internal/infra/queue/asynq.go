package queue

import (
	"context"
	"fmt"
	"time"

	"herald/internal/domain/notification"

	"github.com/hibiken/asynq"
)

// QueueWebhooks is the asynq queue that carries webhook reconcile tasks.
const QueueWebhooks = "webhooks"

var _ notification.WebhookEnqueuer = (*Enqueuer)(nil)

// NewClient creates a new asynq client connected to Redis.
func NewClient(redisAddr, password string, db int) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: password,
		DB:       db,
	})
}

// NewServer creates a new asynq server connected to Redis.
// retryDelay is the base of the exponential backoff between retries.
func NewServer(redisAddr, password string, db int, concurrency int, retryDelay time.Duration) *asynq.Server {
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: password,
			DB:       db,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				QueueWebhooks: 10, // priority weight
				"default":     1,
			},
			RetryDelayFunc: func(n int, e error, t *asynq.Task) time.Duration {
				// Exponential backoff: base, 2x, 4x, ...
				return retryDelay * time.Duration(1<<uint(n-1))
			},
		},
	)
}

// Enqueuer adapts the asynq client to notification.WebhookEnqueuer.
type Enqueuer struct {
	client   *asynq.Client
	maxRetry int
}

// NewEnqueuer creates a webhook enqueuer on top of client.
func NewEnqueuer(client *asynq.Client, maxRetry int) *Enqueuer {
	return &Enqueuer{client: client, maxRetry: maxRetry}
}

// EnqueueWebhook enqueues a webhook reconcile task.
func (e *Enqueuer) EnqueueWebhook(ctx context.Context, ev *notification.WebhookEvent) error {
	task, err := notification.NewReconcileWebhookTask(ev)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	_, err = e.client.EnqueueContext(ctx, task,
		asynq.MaxRetry(e.maxRetry),
		asynq.Queue(QueueWebhooks),
	)
	if err != nil {
		return fmt.Errorf("enqueuing task: %w", err)
	}

	return nil
}

// NewServeMux registers the webhook task handler on a new asynq mux.
func NewServeMux(worker *notification.Worker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(notification.TaskTypeReconcileWebhook, func(ctx context.Context, task *asynq.Task) error {
		ev, err := notification.ParseReconcileWebhookPayload(task.Payload())
		if err != nil {
			// A malformed payload never becomes valid; skip retries.
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return worker.ProcessTask(ctx, ev)
	})
	return mux
}
