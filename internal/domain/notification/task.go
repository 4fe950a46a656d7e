package notification

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskTypeReconcileWebhook is the asynq task type for reconciling webhooks.
const TaskTypeReconcileWebhook = "webhook:reconcile"

// NewReconcileWebhookTask creates a new asynq task carrying a webhook event.
func NewReconcileWebhookTask(ev *WebhookEvent) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeReconcileWebhook, payload), nil
}

// ParseReconcileWebhookPayload deserializes the task payload.
func ParseReconcileWebhookPayload(data []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling task payload: %w", err)
	}
	return &ev, nil
}
