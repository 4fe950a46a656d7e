package notification

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"herald/internal/common"
	"herald/internal/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Dispatcher builds notifications, hands them to the matching ChannelSender
// and records the synchronous outcome through the Tracker.
type Dispatcher struct {
	tracker  *Tracker
	renderer TemplateRenderer
	senders  map[Channel]*ChannelSender
	metrics  *metrics.Metrics
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(tracker *Tracker, renderer TemplateRenderer, m *metrics.Metrics, senders ...*ChannelSender) *Dispatcher {
	sm := make(map[Channel]*ChannelSender, len(senders))
	for _, s := range senders {
		sm[s.Channel()] = s
	}
	return &Dispatcher{
		tracker:  tracker,
		renderer: renderer,
		senders:  sm,
		metrics:  m,
	}
}

// Dispatch sends one notification over the single channel named by req.
//
// A send that exhausts its fallback chain is not an error: it is reported as
// Accepted=false with the aggregated reason. Errors are returned only for
// invalid requests and storage failures.
func (d *Dispatcher) Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResult, error) {
	channel, addr, err := req.singleTarget()
	if err != nil {
		return nil, err
	}
	return d.dispatch(ctx, req, channel, addr)
}

// DispatchEach creates one independent notification per recipient channel in
// req and sends them concurrently. Results are returned in channel order.
// A channel that fails outright is reported in its own result with
// ErrorKindInternal; it never cancels or hides the other channels.
func (d *Dispatcher) DispatchEach(ctx context.Context, req *DispatchRequest) ([]*DispatchResult, error) {
	if req.RecipientID == "" {
		return nil, common.NewValidationError("recipient_id is required")
	}
	targets := req.targets()
	if len(targets) == 0 {
		return nil, common.NewValidationError("at least one of email, phone or device_token is required")
	}

	var (
		mu      sync.Mutex
		results = make(map[Channel]*DispatchResult, len(targets))
		g       errgroup.Group
	)
	for ch, addr := range targets {
		single := req.forChannel(ch, addr)
		g.Go(func() error {
			res, err := d.dispatch(ctx, &single, ch, addr)
			if err != nil {
				slog.Error("fan-out channel failed",
					"channel", ch,
					"recipient_id", req.RecipientID,
					"template", req.Template,
					"error", err,
				)
				res = &DispatchResult{
					Channel:   ch,
					Status:    StatusFailed,
					ErrorKind: ErrorKindInternal,
					Error:     err.Error(),
				}
			}
			mu.Lock()
			results[ch] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	ordered := make([]*DispatchResult, 0, len(results))
	for _, ch := range Channels {
		if res, ok := results[ch]; ok {
			ordered = append(ordered, res)
		}
	}
	return ordered, nil
}

// GetStatus returns a notification's current status and full history.
func (d *Dispatcher) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	return d.tracker.GetStatus(ctx, id)
}

// ListNotifications retrieves notifications with pagination and filtering.
func (d *Dispatcher) ListNotifications(ctx context.Context, filter ListFilter) (*ListResponse, error) {
	return d.tracker.ListNotifications(ctx, filter)
}

func (d *Dispatcher) dispatch(ctx context.Context, req *DispatchRequest, channel Channel, addr string) (*DispatchResult, error) {
	sender, ok := d.senders[channel]
	if !ok {
		return nil, common.NewValidationError(fmt.Sprintf("unsupported channel: %s", channel))
	}

	rendered := d.renderer.Render(channel, req.Template, req.Data)

	n := &Notification{
		ID:       uuid.NewString(),
		Channel:  channel,
		Template: req.Template,
		Recipient: Recipient{
			ID:      req.RecipientID,
			Address: addr,
		},
		Content: Content{
			Subject:  rendered.Subject,
			BodyText: rendered.BodyText,
			BodyHTML: rendered.BodyHTML,
			Data:     req.Data,
		},
		Metadata: req.Metadata,
	}

	// Once the record exists its outcome is written even if the caller goes away.
	persistCtx := context.WithoutCancel(ctx)

	if err := d.tracker.CreateNotification(ctx, n); err != nil {
		return nil, err
	}

	msg := &Message{
		NotificationID: n.ID,
		RecipientID:    n.Recipient.ID,
		To:             addr,
		Subject:        rendered.Subject,
		HTML:           rendered.BodyHTML,
		Text:           rendered.BodyText,
		Data:           stringData(req.Data),
	}

	outcome := sender.Send(ctx, msg)

	if err := d.tracker.RecordSendOutcome(persistCtx, n.ID, outcome); err != nil {
		return nil, err
	}

	d.metrics.RecordDispatch(string(channel), outcome.OK)

	res := &DispatchResult{
		NotificationID:    n.ID,
		Channel:           channel,
		Accepted:          outcome.OK,
		Provider:          outcome.Provider,
		ProviderMessageID: outcome.ProviderMessageID,
	}
	if outcome.OK {
		res.Status = StatusSent
		slog.Info("notification sent",
			"notification_id", n.ID,
			"channel", channel,
			"template", req.Template,
			"provider", outcome.Provider,
			"provider_message_id", outcome.ProviderMessageID,
		)
	} else {
		res.Status = StatusFailed
		res.ErrorKind = outcome.ErrorKind
		res.Error = outcome.ErrorDetail
		slog.Error("notification delivery failed",
			"notification_id", n.ID,
			"channel", channel,
			"template", req.Template,
			"provider", outcome.Provider,
			"error_kind", outcome.ErrorKind,
			"error", outcome.ErrorDetail,
		)
	}
	return res, nil
}

// stringData flattens template data for providers that carry key/value
// payloads, such as push data messages.
func stringData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
