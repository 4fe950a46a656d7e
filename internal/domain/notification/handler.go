package notification

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"herald/internal/common"

	"github.com/gin-gonic/gin"
)

// Handler handles HTTP requests for the notification domain.
type Handler struct {
	dispatcher  *Dispatcher
	reconciler  *Reconciler
	enqueuer    WebhookEnqueuer
	rateLimiter RecipientRateLimiter
}

// NewHandler creates a new notification handler. enqueuer and rateLimiter
// are optional; without an enqueuer webhooks are reconciled inline.
func NewHandler(dispatcher *Dispatcher, reconciler *Reconciler, enqueuer WebhookEnqueuer, rateLimiter RecipientRateLimiter) *Handler {
	return &Handler{
		dispatcher:  dispatcher,
		reconciler:  reconciler,
		enqueuer:    enqueuer,
		rateLimiter: rateLimiter,
	}
}

// Dispatch handles POST /api/v1/notifications
// Sends a notification over the single channel named in the body.
func (h *Handler) Dispatch(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !h.allow(c, req.RecipientID) {
		return
	}

	res, err := h.dispatcher.Dispatch(c.Request.Context(), &req)
	if err != nil {
		slog.Error("dispatch failed",
			"error", err,
			"recipient_id", req.RecipientID,
			"template", req.Template,
		)
		common.HandleError(c, err)
		return
	}

	if !res.Accepted {
		common.Failure(c, http.StatusBadGateway, res, res.Error)
		return
	}
	common.Success(c, http.StatusCreated, res)
}

// DispatchEach handles POST /api/v1/notifications/fanout
// Creates one notification per channel named in the body. Each result is
// reported on its own, so the response is 200 even if some were not accepted.
func (h *Handler) DispatchEach(c *gin.Context) {
	var req DispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !h.allow(c, req.RecipientID) {
		return
	}

	results, err := h.dispatcher.DispatchEach(c.Request.Context(), &req)
	if err != nil {
		slog.Error("fan-out dispatch failed",
			"error", err,
			"recipient_id", req.RecipientID,
			"template", req.Template,
		)
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, gin.H{"results": results})
}

// GetNotification handles GET /api/v1/notifications/:id
func (h *Handler) GetNotification(c *gin.Context) {
	view, err := h.dispatcher.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, view)
}

// ListNotifications handles GET /api/v1/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	var filter ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		common.Error(c, http.StatusBadRequest, "invalid query parameters: "+err.Error())
		return
	}

	resp, err := h.dispatcher.ListNotifications(c.Request.Context(), filter)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	common.Success(c, http.StatusOK, resp)
}

// ResendWebhook handles POST /webhooks/resend
func (h *Handler) ResendWebhook(c *gin.Context) {
	var event struct {
		Type string `json:"type"`
		Data struct {
			EmailID string            `json:"email_id"`
			Tags    map[string]string `json:"tags"`
		} `json:"data"`
	}

	if err := c.ShouldBindJSON(&event); err != nil {
		h.acknowledge(c, ProviderResend, fmt.Errorf("invalid webhook payload: %w", err))
		return
	}

	h.process(c, &WebhookEvent{
		Provider:          ProviderResend,
		ProviderMessageID: event.Data.EmailID,
		ProviderStatus:    event.Type,
		NotificationID:    event.Data.Tags["notification_id"],
		RawPayload:        map[string]any{"type": event.Type},
	})
}

// TwilioWebhook handles POST /webhooks/twilio
// Twilio posts form-encoded status callbacks; the notification id travels in
// the callback URL's query string.
func (h *Handler) TwilioWebhook(c *gin.Context) {
	var form struct {
		MessageSid    string `form:"MessageSid"`
		MessageStatus string `form:"MessageStatus"`
		ErrorCode     string `form:"ErrorCode"`
	}
	if err := c.ShouldBind(&form); err != nil {
		h.acknowledge(c, ProviderTwilio, fmt.Errorf("invalid webhook payload: %w", err))
		return
	}
	if form.MessageSid == "" || form.MessageStatus == "" {
		h.acknowledge(c, ProviderTwilio, fmt.Errorf("incomplete status callback"))
		return
	}

	id := c.Query("notification_id")
	if id == "" {
		id = c.PostForm("notification_id")
	}

	raw := map[string]any{}
	if form.ErrorCode != "" {
		raw["error_code"] = form.ErrorCode
	}

	h.process(c, &WebhookEvent{
		Provider:          ProviderTwilio,
		ProviderMessageID: form.MessageSid,
		ProviderStatus:    form.MessageStatus,
		NotificationID:    id,
		RawPayload:        raw,
	})
}

// GenericWebhook handles POST /webhooks/:provider
func (h *Handler) GenericWebhook(c *gin.Context) {
	provider := c.Param("provider")

	var body struct {
		ProviderMessageID string         `json:"provider_message_id"`
		Status            string         `json:"status"`
		NotificationID    string         `json:"notification_id"`
		Metadata          map[string]any `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.acknowledge(c, provider, fmt.Errorf("invalid webhook payload: %w", err))
		return
	}

	h.process(c, &WebhookEvent{
		Provider:          provider,
		ProviderMessageID: body.ProviderMessageID,
		ProviderStatus:    body.Status,
		NotificationID:    body.NotificationID,
		RawPayload:        body.Metadata,
	})
}

// process queues ev when a queue is configured, otherwise reconciles it
// inline. Providers always get a 200.
func (h *Handler) process(c *gin.Context, ev *WebhookEvent) {
	ctx := context.WithoutCancel(c.Request.Context())

	if h.enqueuer != nil {
		err := h.enqueuer.EnqueueWebhook(ctx, ev)
		if err == nil {
			common.Success(c, http.StatusOK, gin.H{"status": "queued"})
			return
		}
		slog.Error("enqueue webhook failed, reconciling inline",
			"provider", ev.Provider,
			"provider_message_id", ev.ProviderMessageID,
			"error", err,
		)
	}

	res := h.reconciler.Reconcile(ctx, ev)
	common.Success(c, http.StatusOK, gin.H{"status": res.Outcome})
}

func (h *Handler) acknowledge(c *gin.Context, provider string, err error) {
	slog.Warn("webhook rejected", "provider", provider, "error", err)
	common.Success(c, http.StatusOK, gin.H{"status": "ignored"})
}

// allow applies the per-recipient rate limit. It fails open when the
// limiter's backend is down.
func (h *Handler) allow(c *gin.Context, recipientID string) bool {
	if h.rateLimiter == nil || recipientID == "" {
		return true
	}
	allowed, err := h.rateLimiter.Allow(c.Request.Context(), recipientID)
	if err != nil {
		slog.Error("rate limit check failed, proceeding without limit", "recipient_id", recipientID, "error", err)
		return true
	}
	if !allowed {
		common.Error(c, http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded for recipient: %s", recipientID))
		return false
	}
	return true
}

// RegisterRoutes registers notification routes to the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/notifications", h.Dispatch)
	rg.POST("/notifications/fanout", h.DispatchEach)
	rg.GET("/notifications", h.ListNotifications)
	rg.GET("/notifications/:id", h.GetNotification)
}

// RegisterWebhookRoutes registers the public provider callback routes.
func (h *Handler) RegisterWebhookRoutes(rg *gin.RouterGroup) {
	rg.POST("/resend", h.ResendWebhook)
	rg.POST("/twilio", h.TwilioWebhook)
	rg.POST("/:provider", h.GenericWebhook)
}
