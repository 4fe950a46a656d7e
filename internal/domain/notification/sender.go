package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"herald/internal/metrics"
)

// ErrorKind classifies why a single delivery attempt failed.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindUnavailable     ErrorKind = "unavailable"
	ErrorKindProviderFailure ErrorKind = "provider_failure"
	ErrorKindTimeout         ErrorKind = "timeout"
	ErrorKindCancelled       ErrorKind = "cancelled"

	// ErrorKindInternal marks a fan-out channel that failed before or after
	// the provider call, for example on a storage error.
	ErrorKindInternal ErrorKind = "internal"
)

// DefaultAttemptTimeout bounds one adapter attempt when none is configured.
const DefaultAttemptTimeout = 10 * time.Second

// AttemptResult is the outcome of one adapter attempt.
type AttemptResult struct {
	OK                bool          `json:"ok"`
	Provider          string        `json:"provider"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	ErrorKind         ErrorKind     `json:"error_kind,omitempty"`
	ErrorDetail       string        `json:"error_detail,omitempty"`
	Duration          time.Duration `json:"duration"`
}

// SendOutcome is the overall result of walking a fallback chain.
type SendOutcome struct {
	OK                bool
	Provider          string
	ProviderMessageID string
	ErrorKind         ErrorKind
	ErrorDetail       string
	Attempts          []AttemptResult
}

// ChannelSender owns the ordered provider list for one channel and applies
// the fallback policy: providers are tried one at a time, never concurrently.
type ChannelSender struct {
	channel   Channel
	providers []Provider
	timeout   time.Duration
	metrics   *metrics.Metrics
}

// NewChannelSender creates a sender for channel. Providers are tried in the given order.
func NewChannelSender(channel Channel, timeout time.Duration, m *metrics.Metrics, providers ...Provider) *ChannelSender {
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &ChannelSender{
		channel:   channel,
		providers: providers,
		timeout:   timeout,
		metrics:   m,
	}
}

// Channel returns the channel this sender serves.
func (s *ChannelSender) Channel() Channel {
	return s.channel
}

// ProviderNames returns the configured chain in order.
func (s *ChannelSender) ProviderNames() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// Send walks the chain until one provider accepts msg.
// Cancellation of ctx stops the chain; it is not treated as a provider failure.
func (s *ChannelSender) Send(ctx context.Context, msg *Message) SendOutcome {
	if len(s.providers) == 0 {
		return SendOutcome{
			Provider:    SystemProvider,
			ErrorKind:   ErrorKindUnavailable,
			ErrorDetail: fmt.Sprintf("no providers configured for channel %s", s.channel),
		}
	}

	outcome := SendOutcome{Attempts: make([]AttemptResult, 0, len(s.providers))}
	reasons := make([]string, 0, len(s.providers))

	for _, p := range s.providers {
		if err := ctx.Err(); err != nil {
			outcome.ErrorKind = ErrorKindCancelled
			reasons = append(reasons, fmt.Sprintf("dispatch cancelled: %v", err))
			if outcome.Provider == "" {
				outcome.Provider = SystemProvider
			}
			break
		}

		res := s.attempt(ctx, p, msg)
		outcome.Attempts = append(outcome.Attempts, res)
		outcome.Provider = res.Provider

		if res.OK {
			outcome.OK = true
			outcome.ProviderMessageID = res.ProviderMessageID
			outcome.ErrorKind = ErrorKindNone
			outcome.ErrorDetail = ""
			return outcome
		}

		outcome.ErrorKind = res.ErrorKind
		reasons = append(reasons, fmt.Sprintf("%s: %s", res.Provider, res.ErrorDetail))

		slog.Warn("provider attempt failed",
			"notification_id", msg.NotificationID,
			"channel", s.channel,
			"provider", res.Provider,
			"error_kind", res.ErrorKind,
			"error", res.ErrorDetail,
		)

		if res.ErrorKind == ErrorKindCancelled {
			break
		}
	}

	outcome.ErrorDetail = strings.Join(reasons, "; ")
	return outcome
}

// attempt runs one provider under its own deadline. The deadline's context is
// released before the next provider starts.
func (s *ChannelSender) attempt(ctx context.Context, p Provider, msg *Message) AttemptResult {
	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	id, err := p.Send(attemptCtx, msg)
	res := AttemptResult{
		Provider: p.Name(),
		Duration: time.Since(start),
	}

	if err == nil {
		res.OK = true
		res.ProviderMessageID = id
		s.metrics.RecordAttempt(res.Provider, string(s.channel), "ok", res.Duration)
		return res
	}

	res.ErrorKind = classifyError(ctx, attemptCtx, err)
	res.ErrorDetail = err.Error()
	s.metrics.RecordAttempt(res.Provider, string(s.channel), string(res.ErrorKind), res.Duration)
	return res
}

// classifyError maps an adapter error to an ErrorKind. Cancellation of the
// caller's context wins over the attempt's own deadline.
func classifyError(parent, attemptCtx context.Context, err error) ErrorKind {
	switch {
	case errors.Is(err, ErrProviderUnavailable):
		return ErrorKindUnavailable
	case parent.Err() != nil:
		return ErrorKindCancelled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	default:
		return ErrorKindProviderFailure
	}
}
