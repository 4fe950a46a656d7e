package notification_test

import (
	"context"
	"testing"
	"time"

	"herald/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *notification.Message {
	return &notification.Message{NotificationID: "n-1", To: "u@example.com", Subject: "hi", Text: "hello"}
}

func TestChannelSender_FirstProviderWins(t *testing.T) {
	t.Parallel()

	primary := okProvider("primary", notification.ChannelEmail, "msg-1")
	secondary := okProvider("secondary", notification.ChannelEmail, "msg-2")
	s := notification.NewChannelSender(notification.ChannelEmail, time.Second, nil, primary, secondary)

	out := s.Send(context.Background(), testMessage())

	require.True(t, out.OK)
	assert.Equal(t, "primary", out.Provider)
	assert.Equal(t, "msg-1", out.ProviderMessageID)
	assert.Len(t, out.Attempts, 1)
	assert.Zero(t, secondary.Calls(), "fallback must not run after a success")
}

func TestChannelSender_FallsBackInOrder(t *testing.T) {
	t.Parallel()

	down := failingProvider("primary", notification.ChannelSMS, errProviderDown)
	unconfigured := failingProvider("secondary", notification.ChannelSMS, notification.ErrProviderUnavailable)
	last := okProvider("tertiary", notification.ChannelSMS, "sid-9")
	s := notification.NewChannelSender(notification.ChannelSMS, time.Second, nil, down, unconfigured, last)

	out := s.Send(context.Background(), testMessage())

	require.True(t, out.OK)
	assert.Equal(t, "tertiary", out.Provider)
	assert.Equal(t, "sid-9", out.ProviderMessageID)
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, notification.ErrorKindProviderFailure, out.Attempts[0].ErrorKind)
	assert.Equal(t, notification.ErrorKindUnavailable, out.Attempts[1].ErrorKind)
	assert.True(t, out.Attempts[2].OK)
	assert.Empty(t, out.ErrorDetail)
}

func TestChannelSender_ExhaustedChain(t *testing.T) {
	t.Parallel()

	a := failingProvider("a", notification.ChannelPush, errProviderDown)
	b := failingProvider("b", notification.ChannelPush, notification.ErrProviderUnavailable)
	s := notification.NewChannelSender(notification.ChannelPush, time.Second, nil, a, b)

	out := s.Send(context.Background(), testMessage())

	assert.False(t, out.OK)
	assert.Equal(t, "b", out.Provider)
	assert.Equal(t, notification.ErrorKindUnavailable, out.ErrorKind)
	assert.Contains(t, out.ErrorDetail, "a: upstream returned 503")
	assert.Contains(t, out.ErrorDetail, "b: provider not configured")
	assert.Len(t, out.Attempts, 2)
}

func TestChannelSender_AttemptTimeoutMovesOn(t *testing.T) {
	t.Parallel()

	slow := &fakeProvider{name: "slow", channel: notification.ChannelEmail, id: "late", delay: time.Second}
	fast := okProvider("fast", notification.ChannelEmail, "quick")
	s := notification.NewChannelSender(notification.ChannelEmail, 20*time.Millisecond, nil, slow, fast)

	start := time.Now()
	out := s.Send(context.Background(), testMessage())

	require.True(t, out.OK)
	assert.Equal(t, "fast", out.Provider)
	assert.Equal(t, notification.ErrorKindTimeout, out.Attempts[0].ErrorKind)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestChannelSender_CallerCancellationStopsChain(t *testing.T) {
	t.Parallel()

	slow := &fakeProvider{name: "slow", channel: notification.ChannelEmail, delay: time.Second}
	next := okProvider("next", notification.ChannelEmail, "id")
	s := notification.NewChannelSender(notification.ChannelEmail, 5*time.Second, nil, slow, next)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	out := s.Send(ctx, testMessage())

	assert.False(t, out.OK)
	assert.Equal(t, notification.ErrorKindCancelled, out.ErrorKind)
	assert.Zero(t, next.Calls())
}

func TestChannelSender_AlreadyCancelled(t *testing.T) {
	t.Parallel()

	p := okProvider("p", notification.ChannelEmail, "id")
	s := notification.NewChannelSender(notification.ChannelEmail, time.Second, nil, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := s.Send(ctx, testMessage())

	assert.False(t, out.OK)
	assert.Equal(t, notification.ErrorKindCancelled, out.ErrorKind)
	assert.Equal(t, notification.SystemProvider, out.Provider)
	assert.Zero(t, p.Calls())
}

func TestChannelSender_NoProviders(t *testing.T) {
	t.Parallel()

	s := notification.NewChannelSender(notification.ChannelSMS, 0, nil)
	out := s.Send(context.Background(), testMessage())

	assert.False(t, out.OK)
	assert.Equal(t, notification.SystemProvider, out.Provider)
	assert.Equal(t, notification.ErrorKindUnavailable, out.ErrorKind)
	assert.Empty(t, s.ProviderNames())
}
