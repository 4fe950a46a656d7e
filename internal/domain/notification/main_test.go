package notification_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"herald/internal/domain/notification"
	"herald/internal/infra/orphan"
	"herald/internal/infra/store"
	"herald/internal/infra/template"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m,
		// go-cache janitors live until their cache is garbage collected.
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
}

// fakeProvider is a scripted notification.Provider.
type fakeProvider struct {
	name    string
	channel notification.Channel
	id      string
	err     error
	delay   time.Duration
	calls   atomic.Int32
	lastMsg atomic.Pointer[notification.Message]
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Channel() notification.Channel { return p.channel }

func (p *fakeProvider) Calls() int { return int(p.calls.Load()) }

func (p *fakeProvider) LastMessage() *notification.Message { return p.lastMsg.Load() }

func (p *fakeProvider) Send(ctx context.Context, msg *notification.Message) (string, error) {
	p.calls.Add(1)
	p.lastMsg.Store(msg)
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.err != nil {
		return "", p.err
	}
	return p.id, nil
}

func okProvider(name string, ch notification.Channel, id string) *fakeProvider {
	return &fakeProvider{name: name, channel: ch, id: id}
}

func failingProvider(name string, ch notification.Channel, err error) *fakeProvider {
	return &fakeProvider{name: name, channel: ch, err: err}
}

var errProviderDown = errors.New("upstream returned 503")

// fixture wires the domain against in-memory infrastructure.
type fixture struct {
	store      notification.Store
	orphans    *orphan.MemoryStore
	tracker    *notification.Tracker
	dispatcher *notification.Dispatcher
	reconciler *notification.Reconciler
}

func newFixture(t *testing.T, providers ...notification.Provider) *fixture {
	t.Helper()
	return newFixtureFor(t, store.NewMemoryStore(), providers...)
}

func newFixtureFor(t *testing.T, s notification.Store, providers ...notification.Provider) *fixture {
	t.Helper()

	engine, err := template.NewEngine()
	require.NoError(t, err)

	byChannel := make(map[notification.Channel][]notification.Provider)
	for _, p := range providers {
		byChannel[p.Channel()] = append(byChannel[p.Channel()], p)
	}
	var senders []*notification.ChannelSender
	for _, ch := range notification.Channels {
		if chain, ok := byChannel[ch]; ok {
			senders = append(senders, notification.NewChannelSender(ch, 200*time.Millisecond, nil, chain...))
		}
	}

	orphans := orphan.NewMemoryStore()
	tracker := notification.NewTracker(s, nil)
	return &fixture{
		store:      s,
		orphans:    orphans,
		tracker:    tracker,
		dispatcher: notification.NewDispatcher(tracker, engine, nil, senders...),
		reconciler: notification.NewReconciler(tracker, orphans, nil),
	}
}

// sent creates a notification and records a successful send through provider.
func (f *fixture) sent(t *testing.T, provider, providerMessageID string) *notification.Notification {
	t.Helper()
	ctx := context.Background()

	n := pendingNotification()
	require.NoError(t, f.tracker.CreateNotification(ctx, n))
	require.NoError(t, f.tracker.RecordSendOutcome(ctx, n.ID, notification.SendOutcome{
		OK:                true,
		Provider:          provider,
		ProviderMessageID: providerMessageID,
	}))
	return f.get(t, n.ID)
}

func (f *fixture) get(t *testing.T, id string) *notification.Notification {
	t.Helper()
	view, err := f.tracker.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return view.Notification
}

func (f *fixture) history(t *testing.T, id string) []*notification.DeliveryStatusEvent {
	t.Helper()
	view, err := f.tracker.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return view.History
}

func pendingNotification() *notification.Notification {
	return &notification.Notification{
		ID:        uuid.NewString(),
		Channel:   notification.ChannelEmail,
		Template:  notification.TemplateGeneral,
		Recipient: notification.Recipient{ID: "user-1", Address: "u@example.com"},
		Content:   notification.Content{Subject: "Notification", BodyText: "hello"},
	}
}
