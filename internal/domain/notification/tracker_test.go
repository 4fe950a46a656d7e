package notification_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
	"herald/internal/infra/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RecordSendOutcome_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	n := f.sent(t, "resend", "re_123")

	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, 1, n.Attempts)
	assert.Equal(t, "resend", n.Provider)
	assert.Equal(t, "re_123", n.ProviderMessageID)
	require.NotNil(t, n.SentAt)
	assert.Nil(t, n.DeliveredAt)

	history := f.history(t, n.ID)
	require.Len(t, history, 1)
	assert.Equal(t, notification.StatusSent, history[0].Status)
	assert.Equal(t, notification.DispositionApplied, history[0].Disposition)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, "resend", history[0].Provider)
}

func TestTracker_RecordSendOutcome_Failure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	n := pendingNotification()
	require.NoError(t, f.tracker.CreateNotification(ctx, n))
	require.NoError(t, f.tracker.RecordSendOutcome(ctx, n.ID, notification.SendOutcome{
		Provider:    "smtp",
		ErrorKind:   notification.ErrorKindProviderFailure,
		ErrorDetail: "resend: 503; smtp: connection refused",
	}))

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Equal(t, "resend: 503; smtp: connection refused", got.ErrorMessage)
	assert.Nil(t, got.SentAt)

	history := f.history(t, n.ID)
	require.Len(t, history, 1)
	assert.Equal(t, notification.StatusFailed, history[0].Status)
	assert.Equal(t, "provider_failure", history[0].Metadata["error_kind"])
}

func TestTracker_RecordSendOutcome_OnlyOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	n := f.sent(t, "twilio", "SM1")

	err := f.tracker.RecordSendOutcome(context.Background(), n.ID, notification.SendOutcome{OK: true, Provider: "twilio"})
	var conflict *common.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestTracker_RecordSendOutcome_Unknown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.tracker.RecordSendOutcome(context.Background(), "missing", notification.SendOutcome{OK: true})
	var notFound *common.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestTracker_WebhookBeforeSendOutcome(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	n := pendingNotification()
	require.NoError(t, f.tracker.CreateNotification(ctx, n))

	_, err := f.tracker.RecordWebhookEvent(ctx, notification.WebhookUpdate{
		NotificationID: n.ID,
		Status:         notification.StatusDelivered,
		Provider:       "resend",
	})
	assert.ErrorIs(t, err, notification.ErrNotYetSent)
	assert.Empty(t, f.history(t, n.ID))
}

func TestTracker_WebhookForwardDuplicateAndLate(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	n := f.sent(t, "resend", "re_1")

	update := notification.WebhookUpdate{
		NotificationID: n.ID,
		Status:         notification.StatusDelivered,
		Provider:       "resend",
	}

	d, err := f.tracker.RecordWebhookEvent(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, notification.DispositionApplied, d)

	delivered := f.get(t, n.ID)
	assert.Equal(t, notification.StatusDelivered, delivered.Status)
	assert.Equal(t, 2, delivered.Attempts)
	require.NotNil(t, delivered.DeliveredAt)
	assert.Equal(t, *n.SentAt, *delivered.SentAt, "sentAt is written once")

	d, err = f.tracker.RecordWebhookEvent(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, notification.DispositionDuplicate, d)

	update.Status = notification.StatusFailed
	d, err = f.tracker.RecordWebhookEvent(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, notification.DispositionIgnored, d)

	final := f.get(t, n.ID)
	assert.Equal(t, notification.StatusDelivered, final.Status)
	assert.Equal(t, *delivered.DeliveredAt, *final.DeliveredAt)
	assert.Equal(t, 2, final.Attempts)
	assert.Empty(t, final.ErrorMessage)

	history := f.history(t, n.ID)
	require.Len(t, history, 4)
	assert.Equal(t, notification.DispositionApplied, history[1].Disposition)
	assert.Equal(t, notification.DispositionDuplicate, history[2].Disposition)
	assert.Equal(t, notification.StatusDelivered, history[2].Status)
	assert.Equal(t, notification.DispositionIgnored, history[3].Disposition)
	assert.Equal(t, notification.StatusDelivered, history[3].Status)
	assert.Equal(t, "failed", history[3].Metadata["incoming_status"])
}

func TestTracker_OpenedSetsDeliveredAt(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.sent(t, "resend", "re_2")

	_, err := f.tracker.RecordWebhookEvent(context.Background(), notification.WebhookUpdate{
		NotificationID: n.ID,
		Status:         notification.StatusOpened,
		Provider:       "resend",
	})
	require.NoError(t, err)

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusOpened, got.Status)
	assert.NotNil(t, got.DeliveredAt)
}

func TestTracker_WebhookFailureRecordsReason(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.sent(t, "twilio", "SM2")

	d, err := f.tracker.RecordWebhookEvent(context.Background(), notification.WebhookUpdate{
		NotificationID: n.ID,
		Status:         notification.StatusFailed,
		Provider:       "twilio",
		Metadata:       map[string]any{"provider_status": "undelivered"},
	})
	require.NoError(t, err)
	assert.Equal(t, notification.DispositionApplied, d)

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusFailed, got.Status)
	assert.Equal(t, "twilio reported undelivered", got.ErrorMessage)
}

func TestTracker_TerminalClicked(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	n := f.sent(t, "resend", "re_3")

	for _, s := range []notification.Status{notification.StatusClicked, notification.StatusOpened} {
		_, err := f.tracker.RecordWebhookEvent(ctx, notification.WebhookUpdate{NotificationID: n.ID, Status: s, Provider: "resend"})
		require.NoError(t, err)
	}

	assert.Equal(t, notification.StatusClicked, f.get(t, n.ID).Status)
}

func TestTracker_UnknownNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.tracker.RecordWebhookEvent(context.Background(), notification.WebhookUpdate{
		NotificationID: "missing",
		Status:         notification.StatusDelivered,
	})
	var notFound *common.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = f.tracker.GetStatus(context.Background(), "missing")
	assert.ErrorAs(t, err, &notFound)
}

// racingStore changes the stored status underneath the tracker on the first
// transition, simulating a second process.
type racingStore struct {
	*store.MemoryStore
	race    func(ctx context.Context, id string)
	updates atomic.Int32
}

func (s *racingStore) ApplyTransition(ctx context.Context, id string, expected notification.Status, u notification.StatusUpdate, e *notification.DeliveryStatusEvent) error {
	if s.updates.Add(1) == 1 && s.race != nil {
		s.race(ctx, id)
	}
	return s.MemoryStore.ApplyTransition(ctx, id, expected, u, e)
}

func TestTracker_ReevaluatesAfterConcurrentChange(t *testing.T) {
	t.Parallel()

	mem := store.NewMemoryStore()
	rs := &racingStore{MemoryStore: mem}
	f := newFixtureFor(t, rs)
	n := f.sent(t, "resend", "re_4")

	rs.updates.Store(0)
	rs.race = func(ctx context.Context, id string) {
		now := time.Now().UTC()
		require.NoError(t, mem.ApplyTransition(ctx, id, notification.StatusSent, notification.StatusUpdate{
			Status:      notification.StatusDelivered,
			Attempts:    2,
			DeliveredAt: &now,
			UpdatedAt:   now,
		}, nil))
	}

	d, err := f.tracker.RecordWebhookEvent(context.Background(), notification.WebhookUpdate{
		NotificationID: n.ID,
		Status:         notification.StatusOpened,
		Provider:       "resend",
	})
	require.NoError(t, err)
	assert.Equal(t, notification.DispositionApplied, d)

	got := f.get(t, n.ID)
	assert.Equal(t, notification.StatusOpened, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

// conflictingStore never lets a conditional update through.
type conflictingStore struct {
	*store.MemoryStore
	armed atomic.Bool
}

func (s *conflictingStore) ApplyTransition(ctx context.Context, id string, expected notification.Status, u notification.StatusUpdate, e *notification.DeliveryStatusEvent) error {
	if s.armed.Load() {
		return notification.ErrStatusConflict
	}
	return s.MemoryStore.ApplyTransition(ctx, id, expected, u, e)
}

func TestTracker_GivesUpAfterRepeatedConflicts(t *testing.T) {
	t.Parallel()

	cs := &conflictingStore{MemoryStore: store.NewMemoryStore()}
	f := newFixtureFor(t, cs)
	n := f.sent(t, "resend", "re_5")
	cs.armed.Store(true)

	_, err := f.tracker.RecordWebhookEvent(context.Background(), notification.WebhookUpdate{
		NotificationID: n.ID,
		Status:         notification.StatusDelivered,
		Provider:       "resend",
	})
	var conflict *common.ConflictError
	assert.ErrorAs(t, err, &conflict)
	assert.Len(t, f.history(t, n.ID), 1, "no event is appended for an unapplied transition")
}

// eventClashStore makes the event insert of the next transition fail by
// claiming its event id for another notification first.
type eventClashStore struct {
	*store.SQLiteStore
	decoyID string
	armed   atomic.Bool
}

func (s *eventClashStore) ApplyTransition(ctx context.Context, id string, expected notification.Status, u notification.StatusUpdate, e *notification.DeliveryStatusEvent) error {
	if s.armed.Load() && e != nil {
		clash := *e
		clash.NotificationID = s.decoyID
		if err := s.SQLiteStore.AppendDeliveryStatusEvent(ctx, &clash); err != nil {
			return err
		}
	}
	return s.SQLiteStore.ApplyTransition(ctx, id, expected, u, e)
}

func newEventClashStore(t *testing.T) *eventClashStore {
	t.Helper()
	sqlite, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "herald.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	decoy := pendingNotification()
	decoy.CreatedAt = time.Now().UTC()
	decoy.UpdatedAt = decoy.CreatedAt
	require.NoError(t, sqlite.CreateNotification(context.Background(), decoy))
	return &eventClashStore{SQLiteStore: sqlite, decoyID: decoy.ID}
}

func TestTracker_FailedEventWriteLeavesStatusUntouched(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cs := newEventClashStore(t)
	f := newFixtureFor(t, cs)

	t.Run("send outcome", func(t *testing.T) {
		n := pendingNotification()
		require.NoError(t, f.tracker.CreateNotification(ctx, n))

		cs.armed.Store(true)
		err := f.tracker.RecordSendOutcome(ctx, n.ID, notification.SendOutcome{
			OK:                true,
			Provider:          "resend",
			ProviderMessageID: "re_7",
		})
		cs.armed.Store(false)
		require.Error(t, err)

		got := f.get(t, n.ID)
		assert.Equal(t, notification.StatusPending, got.Status)
		assert.Zero(t, got.Attempts)
		assert.Empty(t, got.ProviderMessageID)
		assert.Empty(t, f.history(t, n.ID))

		id, err := f.tracker.ResolveProviderMessageID(ctx, "resend", "re_7")
		require.NoError(t, err)
		assert.Empty(t, id, "an unrecorded send cannot be correlated")
	})

	t.Run("webhook", func(t *testing.T) {
		n := f.sent(t, "resend", "re_8")

		cs.armed.Store(true)
		_, err := f.tracker.RecordWebhookEvent(ctx, notification.WebhookUpdate{
			NotificationID: n.ID,
			Status:         notification.StatusDelivered,
			Provider:       "resend",
		})
		cs.armed.Store(false)
		require.Error(t, err)

		got := f.get(t, n.ID)
		assert.Equal(t, notification.StatusSent, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Nil(t, got.DeliveredAt)
		assert.Len(t, f.history(t, n.ID), 1)
	})
}

func TestTracker_ConcurrentWebhooksStayMonotonic(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := f.sent(t, "resend", "re_6")

	statuses := []notification.Status{
		notification.StatusDelivered,
		notification.StatusOpened,
		notification.StatusClicked,
		notification.StatusFailed,
		notification.StatusDelivered,
		notification.StatusOpened,
	}

	var wg sync.WaitGroup
	for _, s := range statuses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.RecordWebhookEvent(context.Background(), notification.WebhookUpdate{
				NotificationID: n.ID,
				Status:         s,
				Provider:       "resend",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := f.get(t, n.ID)
	history := f.history(t, n.ID)
	require.Len(t, history, len(statuses)+1)

	prev := notification.StatusPending
	for _, e := range history {
		if e.Disposition != notification.DispositionApplied {
			continue
		}
		assert.True(t, notification.CanAdvance(prev, e.Status), "%s -> %s", prev, e.Status)
		prev = e.Status
	}
	assert.Equal(t, prev, got.Status)
}

func TestTracker_ListNotifications(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		f.sent(t, "resend", "")
	}

	resp, err := f.tracker.ListNotifications(ctx, notification.ListFilter{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 1, resp.Page)
	assert.Len(t, resp.Notifications, 2)

	resp, err = f.tracker.ListNotifications(ctx, notification.ListFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, resp.Notifications, 1)

	resp, err = f.tracker.ListNotifications(ctx, notification.ListFilter{Status: string(notification.StatusFailed)})
	require.NoError(t, err)
	assert.Zero(t, resp.Total)
}
