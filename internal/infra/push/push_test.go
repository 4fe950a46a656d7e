package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFCMURL = "https://fcm.googleapis.com/v1/projects/herald-test/messages:send"

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func testMessage() *notification.Message {
	return &notification.Message{
		NotificationID: "n-1",
		To:             "device-token",
		Subject:        "Heads up",
		Text:           "maintenance tonight",
		Data:           map[string]string{"ticket": "42"},
	}
}

func TestFCMProvider_Send(t *testing.T) {
	setupHTTPMock(t)

	var body struct {
		Message struct {
			Token        string            `json:"token"`
			Notification map[string]string `json:"notification"`
			Data         map[string]string `json:"data"`
		} `json:"message"`
	}
	httpmock.RegisterResponder(http.MethodPost, testFCMURL,
		func(req *http.Request) (*http.Response, error) {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"name":"projects/herald-test/messages/0:123"}`), nil
		})

	p := newFCMProvider("herald-test", &http.Client{})
	id, err := p.Send(context.Background(), testMessage())

	require.NoError(t, err)
	assert.Equal(t, "projects/herald-test/messages/0:123", id)
	assert.Equal(t, "device-token", body.Message.Token)
	assert.Equal(t, "Heads up", body.Message.Notification["title"])
	assert.Equal(t, "maintenance tonight", body.Message.Notification["body"])
	assert.Equal(t, "n-1", body.Message.Data["notification_id"])
	assert.Equal(t, "42", body.Message.Data["ticket"])
}

func TestFCMProvider_Error(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodPost, testFCMURL,
		httpmock.NewStringResponder(http.StatusNotFound, `{"error":{"message":"Requested entity was not found.","status":"NOT_FOUND"}}`))

	_, err := newFCMProvider("herald-test", &http.Client{}).Send(context.Background(), testMessage())

	var provErr *common.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "fcm", provErr.Provider)
	assert.Equal(t, "NOT_FOUND: Requested entity was not found.", provErr.Message)
}

func TestFCMProvider_Unconfigured(t *testing.T) {
	p, err := NewFCMProvider(context.Background(), "", "")
	require.NoError(t, err)

	_, err = p.Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, notification.ErrProviderUnavailable)

	_, err = NewFCMProvider(context.Background(), "herald-test", "/does/not/exist.json")
	assert.Error(t, err)
}

func TestShoutrrrProvider_Unconfigured(t *testing.T) {
	_, err := NewShoutrrrProvider("  ").Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, notification.ErrProviderUnavailable)
}

func TestShoutrrrProvider_InvalidURL(t *testing.T) {
	_, err := NewShoutrrrProvider("nosuchservice://relay/{token}").Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "relay", "service urls are not echoed")
}

func TestShoutrrrProvider_CancelWaitsForInflightSend(t *testing.T) {
	received := make(chan struct{})
	release := make(chan struct{})
	var (
		receiveOnce, releaseOnce sync.Once
		finished                 atomic.Bool
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receiveOnce.Do(func() { close(received) })
		<-release
		finished.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	host := strings.TrimPrefix(srv.URL, "http://")
	p := NewShoutrrrProvider("generic://" + host + "/hooks/{token}?disabletls=yes")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		_, err := p.Send(ctx, testMessage())
		errc <- err
	}()

	select {
	case <-received:
	case err := <-errc:
		t.Fatalf("send returned before reaching the relay: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay was never called")
	}

	cancel()
	select {
	case err := <-errc:
		t.Fatalf("send returned while the relay call was in flight: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	releaseOnce.Do(func() { close(release) })
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
		assert.True(t, finished.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after the relay call finished")
	}
}
