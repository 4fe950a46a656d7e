package sms

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"herald/internal/common"
	"herald/internal/domain/notification"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMessagesURL = twilioAPIBase + "/Accounts/AC123/Messages.json"

func setupHTTPMock(t *testing.T) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
}

func testConfig() TwilioConfig {
	return TwilioConfig{
		AccountSID:        "AC123",
		AuthToken:         "secret",
		FromNumber:        "+15550000",
		StatusCallbackURL: "https://herald.example.com/webhooks/twilio",
	}
}

func testMessage() *notification.Message {
	return &notification.Message{NotificationID: "n-1", To: "+15550100", Text: "Your code is 1234"}
}

func TestTwilioProvider_Send(t *testing.T) {
	setupHTTPMock(t)

	var form url.Values
	httpmock.RegisterResponder(http.MethodPost, testMessagesURL,
		func(req *http.Request) (*http.Response, error) {
			user, pass, ok := req.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "AC123", user)
			assert.Equal(t, "secret", pass)
			if err := req.ParseForm(); err != nil {
				return httpmock.NewStringResponse(http.StatusBadRequest, ""), nil
			}
			form = req.PostForm
			return httpmock.NewStringResponse(http.StatusCreated, `{"sid":"SM1","status":"queued"}`), nil
		})

	id, err := NewTwilioProvider(testConfig()).Send(context.Background(), testMessage())

	require.NoError(t, err)
	assert.Equal(t, "SM1", id)
	assert.Equal(t, "+15550100", form.Get("To"))
	assert.Equal(t, "+15550000", form.Get("From"))
	assert.Equal(t, "Your code is 1234", form.Get("Body"))
	assert.Equal(t, "https://herald.example.com/webhooks/twilio?notification_id=n-1", form.Get("StatusCallback"))
}

func TestTwilioProvider_APIError(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodPost, testMessagesURL,
		httpmock.NewStringResponder(http.StatusBadRequest, `{"code":21211,"message":"Invalid 'To' Phone Number"}`))

	_, err := NewTwilioProvider(testConfig()).Send(context.Background(), testMessage())

	var provErr *common.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, http.StatusBadRequest, provErr.StatusCode)
	assert.Contains(t, provErr.Message, "21211")
}

func TestTwilioProvider_ImmediateFailure(t *testing.T) {
	setupHTTPMock(t)

	httpmock.RegisterResponder(http.MethodPost, testMessagesURL,
		httpmock.NewStringResponder(http.StatusCreated, `{"sid":"SM2","status":"failed","error_message":"blocked"}`))

	_, err := NewTwilioProvider(testConfig()).Send(context.Background(), testMessage())
	var provErr *common.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "blocked", provErr.Message)
}

func TestTwilioProvider_Unconfigured(t *testing.T) {
	setupHTTPMock(t)

	cfg := testConfig()
	cfg.AuthToken = ""
	_, err := NewTwilioProvider(cfg).Send(context.Background(), testMessage())

	assert.ErrorIs(t, err, notification.ErrProviderUnavailable)
	assert.Zero(t, httpmock.GetTotalCallCount())
}

func TestTwilioProvider_StatusCallback(t *testing.T) {
	p := NewTwilioProvider(TwilioConfig{StatusCallbackURL: "https://h.example.com/cb?token=x"})
	assert.Equal(t, "https://h.example.com/cb?notification_id=n-9&token=x", p.statusCallback("n-9"))

	p = NewTwilioProvider(TwilioConfig{})
	assert.Empty(t, p.statusCallback("n-9"))
}
