package push

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"herald/internal/domain/notification"

	"github.com/google/uuid"
	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
)

var _ notification.Provider = (*ShoutrrrProvider)(nil)

// TokenPlaceholder is replaced with the (URL-escaped) device token in the
// configured service URL, e.g. "ntfy://ntfy.sh/{token}".
const TokenPlaceholder = "{token}"

const defaultShoutrrrTimeout = 10 * time.Second

// ShoutrrrProvider relays push notifications through any service shoutrrr
// supports (ntfy, Gotify, Pushover, ...). Each send builds a sender for the
// recipient's URL, so no connection outlives an attempt.
type ShoutrrrProvider struct {
	urlTemplate string
}

// NewShoutrrrProvider creates a push relay provider. An empty urlTemplate
// makes every send report notification.ErrProviderUnavailable.
func NewShoutrrrProvider(urlTemplate string) *ShoutrrrProvider {
	return &ShoutrrrProvider{urlTemplate: strings.TrimSpace(urlTemplate)}
}

// Name returns the provider identifier.
func (p *ShoutrrrProvider) Name() string { return "shoutrrr" }

// Channel returns the push channel identifier.
func (p *ShoutrrrProvider) Channel() notification.Channel {
	return notification.ChannelPush
}

// Send delivers msg to the service URL for msg.To. Shoutrrr does not return
// message ids, so a local id is generated.
//
// Shoutrrr takes no context. When ctx ends first, Send still waits for the
// in-flight call to finish or time out before returning ctx.Err().
func (p *ShoutrrrProvider) Send(ctx context.Context, msg *notification.Message) (string, error) {
	if p.urlTemplate == "" {
		return "", notification.ErrProviderUnavailable
	}

	serviceURL := strings.ReplaceAll(p.urlTemplate, TokenPlaceholder, url.PathEscape(msg.To))
	sender, err := shoutrrr.CreateSender(serviceURL)
	if err != nil {
		// The URL may carry credentials, so it is not echoed back.
		return "", fmt.Errorf("creating shoutrrr sender: invalid service url")
	}
	sender.SetLogger(log.New(io.Discard, "", 0))
	sender.Timeout = defaultShoutrrrTimeout
	if deadline, ok := ctx.Deadline(); ok {
		sender.Timeout = time.Until(deadline)
	}

	params := stypes.Params{}
	if msg.Subject != "" {
		params.SetTitle(msg.Subject)
	}

	done := make(chan error, 1)
	go func() {
		var firstErr error
		for _, e := range sender.Send(msg.Text, &params) {
			if e != nil {
				firstErr = e
				break
			}
		}
		done <- firstErr
	}()

	select {
	case <-ctx.Done():
		// The router gives up after sender.Timeout, so this wait is bounded.
		wait := time.NewTimer(sender.Timeout)
		defer wait.Stop()
		select {
		case <-done:
		case <-wait.C:
		}
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("shoutrrr send: %w", err)
		}
	}

	return "shoutrrr-" + uuid.NewString(), nil
}
