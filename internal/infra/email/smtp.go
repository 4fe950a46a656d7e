package email

import (
	"context"
	"fmt"

	"herald/internal/domain/notification"

	"github.com/wneessen/go-mail"
)

var _ notification.Provider = (*SMTPProvider)(nil)

// SMTPConfig holds the relay settings for SMTPProvider.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	Encryption  string // "ssl_tls", "starttls" or "none"
	FromAddress string
	FromName    string
}

// SMTPProvider delivers email through an SMTP relay using go-mail.
type SMTPProvider struct {
	config SMTPConfig
}

// NewSMTPProvider creates a new SMTP email provider. Without a host every
// send reports notification.ErrProviderUnavailable.
func NewSMTPProvider(config SMTPConfig) *SMTPProvider {
	if config.Port == 0 {
		config.Port = 587
	}
	return &SMTPProvider{config: config}
}

// Name returns the provider identifier.
func (p *SMTPProvider) Name() string { return "smtp" }

// Channel returns the email channel identifier.
func (p *SMTPProvider) Channel() notification.Channel {
	return notification.ChannelEmail
}

// Send delivers msg over a fresh SMTP connection and returns its Message-ID.
// The connection is closed before Send returns.
func (p *SMTPProvider) Send(ctx context.Context, msg *notification.Message) (string, error) {
	if p.config.Host == "" || p.config.FromAddress == "" {
		return "", notification.ErrProviderUnavailable
	}

	m := mail.NewMsg()
	if err := m.FromFormat(p.config.FromName, p.config.FromAddress); err != nil {
		return "", fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}

	m.Subject(msg.Subject)
	m.SetMessageID()
	if msg.NotificationID != "" {
		m.SetGenHeader("X-Notification-ID", msg.NotificationID)
	}

	// Plain-text fallback for clients that don't render HTML.
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	opts := []mail.Option{
		mail.WithPort(p.config.Port),
		mail.WithTLSPolicy(tlsPolicyFromEncryption(p.config.Encryption)),
	}
	if p.config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(p.config.Username),
			mail.WithPassword(p.config.Password),
		)
	}

	c, err := mail.NewClient(p.config.Host, opts...)
	if err != nil {
		return "", fmt.Errorf("creating mail client: %w", err)
	}

	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("sending via %s: %w", p.config.Host, err)
	}

	return m.GetMessageID(), nil
}

// tlsPolicyFromEncryption converts the encryption string to a go-mail TLSPolicy.
func tlsPolicyFromEncryption(enc string) mail.TLSPolicy {
	switch enc {
	case "ssl_tls":
		return mail.TLSMandatory
	case "starttls":
		return mail.TLSOpportunistic
	default:
		return mail.NoTLS
	}
}
