package main

import (
	"context"
	"fmt"
	"log/slog"

	"herald/internal/config"
	"herald/internal/domain/notification"
	"herald/internal/infra/email"
	"herald/internal/infra/push"
	"herald/internal/infra/simulate"
	"herald/internal/infra/sms"
	"herald/internal/metrics"
)

// buildSenders creates one ChannelSender per channel from the configured
// provider lists. The simulate provider closes a chain when none of the
// listed providers has credentials, or when it is listed explicitly.
func buildSenders(ctx context.Context, cfg *config.Config, m *metrics.Metrics) ([]*notification.ChannelSender, error) {
	timeout := cfg.Dispatch.AttemptTimeout()

	emailChain, err := emailProviders(cfg)
	if err != nil {
		return nil, err
	}
	smsChain, err := smsProviders(cfg)
	if err != nil {
		return nil, err
	}
	pushChain, err := pushProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	senders := []*notification.ChannelSender{
		notification.NewChannelSender(notification.ChannelEmail, timeout, m, emailChain...),
		notification.NewChannelSender(notification.ChannelSMS, timeout, m, smsChain...),
		notification.NewChannelSender(notification.ChannelPush, timeout, m, pushChain...),
	}
	for _, s := range senders {
		slog.Info("channel sender configured",
			"channel", s.Channel(),
			"providers", s.ProviderNames(),
			"attempt_timeout", timeout,
		)
	}
	return senders, nil
}

func emailProviders(cfg *config.Config) ([]notification.Provider, error) {
	var (
		chain      []notification.Provider
		configured bool
		simulated  bool
	)
	for _, name := range cfg.Email.Providers {
		switch name {
		case "resend":
			chain = append(chain, email.NewResendProvider(cfg.Email.Resend.APIKey, cfg.Email.FromAddress, cfg.Email.FromName))
			configured = configured || (cfg.Email.Resend.APIKey != "" && cfg.Email.FromAddress != "")
		case "smtp":
			chain = append(chain, email.NewSMTPProvider(email.SMTPConfig{
				Host:        cfg.Email.SMTP.Host,
				Port:        cfg.Email.SMTP.Port,
				Username:    cfg.Email.SMTP.Username,
				Password:    cfg.Email.SMTP.Password,
				Encryption:  cfg.Email.SMTP.Encryption,
				FromAddress: cfg.Email.FromAddress,
				FromName:    cfg.Email.FromName,
			}))
			configured = configured || (cfg.Email.SMTP.Host != "" && cfg.Email.FromAddress != "")
		case simulate.Name:
			chain = append(chain, simulate.New(notification.ChannelEmail))
			simulated = true
		default:
			return nil, fmt.Errorf("unknown email provider %q", name)
		}
	}
	return closeChain(notification.ChannelEmail, chain, configured, simulated), nil
}

func smsProviders(cfg *config.Config) ([]notification.Provider, error) {
	var (
		chain      []notification.Provider
		configured bool
		simulated  bool
	)
	for _, name := range cfg.SMS.Providers {
		switch name {
		case "twilio":
			tc := cfg.SMS.Twilio
			chain = append(chain, sms.NewTwilioProvider(sms.TwilioConfig{
				AccountSID:        tc.AccountSID,
				AuthToken:         tc.AuthToken,
				FromNumber:        tc.FromNumber,
				StatusCallbackURL: tc.StatusCallbackURL,
			}))
			configured = configured || (tc.AccountSID != "" && tc.AuthToken != "" && tc.FromNumber != "")
		case simulate.Name:
			chain = append(chain, simulate.New(notification.ChannelSMS))
			simulated = true
		default:
			return nil, fmt.Errorf("unknown sms provider %q", name)
		}
	}
	return closeChain(notification.ChannelSMS, chain, configured, simulated), nil
}

func pushProviders(ctx context.Context, cfg *config.Config) ([]notification.Provider, error) {
	var (
		chain      []notification.Provider
		configured bool
		simulated  bool
	)
	for _, name := range cfg.Push.Providers {
		switch name {
		case "fcm":
			p, err := push.NewFCMProvider(ctx, cfg.Push.FCM.ProjectID, cfg.Push.FCM.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("initializing fcm provider: %w", err)
			}
			chain = append(chain, p)
			configured = configured || (cfg.Push.FCM.ProjectID != "" && cfg.Push.FCM.CredentialsFile != "")
		case "shoutrrr":
			chain = append(chain, push.NewShoutrrrProvider(cfg.Push.Shoutrrr.URL))
			configured = configured || cfg.Push.Shoutrrr.URL != ""
		case simulate.Name:
			chain = append(chain, simulate.New(notification.ChannelPush))
			simulated = true
		default:
			return nil, fmt.Errorf("unknown push provider %q", name)
		}
	}
	return closeChain(notification.ChannelPush, chain, configured, simulated), nil
}

func closeChain(ch notification.Channel, chain []notification.Provider, configured, simulated bool) []notification.Provider {
	if configured || simulated {
		return chain
	}
	slog.Warn("no provider configured, deliveries will be simulated", "channel", ch)
	return append(chain, simulate.New(ch))
}
