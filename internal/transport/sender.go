// Package transport delivers replies to WhatsApp users and fetches the media they send.
package transport

import (
	"context"
	"strings"

	"ledgerchat/internal/config"
	"ledgerchat/internal/logging"
)

// Sender delivers one outbound message. mediaURL may be empty.
type Sender interface {
	Send(ctx context.Context, to, body, mediaURL string) error
}

// NewSender returns the Twilio sender when credentials are configured, otherwise a LogSender.
func NewSender(cfg config.TwilioConfig) Sender {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return LogSender{}
	}
	return NewTwilioSender(cfg)
}

// LogSender writes outbound messages to the log instead of delivering them.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, to, body, mediaURL string) error {
	logging.FromContext(ctx).Info().
		Str("to", logging.HashIdentity(to)).
		Int("chars", len([]rune(body))).
		Str("media_url", mediaURL).
		Msg("outbound message (not delivered)")
	return nil
}

// WhatsAppAddress adds the channel prefix Twilio expects on WhatsApp numbers.
func WhatsAppAddress(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}
