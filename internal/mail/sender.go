package mail

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"

	"marketplace-api/internal/observability"
)

type Message struct {
	To      string
	Subject string
	HTML    string
}

// Sender delivers a single message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

type ResendSender struct {
	client *resend.Client
	from   string
}

func NewResendSender(apiKey, fromEmail, fromName string) (*ResendSender, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend API key is required")
	}
	if fromEmail == "" {
		return nil, fmt.Errorf("from email is required")
	}

	from := fromEmail
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromEmail)
	}

	return &ResendSender{client: resend.NewClient(apiKey), from: from}, nil
}

func (s *ResendSender) Send(ctx context.Context, msg Message) (string, error) {
	sent, err := s.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("send email via resend: %w", err)
	}
	return sent.Id, nil
}

// LogSender records outgoing mail instead of delivering it. Used when no
// provider is configured.
type LogSender struct {
	logger *observability.Logger
}

func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) (string, error) {
	s.logger.Info("email_not_sent_no_provider", map[string]any{
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return "", nil
}
