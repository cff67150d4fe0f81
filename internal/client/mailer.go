package client

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// Email is a templated transactional message.
type Email struct {
	To       string                 `json:"to"`
	Subject  string                 `json:"subject"`
	Template string                 `json:"template"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Mailer sends transactional email through the mailer service.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

type mailerClient struct {
	*base
}

// NewMailer builds the HTTP mailer client.
func NewMailer(cfg Config, logger *zap.Logger) Mailer {
	return &mailerClient{base: newBase("mailer", cfg, logger)}
}

func (c *mailerClient) Send(ctx context.Context, email Email) error {
	if err := c.do(ctx, http.MethodPost, "/internal/emails", email, nil); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}
