package client

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// PaymentLinkRequest asks the payments service for a hosted checkout link.
// Amount is in kobo.
type PaymentLinkRequest struct {
	MemberAuthID string `json:"member_auth_id"`
	Email        string `json:"email"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Reference    string `json:"reference"`
	Narration    string `json:"narration"`
	CallbackURL  string `json:"callback_url"`
}

// PaymentLink is a hosted checkout handoff.
type PaymentLink struct {
	URL       string `json:"authorization_url"`
	Reference string `json:"reference"`
}

// Payments creates hosted checkout links for card/bank fallback payments.
type Payments interface {
	CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error)
}

type paymentsClient struct {
	*base
}

// NewPayments builds the HTTP payments client.
func NewPayments(cfg Config, logger *zap.Logger) Payments {
	return &paymentsClient{base: newBase("payments", cfg, logger)}
}

func (c *paymentsClient) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error) {
	var result struct {
		Data PaymentLink `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/internal/payment-links", req, &result); err != nil {
		return nil, fmt.Errorf("create payment link: %w", err)
	}
	return &result.Data, nil
}
