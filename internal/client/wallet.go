package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ErrInsufficientBalance reports a wallet debit declined for funds, as
// opposed to the wallet service being unreachable.
var ErrInsufficientBalance = errors.New("insufficient wallet balance")

// BalanceCheck reports whether a member's wallet covers a required amount,
// in Bubbles.
type BalanceCheck struct {
	Sufficient     bool  `json:"sufficient"`
	CurrentBalance int64 `json:"current_balance"`
	RequiredAmount int64 `json:"required_amount"`
}

// DebitRequest debits a member's wallet. Amount is in Bubbles. The
// idempotency key makes retried debits safe.
type DebitRequest struct {
	MemberAuthID   string `json:"member_auth_id"`
	AmountBubbles  int64  `json:"amount_bubbles"`
	Narration      string `json:"narration"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

// DebitResult is a successful wallet debit.
type DebitResult struct {
	TransactionID string `json:"transaction_id"`
	BalanceAfter  int64  `json:"balance_after"`
}

// Wallet exposes the member wallet operations billing needs.
type Wallet interface {
	CheckBalance(ctx context.Context, memberAuthID string, requiredAmount int64) (*BalanceCheck, error)
	Debit(ctx context.Context, req DebitRequest) (*DebitResult, error)
}

type walletClient struct {
	*base
}

// NewWallet builds the HTTP wallet client.
func NewWallet(cfg Config, logger *zap.Logger) Wallet {
	return &walletClient{base: newBase("wallet", cfg, logger)}
}

func (c *walletClient) CheckBalance(ctx context.Context, memberAuthID string, requiredAmount int64) (*BalanceCheck, error) {
	body := map[string]interface{}{
		"member_auth_id":  memberAuthID,
		"required_amount": requiredAmount,
	}
	var result struct {
		Data BalanceCheck `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/internal/wallet/check-balance", body, &result); err != nil {
		return nil, fmt.Errorf("check wallet balance: %w", err)
	}
	return &result.Data, nil
}

func (c *walletClient) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	var result struct {
		Data DebitResult `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/internal/wallets/debit", req, &result); err != nil {
		var sErr *statusError
		if errors.As(err, &sErr) && sErr.Status == http.StatusPaymentRequired {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("wallet debit: %w", err)
	}
	return &result.Data, nil
}
