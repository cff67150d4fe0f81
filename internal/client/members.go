package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// MemberContact is the contact projection the notification flows need.
type MemberContact struct {
	MemberID  string `json:"member_id"`
	AuthID    string `json:"auth_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
}

// Members resolves member contact details.
type Members interface {
	GetContact(ctx context.Context, memberID string) (*MemberContact, error)
}

type membersClient struct {
	*base
}

// NewMembers builds the HTTP members client.
func NewMembers(cfg Config, logger *zap.Logger) Members {
	return &membersClient{base: newBase("members", cfg, logger)}
}

func (c *membersClient) GetContact(ctx context.Context, memberID string) (*MemberContact, error) {
	var result struct {
		Data MemberContact `json:"data"`
	}
	path := fmt.Sprintf("/internal/members/%s/contact", url.PathEscape(memberID))
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("get member contact: %w", err)
	}
	return &result.Data, nil
}
