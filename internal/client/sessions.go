package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Session is a scheduled class session owned by the sessions service.
type Session struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Status  string    `json:"status"`
	StartAt time.Time `json:"start_at"`
}

// Sessions lists and reschedules cohort sessions.
type Sessions interface {
	ListCohortSessions(ctx context.Context, cohortID string) ([]Session, error)
	UpdateSessionTime(ctx context.Context, sessionID string, startAt time.Time) error
}

type sessionsClient struct {
	*base
}

// NewSessions builds the HTTP sessions client.
func NewSessions(cfg Config, logger *zap.Logger) Sessions {
	return &sessionsClient{base: newBase("sessions", cfg, logger)}
}

func (c *sessionsClient) ListCohortSessions(ctx context.Context, cohortID string) ([]Session, error) {
	var result struct {
		Data []Session `json:"data"`
	}
	path := fmt.Sprintf("/internal/cohorts/%s/sessions", url.PathEscape(cohortID))
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("list cohort sessions: %w", err)
	}
	return result.Data, nil
}

func (c *sessionsClient) UpdateSessionTime(ctx context.Context, sessionID string, startAt time.Time) error {
	body := map[string]interface{}{"start_at": startAt.UTC().Format(time.RFC3339)}
	path := fmt.Sprintf("/internal/sessions/%s", url.PathEscape(sessionID))
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update session time: %w", err)
	}
	return nil
}
