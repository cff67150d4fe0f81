// Package client holds the HTTP clients for the internal services the
// academy flows collaborate with: sessions, wallet, payments, members and
// mailer. Each client exposes a small interface so services can be tested
// with fakes.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
)

// Config configures one collaborator endpoint.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type base struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

func newBase(name string, cfg Config, logger *zap.Logger) *base {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &base{
		name:    name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

// statusError carries a non-2xx collaborator response.
type statusError struct {
	Service string
	Status  int
	Body    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.Status, e.Body)
}

func (b *base) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", b.name, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", b.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("X-Internal-Api-Key", b.apiKey)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		b.logger.Sugar().Warnw("collaborator call failed", "service", b.name, "method", method, "path", path, "error", err)
		return appErrors.Wrap(err, appErrors.ErrCollaboratorUnavailable.Code, appErrors.ErrCollaboratorUnavailable.Status, b.name+" unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", b.name, err)
	}

	if resp.StatusCode >= 400 {
		return &statusError{Service: b.name, Status: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal %s response: %w", b.name, err)
		}
	}
	return nil
}
