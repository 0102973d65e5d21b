package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type WebhookConfig struct {
	URL         string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// WebhookRelay posts codes to an SMS/voice relay over HTTP.
type WebhookRelay struct {
	cfg     WebhookConfig
	client  *http.Client
	observe AttemptObserver
}

type webhookPayload struct {
	To        string    `json:"to"`
	Body      string    `json:"body"`
	SessionID string    `json:"session_id"`
	SubjectID string    `json:"subject_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewWebhookRelay(cfg WebhookConfig, observe AttemptObserver) (*WebhookRelay, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook relay url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	if observe == nil {
		observe = func(string, string) {}
	}
	return &WebhookRelay{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		observe: observe,
	}, nil
}

func (r *WebhookRelay) Name() string { return "webhook" }

func (r *WebhookRelay) Deliver(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.Target) == "" {
		return ErrNoTarget
	}
	body, err := json.Marshal(webhookPayload{
		To:        msg.Target,
		Body:      msg.Body(),
		SessionID: msg.SessionID,
		SubjectID: msg.SubjectID,
		ExpiresAt: msg.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := ExponentialBackoff(attempt-1, r.cfg.BackoffBase, r.cfg.BackoffCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		retry, err := r.post(ctx, body)
		if err == nil {
			r.observe(r.Name(), "ok")
			return nil
		}
		lastErr = err
		if !retry {
			r.observe(r.Name(), "failed")
			return err
		}
		r.observe(r.Name(), "retry")
	}
	r.observe(r.Name(), "failed")
	return fmt.Errorf("%w: %v", ErrRelayExhausted, lastErr)
}

func (r *WebhookRelay) post(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	if IsRetryableHTTPStatus(resp.StatusCode) {
		return true, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return false, fmt.Errorf("%w: webhook status %d", ErrUndeliverable, resp.StatusCode)
}
