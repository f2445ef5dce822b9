// Package webhook delivers messages by POSTing them to an HTTP relay.
//
// The relay owns the actual messaging account. Its readiness endpoint tells
// whether that account is logged in:
//
//	GET  <probe_url>  -> 200 {"state":"authenticated"|"awaitingAuth"}
//	POST <url>        {"target":"...","message":"..."} -> 2xx
//
// 401/403 from either endpoint means the relay is not authenticated.
package webhook

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

	"groupcast/internal/channel"
	"groupcast/internal/model"
)

type Config struct {
	URL      string
	ProbeURL string
	Token    string
	Timeout  time.Duration
}

type Driver struct {
	cfg    Config
	client *http.Client
}

func New(cfg Config) (*Driver, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("webhook url is required")
	}
	if strings.TrimSpace(cfg.ProbeURL) == "" {
		cfg.ProbeURL = strings.TrimRight(cfg.URL, "/") + "/status"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Driver{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type sendRequest struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

type probeResponse struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Start waits until the relay answers its readiness endpoint.
func (d *Driver) Start(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	for {
		_, err := d.Probe(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, channel.ErrUnrecoverable) {
			return err
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("relay not reachable: %w", err)
		case <-t.C:
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

func (d *Driver) Probe(ctx context.Context) (channel.Readiness, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.ProbeURL, nil)
	if err != nil {
		return channel.ReadinessUnknown, err
	}
	d.authorize(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return channel.ReadinessUnknown, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return channel.ReadinessAwaitingAuth, nil
	case resp.StatusCode != http.StatusOK:
		return channel.ReadinessUnknown, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var pr probeResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return channel.ReadinessUnknown, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	switch strings.ToLower(strings.TrimSpace(pr.State)) {
	case "authenticated", "ready", "connected":
		return channel.ReadinessAuthenticated, nil
	case "awaitingauth", "awaiting_auth", "pending", "qr":
		return channel.ReadinessAwaitingAuth, nil
	case "failed", "error":
		return channel.ReadinessUnknown, fmt.Errorf("%w: relay reported %q", channel.ErrUnrecoverable, pr.Error)
	default:
		return channel.ReadinessUnknown, fmt.Errorf("unknown relay state %q", pr.State)
	}
}

func (d *Driver) Deliver(ctx context.Context, target, text string) error {
	b, err := json.Marshal(sendRequest{Target: target, Message: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	d.authorize(req)

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: relay returned %d", model.ErrNotAuthenticated, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (d *Driver) authorize(req *http.Request) {
	if tok := strings.TrimSpace(d.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func (d *Driver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
