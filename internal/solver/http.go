// Package solver calls an external anti-bot challenge solving service.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leadforge/leadcrawler/internal/engine"
)

// Config locates the solver service.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client implements engine.Solver against a JSON-over-HTTP solver API. The
// service is a black box; the client only enforces the timeout contract.
type Client struct {
	cfg  Config
	http *http.Client
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("solver endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 90 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type solveRequest struct {
	Domain string `json:"domain"`
	URL    string `json:"url"`
	Kind   string `json:"kind"`
	HTML   string `json:"html,omitempty"`
}

type solveResponse struct {
	Token string `json:"token"`
	Error string `json:"error,omitempty"`
}

// Solve submits the challenge and waits for a clearance token.
func (c *Client) Solve(ctx context.Context, payload engine.ChallengePayload) (string, error) {
	body, err := json.Marshal(solveRequest{
		Domain: payload.Domain,
		URL:    payload.URL,
		Kind:   payload.Kind,
		HTML:   string(payload.HTML),
	})
	if err != nil {
		return "", fmt.Errorf("marshal solve request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build solve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("solve request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read solve response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("solver returned %d", resp.StatusCode)
	}

	var out solveResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode solve response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("solver: %s", out.Error)
	}
	if out.Token == "" {
		return "", fmt.Errorf("solver returned empty token")
	}
	return out.Token, nil
}
