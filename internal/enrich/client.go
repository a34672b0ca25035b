// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package enrich

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// ClientConfig configures the HTTP insight client.
type ClientConfig struct {
	// BaseURL of the insight service.
	BaseURL string

	// APIKey is sent as a bearer credential.
	APIKey string

	// RequestsPerSecond caps outbound calls; the service is rate-limited
	// upstream, better to queue here than to burn attempts on 429s.
	// Zero disables client-side limiting.
	RequestsPerSecond float64

	// Burst for the rate limiter. Default 1 when limiting is on.
	Burst int

	// BreakerFailureThreshold is consecutive failures before the circuit
	// opens. Default 5.
	BreakerFailureThreshold uint32

	// BreakerTimeout is how long the circuit stays open. Default 30s.
	BreakerTimeout time.Duration
}

// Client calls the external insight service over HTTP. It is safe for
// concurrent use; the worker pool's admission semaphore bounds how many
// calls are actually in flight.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[Result]
}

// NewClient creates an insight-service client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BreakerFailureThreshold == 0 {
		cfg.BreakerFailureThreshold = 5
	}
	if cfg.BreakerTimeout == 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	breaker := gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:    "insight-service",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	})

	return &Client{
		cfg:     cfg,
		breaker: breaker,
		limiter: limiter,
		// Per-call deadlines come from the pool's context; no client-wide
		// timeout on top of them.
		httpClient: &http.Client{},
	}
}

type enrichHTTPResponse struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// Enrich implements Enricher. Failures are classified so the pool can
// decide between backoff-retry and dead-lettering: 4xx responses are
// permanent (the input will never be accepted), everything else is
// transient.
func (c *Client) Enrich(ctx context.Context, req Request) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}

	return c.breaker.Execute(func() (Result, error) {
		return c.doEnrich(ctx, req)
	})
}

func (c *Client) doEnrich(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, Permanent("encode request", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/insights"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are transient.
		return Result{}, fmt.Errorf("insight service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var out enrichHTTPResponse
		if err := json.Unmarshal(data, &out); err != nil {
			return Result{}, fmt.Errorf("decode response: %w", err)
		}
		return Result{Content: out.Content}, nil

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("insight service unavailable: status %d", resp.StatusCode)

	default:
		// Remaining 4xx: the capability rejected the input for good.
		var out enrichHTTPResponse
		_ = json.Unmarshal(data, &out)
		reason := out.Error
		if reason == "" {
			reason = fmt.Sprintf("rejected with status %d", resp.StatusCode)
		}
		return Result{}, Permanent(reason, nil)
	}
}
