// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestClient_Enrich(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		if r.URL.Path != "/v1/insights" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(enrichHTTPResponse{Content: "summary for " + req.ActivityID})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "secret"})
	res, err := c.Enrich(context.Background(), Request{
		SubjectID:     "child-1",
		DerivationKey: DerivationActivitySummary,
		ActivityID:    "act-1",
	})
	if err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if res.Content != "summary for act-1" {
		t.Errorf("content = %q", res.Content)
	}
	if gotAuth.Load() != "Bearer secret" {
		t.Errorf("auth header = %v", gotAuth.Load())
	}
}

func TestClient_FailureClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"rate limited", http.StatusTooManyRequests, "", false},
		{"server error", http.StatusInternalServerError, "", false},
		{"bad gateway", http.StatusBadGateway, "", false},
		{"unprocessable", http.StatusUnprocessableEntity, `{"error":"content policy"}`, true},
		{"bad request", http.StatusBadRequest, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(ClientConfig{BaseURL: srv.URL})
			_, err := c.Enrich(context.Background(), Request{ActivityID: "act-1"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v (err: %v)", got, tt.permanent, err)
			}
		})
	}
}

func TestClient_PermanentReasonFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(enrichHTTPResponse{Error: "content policy"})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := c.Enrich(context.Background(), Request{})
	if permanentReason(err) != "content policy" {
		t.Errorf("reason = %q", permanentReason(err))
	}
}

func TestClient_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{BaseURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := c.Enrich(ctx, Request{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if IsPermanent(err) {
		t.Error("timeout must be transient")
	}
}

func TestClient_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{
		BaseURL:                 srv.URL,
		BreakerFailureThreshold: 2,
		BreakerTimeout:          time.Minute,
	})

	for i := 0; i < 2; i++ {
		if _, err := c.Enrich(context.Background(), Request{}); err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	// Circuit is open now: the next call fails fast without a request.
	start := time.Now()
	_, err := c.Enrich(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected open-circuit error")
	}
	if IsPermanent(err) {
		t.Error("open circuit must be transient, the service may recover")
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Error("open circuit should fail fast")
	}
}
