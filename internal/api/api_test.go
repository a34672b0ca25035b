// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nestling-app/nestling/internal/blob"
	"github.com/nestling-app/nestling/internal/config"
	"github.com/nestling-app/nestling/internal/ingest"
	"github.com/nestling-app/nestling/internal/insight"
	"github.com/nestling-app/nestling/internal/notify"
	"github.com/nestling-app/nestling/internal/storage"
)

type testEnv struct {
	store   *storage.Store
	tracker *notify.Tracker
	server  *httptest.Server
}

func newTestEnv(t *testing.T, security config.SecurityConfig) *testEnv {
	t.Helper()

	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ingestSvc := ingest.NewService(store, blob.NewMemoryStore(), ingest.DefaultConfig())
	tracker := notify.NewTracker()

	router := NewRouter(ingestSvc, store, store, store, nil, tracker, security, store.Ping)
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{store: store, tracker: tracker, server: srv}
}

func openEnv(t *testing.T) *testEnv {
	return newTestEnv(t, config.SecurityConfig{AuthMode: "none"})
}

func submitBody(key string) []byte {
	body, _ := json.Marshal(map[string]any{
		"subject_id":      "child-1",
		"kind":            "feeding",
		"payload":         map[string]any{"feeding_type": "bottle", "amount_ml": 120, "duration_min": 10},
		"occurred_at":     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		"idempotency_key": key,
	})
	return body
}

func postJSON(t *testing.T, env *testEnv, path string, body []byte) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Post(env.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func getJSON(t *testing.T, env *testEnv, path string) (*http.Response, APIResponse) {
	t.Helper()
	resp, err := http.Get(env.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeEnvelope(t, resp)
}

func decodeEnvelope(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer resp.Body.Close()
	var envl APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&envl); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return envl
}

func remarshal(t *testing.T, data any, into any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("remarshal decode: %v", err)
	}
}

func TestSubmitActivity(t *testing.T) {
	env := openEnv(t)

	t.Run("accepts new activity", func(t *testing.T) {
		resp, envl := postJSON(t, env, "/api/v1/activities", submitBody("k1"))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}
		var result ingest.SubmitResult
		remarshal(t, envl.Data, &result)
		if !result.Accepted || result.ActivityID == "" {
			t.Fatalf("expected accepted result, got %+v", result)
		}
	})

	t.Run("replays idempotently", func(t *testing.T) {
		resp1, envl1 := postJSON(t, env, "/api/v1/activities", submitBody("k2"))
		if resp1.StatusCode != http.StatusCreated {
			t.Fatalf("first submit: expected 201, got %d", resp1.StatusCode)
		}
		resp2, envl2 := postJSON(t, env, "/api/v1/activities", submitBody("k2"))
		if resp2.StatusCode != http.StatusOK {
			t.Fatalf("replay: expected 200, got %d", resp2.StatusCode)
		}
		var r1, r2 ingest.SubmitResult
		remarshal(t, envl1.Data, &r1)
		remarshal(t, envl2.Data, &r2)
		if r2.Accepted {
			t.Fatal("replay should not be accepted as new")
		}
		if r1.ActivityID != r2.ActivityID {
			t.Fatalf("replay returned different activity ID: %s vs %s", r1.ActivityID, r2.ActivityID)
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		resp, envl := postJSON(t, env, "/api/v1/activities", []byte("{not json"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
		if envl.Error == nil || envl.Error.Code != ErrCodeBadRequest {
			t.Fatalf("expected BAD_REQUEST error, got %+v", envl.Error)
		}
	})

	t.Run("rejects invalid payload", func(t *testing.T) {
		body, _ := json.Marshal(map[string]any{
			"subject_id":  "child-1",
			"kind":        "feeding",
			"payload":     map[string]any{"feeding_type": "bottle", "amount_ml": -5},
			"occurred_at": time.Now().UTC(),
		})
		resp, _ := postJSON(t, env, "/api/v1/activities", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestGetInsights(t *testing.T) {
	env := openEnv(t)
	ctx := context.Background()

	seeded := insight.New("child-1", "sleep-pattern", []string{"act-1"}, "sleeps well", insight.StatusReady)
	seeded.Version = 1
	if _, err := env.store.Upsert(ctx, seeded); err != nil {
		t.Fatalf("seed insight: %v", err)
	}

	t.Run("returns latest for slot", func(t *testing.T) {
		resp, envl := getJSON(t, env, "/api/v1/insights?subject_id=child-1&derivation_key=sleep-pattern")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var view insightView
		remarshal(t, envl.Data, &view)
		if view.Insight == nil || view.Content != "sleeps well" || view.Version != 1 {
			t.Fatalf("unexpected insight view: %+v", view)
		}
	})

	t.Run("lists all slots for subject", func(t *testing.T) {
		second := insight.New("child-1", "care-metrics", []string{"act-2"}, "diapers normal", insight.StatusReady)
		second.Version = 1
		if _, err := env.store.Upsert(ctx, second); err != nil {
			t.Fatalf("seed insight: %v", err)
		}
		resp, envl := getJSON(t, env, "/api/v1/insights?subject_id=child-1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var views []insightView
		remarshal(t, envl.Data, &views)
		if len(views) != 2 {
			t.Fatalf("expected 2 slots, got %d", len(views))
		}
	})

	t.Run("404 when nothing is known", func(t *testing.T) {
		resp, envl := getJSON(t, env, "/api/v1/insights?subject_id=child-9&derivation_key=sleep-pattern")
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		if envl.Error == nil || envl.Error.Code != ErrCodeNotFound {
			t.Fatalf("expected NOT_FOUND error, got %+v", envl.Error)
		}
	})

	t.Run("pending marker while enrichment is in flight", func(t *testing.T) {
		_, _, err := env.store.Acquire(ctx, "act-pending", "child-2", 1, "worker-1", time.Minute)
		if err != nil {
			t.Fatalf("acquire record: %v", err)
		}
		resp, envl := getJSON(t, env, "/api/v1/insights?subject_id=child-2&derivation_key=sleep-pattern")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var view insightView
		remarshal(t, envl.Data, &view)
		if !view.Pending {
			t.Fatalf("expected pending marker, got %+v", view)
		}
	})

	t.Run("requires subject_id", func(t *testing.T) {
		resp, _ := getJSON(t, env, "/api/v1/insights")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestSubjectUpdates(t *testing.T) {
	env := openEnv(t)

	svc := notify.NewService(nil, env.tracker)
	svc.InsightUpdated("child-1", "sleep-pattern", 1, insight.StatusReady)
	svc.InsightUpdated("child-1", "sleep-pattern", 2, insight.StatusReady)

	t.Run("returns deltas after cursor", func(t *testing.T) {
		resp, envl := getJSON(t, env, "/api/v1/subjects/child-1/updates?after=1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var upd updatesResponse
		remarshal(t, envl.Data, &upd)
		if len(upd.Updates) != 1 || upd.Updates[0].Version != 2 {
			t.Fatalf("unexpected updates: %+v", upd)
		}
		if upd.Revision != 2 {
			t.Fatalf("expected revision 2, got %d", upd.Revision)
		}
	})

	t.Run("empty for unknown subject", func(t *testing.T) {
		resp, envl := getJSON(t, env, "/api/v1/subjects/child-9/updates")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var upd updatesResponse
		remarshal(t, envl.Data, &upd)
		if len(upd.Updates) != 0 {
			t.Fatalf("expected no updates, got %+v", upd.Updates)
		}
	})

	t.Run("rejects non-numeric cursor", func(t *testing.T) {
		resp, _ := getJSON(t, env, "/api/v1/subjects/child-1/updates?after=abc")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestSubjectActivities(t *testing.T) {
	env := openEnv(t)

	for _, key := range []string{"a1", "a2", "a3"} {
		resp, _ := postJSON(t, env, "/api/v1/activities", submitBody(key))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("submit %s: status %d", key, resp.StatusCode)
		}
	}

	t.Run("lists with limit", func(t *testing.T) {
		resp, envl := getJSON(t, env, "/api/v1/subjects/child-1/activities?limit=2")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		var acts []map[string]any
		remarshal(t, envl.Data, &acts)
		if len(acts) != 2 {
			t.Fatalf("expected 2 activities, got %d", len(acts))
		}
	})

	t.Run("rejects out-of-range limit", func(t *testing.T) {
		resp, _ := getJSON(t, env, "/api/v1/subjects/child-1/activities?limit=0")
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

func TestDeadLetters(t *testing.T) {
	env := openEnv(t)
	ctx := context.Background()

	if _, _, err := env.store.Acquire(ctx, "act-bad", "child-1", 1, "worker-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := env.store.MarkDeadLettered(ctx, "act-bad", "worker-1", "content rejected"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	resp, envl := getJSON(t, env, "/api/v1/deadletters")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var records []map[string]any
	remarshal(t, envl.Data, &records)
	if len(records) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(records))
	}
}

func TestHealth(t *testing.T) {
	env := openEnv(t)

	t.Run("live", func(t *testing.T) {
		resp, _ := getJSON(t, env, "/api/v1/health/live")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("ready", func(t *testing.T) {
		resp, _ := getJSON(t, env, "/api/v1/health/ready")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})
}

func TestAuthentication(t *testing.T) {
	secret := "0123456789abcdef0123456789abcdef"
	env := newTestEnv(t, config.SecurityConfig{AuthMode: "jwt", JWTSecret: secret})

	signToken := func(t *testing.T, exp time.Time) string {
		t.Helper()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "parent-1",
			"exp": exp.Unix(),
		})
		signed, err := tok.SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}

	doGet := func(t *testing.T, path, token string) *http.Response {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp
	}

	t.Run("rejects missing token", func(t *testing.T) {
		resp := doGet(t, "/api/v1/insights?subject_id=child-1", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("rejects expired token", func(t *testing.T) {
		resp := doGet(t, "/api/v1/insights?subject_id=child-1", signToken(t, time.Now().Add(-time.Hour)))
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("rejects token signed with wrong key", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "parent-1",
			"exp": time.Now().Add(time.Hour).Unix(),
		})
		signed, err := tok.SignedString([]byte("ffffffffffffffffffffffffffffffff"))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		resp := doGet(t, "/api/v1/insights?subject_id=child-1", signed)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
	})

	t.Run("accepts valid token", func(t *testing.T) {
		resp := doGet(t, "/api/v1/subjects/child-1/activities", signToken(t, time.Now().Add(time.Hour)))
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})

	t.Run("health needs no token", func(t *testing.T) {
		resp := doGet(t, "/api/v1/health/live", "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
	})
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, config.SecurityConfig{
		AuthMode:          "none",
		RateLimitRequests: 3,
		RateLimitWindow:   time.Minute,
	})

	var limited bool
	for i := 0; i < 5; i++ {
		resp, err := http.Get(env.server.URL + "/api/v1/subjects/child-1/activities")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatal("expected at least one request to be rate limited")
	}
}

func TestNotFound(t *testing.T) {
	env := openEnv(t)
	resp, envl := getJSON(t, env, "/api/v1/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if envl.Error == nil || envl.Error.Code != ErrCodeNotFound {
		t.Fatalf("expected NOT_FOUND error, got %+v", envl.Error)
	}
}
