// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"WARN", zerolog.WarnLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseLevel(tt.input); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestInit_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("key", "value").Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected structured field in output, got %q", out)
	}
	if !strings.Contains(out, `"message":"hello"`) {
		t.Errorf("expected message in output, got %q", out)
	}
}

func TestCtx_CarriesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(DefaultConfig())

	ctx := ContextWithCorrelationID(context.Background(), "abc12345")
	Ctx(ctx).Info().Msg("with correlation")

	if !strings.Contains(buf.String(), `"correlation_id":"abc12345"`) {
		t.Errorf("expected correlation_id in output, got %q", buf.String())
	}
}

func TestCtx_ChainsLevelMethods(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Output: &buf})
	defer Init(DefaultConfig())

	ctx := ContextWithRequestID(context.Background(), "req-1")
	logger := Ctx(ctx)
	logger.Warn().Str("stage", "enrich").Msg("lease contention")
	logger.Error().Msg("second call on the same logger")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-1"`) {
		t.Errorf("expected request_id in output, got %q", out)
	}
	if !strings.Contains(out, `"stage":"enrich"`) {
		t.Errorf("expected stage field, got %q", out)
	}
	if !strings.Contains(out, `"level":"error"`) {
		t.Errorf("expected error level entry, got %q", out)
	}
}

func TestCorrelationIDFromContext_Missing(t *testing.T) {
	if id := CorrelationIDFromContext(context.Background()); id != "" {
		t.Errorf("expected empty ID, got %q", id)
	}
}

func TestWatermillAdapter(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewWatermillAdapterWith(NewTestLogger(&buf))

	adapter.Info("published", watermill.LogFields{"topic": "activity.events"})

	out := buf.String()
	if !strings.Contains(out, `"topic":"activity.events"`) {
		t.Errorf("expected topic field, got %q", out)
	}
	if !strings.Contains(out, "published") {
		t.Errorf("expected message, got %q", out)
	}
}

func TestWatermillAdapter_With(t *testing.T) {
	var buf bytes.Buffer
	adapter := NewWatermillAdapterWith(NewTestLogger(&buf))

	child := adapter.With(watermill.LogFields{"handler": "enrich"})
	child.Info("msg", nil)

	if !strings.Contains(buf.String(), `"handler":"enrich"`) {
		t.Errorf("expected inherited field, got %q", buf.String())
	}
}
