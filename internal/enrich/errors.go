// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package enrich

import (
	"context"
	"errors"
	"fmt"
)

// PermanentError marks an enrichment failure that retrying cannot fix: the
// AI capability deterministically rejects the input. Envelopes that fail
// permanently are dead-lettered, never retried.
type PermanentError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent enrichment failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent enrichment failure: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a permanent failure.
func Permanent(reason string, err error) error {
	return &PermanentError{Reason: reason, Err: err}
}

// IsPermanent reports whether err is a permanent failure. Everything else
// (timeouts, rate limits, connection errors, 5xx responses) is treated as
// transient and retried with backoff up to the attempt bound.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Context cancellation
// from shutdown is neither permanent nor transient; the envelope is simply
// redelivered.
func IsTransient(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
