// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

// Package blob stores binary attachments (photos) by content-addressed key.
// The pipeline only ever carries keys; it never assumes a backing URL
// scheme, so the BadgerDB implementation can be swapped for an object
// store without touching ingest.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Store errors.
var (
	// ErrNotFound is returned when no blob exists for the given key.
	ErrNotFound = errors.New("blob not found")

	// ErrUnavailable indicates the backing store could not serve the
	// request. Ingest maps this to StorageUnavailable (503-equivalent).
	ErrUnavailable = errors.New("blob store unavailable")
)

// ContentKey derives the content-addressed key for data.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store persists binary attachments by content key.
type Store interface {
	// Put stores data and returns its content key. Storing the same bytes
	// twice is a no-op returning the same key.
	Put(ctx context.Context, data []byte) (string, error)

	// Get retrieves the blob for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}
