// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package supervisor

import "context"

// Func adapts a plain serve function to the suture service contract, for
// components that do not carry a Serve method of their own.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve runs the wrapped function.
func (f Func) Serve(ctx context.Context) error {
	return f.Run(ctx)
}

// String names the service in supervisor event logs.
func (f Func) String() string {
	return f.Name
}
