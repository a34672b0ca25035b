// Nestling - Infant Care Tracking and AI Insight Pipeline
// Copyright 2026 Nestling Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nestling-app/nestling

package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for contradictions and unsafe
// production settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Server.Environment {
	case "production", "development":
	default:
		errs = append(errs, fmt.Errorf("server.environment %q must be production or development", c.Server.Environment))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}

	switch c.Blob.Backend {
	case "badger":
		if c.Blob.Dir == "" {
			errs = append(errs, errors.New("blob.dir required with the badger backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q must be badger or memory", c.Blob.Backend))
	}

	switch c.Broker.Mode {
	case "nats":
		if c.Broker.URL == "" && !c.Broker.EmbeddedServer {
			errs = append(errs, errors.New("broker.url required when broker.embedded_server is off"))
		}
	case "channel":
		if !c.IsDevelopment() {
			errs = append(errs, errors.New("broker.mode channel is development-only; the in-process event log does not survive restarts"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.mode %q must be nats or channel", c.Broker.Mode))
	}

	if c.Enrich.EnrichTimeout >= c.Enrich.LeaseDuration {
		errs = append(errs, fmt.Errorf("enrich.enrich_timeout %v must be shorter than enrich.lease_duration %v",
			c.Enrich.EnrichTimeout, c.Enrich.LeaseDuration))
	}
	if c.Enrich.Workers < 1 {
		errs = append(errs, errors.New("enrich.workers must be at least 1"))
	}
	if c.Enrich.MaxInFlightAI < 1 {
		errs = append(errs, errors.New("enrich.max_in_flight_ai must be at least 1"))
	}
	if !c.Enrich.UseStub && c.Enrich.InsightURL == "" {
		if c.IsDevelopment() {
			// Development falls back to the stub automatically.
		} else {
			errs = append(errs, errors.New("enrich.insight_url required in production (or enrich.use_stub)"))
		}
	}

	switch c.Security.AuthMode {
	case "jwt":
		if c.Security.JWTSecret == "" {
			errs = append(errs, errors.New("security.jwt_secret required with auth_mode jwt"))
		} else if len(c.Security.JWTSecret) < 32 && !c.IsDevelopment() {
			errs = append(errs, errors.New("security.jwt_secret must be at least 32 bytes in production"))
		}
	case "none":
		if !c.IsDevelopment() {
			errs = append(errs, errors.New("security.auth_mode none is development-only"))
		}
	default:
		errs = append(errs, fmt.Errorf("security.auth_mode %q must be jwt or none", c.Security.AuthMode))
	}

	if c.Ingest.DedupWindow <= 0 {
		errs = append(errs, errors.New("ingest.dedup_window must be positive"))
	}
	if days := c.Retention.RecordDays; days > 0 && c.Broker.StreamRetentionDays > days {
		errs = append(errs, fmt.Errorf("retention.record_days %d must cover broker.stream_retention_days %d, or replayed envelopes lose their dedup records",
			days, c.Broker.StreamRetentionDays))
	}

	return errors.Join(errs...)
}
