// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitializeSchema creates the sync service tables. Idempotent; safe to call
// on every server start.
func InitializeSchema(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS roamsync`,

		`CREATE TABLE IF NOT EXISTS roamsync.entities (
			id          UUID PRIMARY KEY,
			user_id     TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			trip_id     TEXT NOT NULL DEFAULT '',
			parent_id   TEXT NOT NULL DEFAULT '',
			payload     JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS ix_entities_user_type
			ON roamsync.entities(user_id, entity_type)`,
		`CREATE INDEX IF NOT EXISTS ix_entities_trip
			ON roamsync.entities(user_id, trip_id)`,

		// Location points deduplicate on the client idempotency key so
		// retried submissions of the same physical reading are stored once.
		`CREATE TABLE IF NOT EXISTS roamsync.location_points (
			id              UUID NOT NULL DEFAULT gen_random_uuid(),
			user_id         TEXT NOT NULL,
			device_id       TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL,
			latitude        DOUBLE PRECISION NOT NULL,
			longitude       DOUBLE PRECISION NOT NULL,
			accuracy        DOUBLE PRECISION NOT NULL DEFAULT 0,
			altitude        DOUBLE PRECISION NOT NULL DEFAULT 0,
			speed           DOUBLE PRECISION NOT NULL DEFAULT 0,
			provider        TEXT NOT NULL DEFAULT '',
			recorded_at     TIMESTAMPTZ NOT NULL,
			received_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS ix_location_points_recorded
			ON roamsync.location_points(user_id, recorded_at)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize sync schema: %w", err)
		}
	}
	return nil
}
