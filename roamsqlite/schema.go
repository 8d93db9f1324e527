// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"database/sql"
	"fmt"
)

// Entity type names. Parent relationships are declared in parentTypeOf
// (coordinator.go).
const (
	EntityTrip    = "trip"
	EntityRegion  = "region"
	EntityPlace   = "place"
	EntitySegment = "segment"
	EntityArea    = "area"
)

// Mutation operations.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Location ping lifecycle states. Failed is reached when a ping exhausts its
// cross-invocation retry budget (Config.MaxPingFailures); ResetFailedPings
// returns such pings to pending.
const (
	PingPending  = "pending"
	PingSyncing  = "syncing"
	PingSynced   = "synced"
	PingRejected = "rejected"
	PingFailed   = "failed"
)

// initializeDatabase creates the engine-owned tables and enables the pragmas
// the engine relies on. Timestamps are always written from Go in UTC so that
// range comparisons against bound time.Time parameters are stable.
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Optimistic local entity state. entity_id holds a locally generated
		// temp id until the create is acknowledged, then the row is re-keyed
		// to the server id.
		`CREATE TABLE IF NOT EXISTS local_entities (
			entity_type TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			trip_id     TEXT NOT NULL DEFAULT '',
			parent_id   TEXT NOT NULL DEFAULT '',
			payload     TEXT NOT NULL,  -- JSON object of entity fields
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Pending mutation log (coalesced: updates merge into the existing
		// row, a DELETE supersedes everything else for the entity).
		`CREATE TABLE IF NOT EXISTS _sync_mutations (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type      TEXT NOT NULL,
			op               TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			entity_id        TEXT NOT NULL,
			trip_id          TEXT NOT NULL DEFAULT '',
			parent_id        TEXT NOT NULL DEFAULT '',
			new_values       TEXT,  -- sparse JSON patch (NULL for DELETE)
			original_values  TEXT,  -- pre-change snapshot JSON for rollback
			is_rejected      INTEGER NOT NULL DEFAULT 0,
			rejection_reason TEXT NOT NULL DEFAULT '',
			sync_attempts    INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMP NOT NULL
		)`,

		// Location ping queue. server_confirmed is the durable marker written
		// before the final synced transition so a crash between "server said
		// yes" and finalize never causes a resubmission.
		`CREATE TABLE IF NOT EXISTS _sync_pings (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			idempotency_key  TEXT NOT NULL UNIQUE,
			latitude         REAL NOT NULL,
			longitude        REAL NOT NULL,
			accuracy         REAL NOT NULL DEFAULT 0,
			altitude         REAL NOT NULL DEFAULT 0,
			speed            REAL NOT NULL DEFAULT 0,
			provider         TEXT NOT NULL DEFAULT '',
			recorded_at      TIMESTAMP NOT NULL,
			state            TEXT NOT NULL DEFAULT 'pending'
				CHECK (state IN ('pending','syncing','synced','rejected','failed')),
			retry_count      INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT NOT NULL DEFAULT '',
			server_confirmed INTEGER NOT NULL DEFAULT 0,
			claim_token      TEXT NOT NULL DEFAULT '',
			claimed_at       TIMESTAMP,
			synced_at        TIMESTAMP,
			created_at       TIMESTAMP NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	indexes := []string{
		// At most one non-rejected mutation per entity.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_mutations_active
			ON _sync_mutations(entity_type, entity_id) WHERE is_rejected = 0`,
		`CREATE INDEX IF NOT EXISTS ix_mutations_trip ON _sync_mutations(trip_id)`,
		`CREATE INDEX IF NOT EXISTS ix_pings_state ON _sync_pings(state, created_at)`,
	}
	for _, index := range indexes {
		if _, err := db.Exec(index); err != nil {
			return fmt.Errorf("failed to create sync index: %w", err)
		}
	}

	return nil
}

// isValidEntityType reports whether the entity type is one the engine syncs.
func isValidEntityType(entityType string) bool {
	switch entityType {
	case EntityTrip, EntityRegion, EntityPlace, EntitySegment, EntityArea:
		return true
	default:
		return false
	}
}
