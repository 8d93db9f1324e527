// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEntityNotFound is returned when an operation targets an entity that does
// not exist in the local store.
var ErrEntityNotFound = errors.New("entity not found")

// LocalEntity is a row of the optimistic local entity store.
type LocalEntity struct {
	EntityType string
	EntityID   string
	TripID     string
	ParentID   string
	Fields     map[string]any
	UpdatedAt  time.Time
}

const tempIDPrefix = "local-"

// newTempID generates a locally scoped placeholder id for a not-yet-created
// entity. Distinct from any server id by prefix.
func newTempID() string {
	return tempIDPrefix + uuid.New().String()
}

// isTempID reports whether the id is a local placeholder.
func isTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Entity loads an entity from the local store.
func (e *Engine) Entity(ctx context.Context, entityType, entityID string) (*LocalEntity, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, trip_id, parent_id, payload, updated_at
		FROM local_entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	return scanLocalEntity(row)
}

func scanLocalEntity(row *sql.Row) (*LocalEntity, error) {
	var ent LocalEntity
	var payload []byte
	err := row.Scan(&ent.EntityType, &ent.EntityID, &ent.TripID, &ent.ParentID, &payload, &ent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan local entity: %w", err)
	}
	if err := json.Unmarshal(payload, &ent.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode entity payload: %w", err)
	}
	return &ent, nil
}

// upsertEntityInTx writes an entity row, replacing any existing payload.
func (e *Engine) upsertEntityInTx(ctx context.Context, tx *sql.Tx, ent *LocalEntity) error {
	payload, err := json.Marshal(ent.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode entity payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO local_entities (entity_type, entity_id, trip_id, parent_id, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			trip_id = excluded.trip_id,
			parent_id = excluded.parent_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, ent.EntityType, ent.EntityID, ent.TripID, ent.ParentID, string(payload), e.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert local entity: %w", err)
	}
	return nil
}

// getEntityInTx loads an entity within a transaction.
func (e *Engine) getEntityInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*LocalEntity, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT entity_type, entity_id, trip_id, parent_id, payload, updated_at
		FROM local_entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	return scanLocalEntity(row)
}

// applyPatchInTx overlays patch assignments onto the entity's stored fields.
func (e *Engine) applyPatchInTx(ctx context.Context, tx *sql.Tx, ent *LocalEntity, patch *Patch) error {
	if ent.Fields == nil {
		ent.Fields = make(map[string]any)
	}
	for k, v := range patch.Fields() {
		ent.Fields[k] = v
	}
	return e.upsertEntityInTx(ctx, tx, ent)
}

// restoreSnapshotInTx writes snapshot values back over the entity's fields.
// Idempotent: restoring the same snapshot twice leaves the same state. The
// entity row is recreated if it no longer exists.
func (e *Engine) restoreSnapshotInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, snapshot *Patch) error {
	if snapshot.Len() == 0 {
		return nil
	}
	ent, err := e.getEntityInTx(ctx, tx, entityType, entityID)
	if errors.Is(err, ErrEntityNotFound) {
		ent = &LocalEntity{EntityType: entityType, EntityID: entityID, Fields: make(map[string]any)}
	} else if err != nil {
		return err
	}
	if ent.Fields == nil {
		ent.Fields = make(map[string]any)
	}
	for k, v := range snapshot.Fields() {
		if v == nil {
			delete(ent.Fields, k)
			continue
		}
		ent.Fields[k] = v
	}
	return e.upsertEntityInTx(ctx, tx, ent)
}

// deleteEntityInTx removes an entity row. Deleting a missing row is not an
// error.
func (e *Engine) deleteEntityInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM local_entities WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete local entity: %w", err)
	}
	return nil
}

// rekeyEntityInTx moves an entity from its temp id to the server-assigned id
// and repoints every queued mutation that referenced the temp id as a trip or
// parent reference.
func (e *Engine) rekeyEntityInTx(ctx context.Context, tx *sql.Tx, entityType, oldID, newID string) error {
	if oldID == newID || newID == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE local_entities SET entity_id = ?, updated_at = ?
		WHERE entity_type = ? AND entity_id = ?
	`, newID, e.now().UTC(), entityType, oldID); err != nil {
		return fmt.Errorf("failed to re-key local entity: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE local_entities SET parent_id = ? WHERE parent_id = ?
	`, newID, oldID); err != nil {
		return fmt.Errorf("failed to re-key entity parent references: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE local_entities SET trip_id = ? WHERE trip_id = ?
	`, newID, oldID); err != nil {
		return fmt.Errorf("failed to re-key entity trip references: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_mutations SET parent_id = ? WHERE parent_id = ?
	`, newID, oldID); err != nil {
		return fmt.Errorf("failed to re-key mutation parent references: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_mutations SET trip_id = ? WHERE trip_id = ?
	`, newID, oldID); err != nil {
		return fmt.Errorf("failed to re-key mutation trip references: %w", err)
	}
	return nil
}
