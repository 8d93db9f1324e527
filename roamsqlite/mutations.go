// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// PendingMutation is a queued entity edit awaiting delivery to the server.
// New values carry the intended change; original values carry the pre-change
// snapshot used to roll local state back on permanent rejection or user
// cancellation.
type PendingMutation struct {
	ID              int64
	EntityType      string
	Op              string
	EntityID        string
	TripID          string
	ParentID        string
	NewValues       *Patch
	OriginalValues  *Patch
	IsRejected      bool
	RejectionReason string
	SyncAttempts    int
	LastError       string
	CreatedAt       time.Time
}

const mutationColumns = `id, entity_type, op, entity_id, trip_id, parent_id,
	new_values, original_values, is_rejected, rejection_reason,
	sync_attempts, last_error, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*PendingMutation, error) {
	var m PendingMutation
	var newValues, originalValues []byte
	var rejected int
	err := row.Scan(&m.ID, &m.EntityType, &m.Op, &m.EntityID, &m.TripID, &m.ParentID,
		&newValues, &originalValues, &rejected, &m.RejectionReason,
		&m.SyncAttempts, &m.LastError, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.IsRejected = rejected != 0
	if m.NewValues, err = decodePatch(newValues); err != nil {
		return nil, err
	}
	if m.OriginalValues, err = decodePatch(originalValues); err != nil {
		return nil, err
	}
	return &m, nil
}

// activeMutationInTx returns the single non-rejected mutation for an entity,
// or nil when none is queued.
func (e *Engine) activeMutationInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (*PendingMutation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM _sync_mutations
		WHERE entity_type = ? AND entity_id = ? AND is_rejected = 0
	`, entityType, entityID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active mutation: %w", err)
	}
	return m, nil
}

// mutationByID reloads a non-rejected mutation row. Returns nil when the row
// no longer exists or has been marked rejected.
func (e *Engine) mutationByID(ctx context.Context, id int64) (*PendingMutation, error) {
	row := e.db.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM _sync_mutations WHERE id = ? AND is_rejected = 0
	`, id)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reload mutation %d: %w", id, err)
	}
	return m, nil
}

// hasPendingCreateInTx reports whether the entity has an unresolved queued
// Create.
func (e *Engine) hasPendingCreateInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM _sync_mutations
			WHERE entity_type = ? AND entity_id = ? AND op = 'CREATE' AND is_rejected = 0)
	`, entityType, entityID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending create: %w", err)
	}
	return exists, nil
}

// enqueueMutationInTx inserts a mutation, merging with any existing queued row
// for the same entity:
//
//   - Delete supersedes: every other mutation for the entity is dropped and a
//     single DELETE row remains.
//   - An edit on top of a queued Create folds into the Create's new values
//     (the entity has never existed remotely, so no snapshot is needed).
//   - An edit on top of a queued Update merges last-write-wins on new values
//     and first-write-wins on original snapshot values.
//   - A Create on top of a queued Delete becomes an Update: the server row
//     still exists, so the net intent is to overwrite its fields. The
//     pre-delete snapshot stays as the rollback target.
func (e *Engine) enqueueMutationInTx(ctx context.Context, tx *sql.Tx, m *PendingMutation) error {
	if m.Op == OpDelete {
		if err := e.deleteMutationsForEntityInTx(ctx, tx, m.EntityType, m.EntityID); err != nil {
			return err
		}
		return e.insertMutationInTx(ctx, tx, m)
	}

	existing, err := e.activeMutationInTx(ctx, tx, m.EntityType, m.EntityID)
	if err != nil {
		return err
	}
	if existing == nil {
		return e.insertMutationInTx(ctx, tx, m)
	}

	if existing.Op == OpDelete {
		newValuesJSON, err := encodePatch(m.NewValues)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE _sync_mutations
			SET op = 'UPDATE', new_values = ?, trip_id = ?, parent_id = ?
			WHERE id = ?
		`, newValuesJSON, m.TripID, m.ParentID, existing.ID); err != nil {
			return fmt.Errorf("failed to convert queued delete: %w", err)
		}
		return nil
	}

	merged := existing.NewValues
	if merged == nil {
		merged = NewPatch()
	}
	merged.MergeNewer(m.NewValues)

	originals := existing.OriginalValues
	if existing.Op != OpCreate {
		if originals == nil {
			originals = NewPatch()
		}
		originals.MergeMissing(m.OriginalValues)
	}

	newValuesJSON, err := encodePatch(merged)
	if err != nil {
		return err
	}
	originalsJSON, err := encodePatch(originals)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE _sync_mutations SET new_values = ?, original_values = ? WHERE id = ?
	`, newValuesJSON, originalsJSON, existing.ID); err != nil {
		return fmt.Errorf("failed to merge queued mutation: %w", err)
	}
	return nil
}

func (e *Engine) insertMutationInTx(ctx context.Context, tx *sql.Tx, m *PendingMutation) error {
	newValuesJSON, err := encodePatch(m.NewValues)
	if err != nil {
		return err
	}
	originalsJSON, err := encodePatch(m.OriginalValues)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_mutations
			(entity_type, op, entity_id, trip_id, parent_id, new_values, original_values, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.EntityType, m.Op, m.EntityID, m.TripID, m.ParentID, newValuesJSON, originalsJSON, e.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert mutation: %w", err)
	}
	return nil
}

// deleteMutationsForEntityInTx drops every queued mutation (rejected included)
// for the entity.
func (e *Engine) deleteMutationsForEntityInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM _sync_mutations WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to drop mutations for entity: %w", err)
	}
	return nil
}

func (e *Engine) deleteMutationInTx(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _sync_mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete mutation %d: %w", id, err)
	}
	return nil
}

// markMutationRejected records a permanent server rejection. The row is kept
// for user review until cleared or reset.
func (e *Engine) markMutationRejected(ctx context.Context, id int64, reason string) error {
	_, err := e.db.ExecContext(ctx, `
		UPDATE _sync_mutations
		SET is_rejected = 1, rejection_reason = ? WHERE id = ?
	`, sanitizeMessage(reason), id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation rejected: %w", err)
	}
	return nil
}

// bumpMutationAttempt records a transient failure against a queued mutation.
func (e *Engine) bumpMutationAttempt(ctx context.Context, id int64, lastError string) error {
	_, err := e.db.ExecContext(ctx, `
		UPDATE _sync_mutations
		SET sync_attempts = sync_attempts + 1, last_error = ? WHERE id = ?
	`, sanitizeMessage(lastError), id)
	if err != nil {
		return fmt.Errorf("failed to record mutation attempt: %w", err)
	}
	return nil
}

// listPendingMutations returns non-rejected mutations in drain order: parents
// before children (by entity dependency depth), then oldest first.
func (e *Engine) listPendingMutations(ctx context.Context) ([]*PendingMutation, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT `+mutationColumns+` FROM _sync_mutations
		WHERE is_rejected = 0 ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	var mutations []*PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending mutations: %w", err)
	}

	sort.SliceStable(mutations, func(i, j int) bool {
		return entityDepth(mutations[i].EntityType) < entityDepth(mutations[j].EntityType)
	})
	return mutations, nil
}

// PendingCount returns the number of queued (non-rejected) mutations.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_mutations WHERE is_rejected = 0`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}

// FailedCount returns the number of rejected mutations awaiting user review.
func (e *Engine) FailedCount(ctx context.Context) (int, error) {
	var count int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_mutations WHERE is_rejected = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejected mutations: %w", err)
	}
	return count, nil
}

// CancelPending drops queued mutations and restores local state from their
// snapshots: a cancelled Create removes the local entity, a cancelled Update
// restores the original values, a cancelled Delete re-inserts the snapshot.
// An empty tripID cancels everything. Returns the number of mutations
// cancelled.
func (e *Engine) CancelPending(ctx context.Context, tripID string) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + mutationColumns + ` FROM _sync_mutations`
	args := []any{}
	if tripID != "" {
		query += ` WHERE trip_id = ? OR (entity_type = 'trip' AND entity_id = ?)`
		args = append(args, tripID, tripID)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to query mutations for cancel: %w", err)
	}
	var mutations []*PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan mutation for cancel: %w", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate mutations for cancel: %w", err)
	}
	rows.Close()

	for _, m := range mutations {
		switch m.Op {
		case OpCreate:
			if err := e.deleteEntityInTx(ctx, tx, m.EntityType, m.EntityID); err != nil {
				return 0, err
			}
		case OpUpdate:
			if err := e.restoreSnapshotInTx(ctx, tx, m.EntityType, m.EntityID, m.OriginalValues); err != nil {
				return 0, err
			}
		case OpDelete:
			ent := &LocalEntity{
				EntityType: m.EntityType,
				EntityID:   m.EntityID,
				TripID:     m.TripID,
				ParentID:   m.ParentID,
				Fields:     m.OriginalValues.Fields(),
			}
			if err := e.upsertEntityInTx(ctx, tx, ent); err != nil {
				return 0, err
			}
		}
		if err := e.deleteMutationInTx(ctx, tx, m.ID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cancel transaction: %w", err)
	}
	return len(mutations), nil
}

// ResetFailed clears the rejected flag so previously rejected mutations are
// retried on the next drain. When an entity has accumulated several rejected
// rows only the newest carries the user's latest intent: older ones are
// dropped first so the reset can never collide with the one-active-mutation
// index. A rejected row whose entity has since acquired a new active mutation
// stays rejected (the active row already carries the user's latest intent).
// Returns the number of mutations reset.
func (e *Engine) ResetFailed(ctx context.Context, tripID string) (int, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	pruneQuery := `
		DELETE FROM _sync_mutations
		WHERE is_rejected = 1
		AND id NOT IN (
			SELECT MAX(id) FROM _sync_mutations
			WHERE is_rejected = 1
			GROUP BY entity_type, entity_id
		)`
	pruneArgs := []any{}
	if tripID != "" {
		pruneQuery += ` AND (trip_id = ? OR (entity_type = 'trip' AND entity_id = ?))`
		pruneArgs = append(pruneArgs, tripID, tripID)
	}
	if _, err := tx.ExecContext(ctx, pruneQuery, pruneArgs...); err != nil {
		return 0, fmt.Errorf("failed to prune superseded rejected mutations: %w", err)
	}

	query := `
		UPDATE _sync_mutations
		SET is_rejected = 0, rejection_reason = '', sync_attempts = 0, last_error = ''
		WHERE is_rejected = 1
		AND NOT EXISTS (
			SELECT 1 FROM _sync_mutations active
			WHERE active.entity_type = _sync_mutations.entity_type
			AND active.entity_id = _sync_mutations.entity_id
			AND active.is_rejected = 0
		)`
	args := []any{}
	if tripID != "" {
		query += ` AND (trip_id = ? OR (entity_type = 'trip' AND entity_id = ?))`
		args = append(args, tripID, tripID)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset rejected mutations: %w", err)
	}
	affected, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reset transaction: %w", err)
	}
	return int(affected), nil
}
