// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// OpStatus is the outcome of an optimistic CRUD operation.
type OpStatus int

const (
	// OpCompleted means the operation was applied remotely and locally.
	OpCompleted OpStatus = iota
	// OpQueued means the operation was applied locally and queued for later
	// delivery.
	OpQueued
	// OpRejected means the server definitively rejected the operation; local
	// state was restored to its pre-operation values.
	OpRejected
)

func (s OpStatus) String() string {
	switch s {
	case OpCompleted:
		return "completed"
	case OpQueued:
		return "queued"
	case OpRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// OpResult reports how a CRUD operation ended and under which id the entity
// is stored locally (a temp id until the create is acknowledged).
type OpResult struct {
	Status   OpStatus
	Reason   string
	EntityID string
}

// parentTypeOf declares the entity dependency graph: each type names the type
// its parent_id refers to. Adding a relationship is a map change, not new
// control flow.
var parentTypeOf = map[string]string{
	EntityTrip:    "",
	EntityRegion:  EntityTrip,
	EntityPlace:   EntityRegion,
	EntitySegment: EntityTrip,
	EntityArea:    EntityTrip,
}

// entityDepth returns the dependency depth of a type (trip=0, place=2).
// Drains process shallower types first so parents exist before children.
func entityDepth(entityType string) int {
	depth := 0
	for t := parentTypeOf[entityType]; t != ""; t = parentTypeOf[t] {
		depth++
	}
	return depth
}

// parentCreateUnresolvedInTx reports whether the referenced parent (or any
// ancestor reachable through queued creates) still has an unresolved Create.
// A child create must not be attempted online against a parent id the server
// has never seen.
func (e *Engine) parentCreateUnresolvedInTx(ctx context.Context, tx *sql.Tx, entityType, parentID string) (bool, error) {
	parentType := parentTypeOf[entityType]
	for parentType != "" && parentID != "" {
		pending, err := e.hasPendingCreateInTx(ctx, tx, parentType, parentID)
		if err != nil {
			return false, err
		}
		if pending {
			return true, nil
		}
		ent, err := e.getEntityInTx(ctx, tx, parentType, parentID)
		if errors.Is(err, ErrEntityNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		parentID = ent.ParentID
		parentType = parentTypeOf[parentType]
	}
	return false, nil
}

// CreateEntity applies an optimistic create. If entityID is empty a temp id
// is generated. The create is queued instead of attempted when the device is
// offline or when the parent entity's own create has not been acknowledged
// yet (causal ordering). The remote attempt runs without the write lock so a
// slow server never blocks local capture paths.
func (e *Engine) CreateEntity(ctx context.Context, entityType, tripID, parentID, entityID string, fields *Patch) (*OpResult, error) {
	if !isValidEntityType(entityType) {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if fields == nil {
		fields = NewPatch()
	}
	if entityID == "" {
		entityID = newTempID()
	}

	deferred, err := e.createMustDefer(ctx, entityType, parentID)
	if err != nil {
		return nil, err
	}
	reason := "offline"
	if deferred && e.probe.IsOnline() {
		reason = "parent create pending"
	}

	if !deferred && e.probe.IsOnline() {
		res, err := e.api.CreateEntity(ctx, entityType, tripID, parentID, fields.Fields())
		switch outcome := Classify(statusOf(res), false, err); outcome {
		case OutcomeSuccess:
			if err := e.writeLocalEntity(ctx, entityType, res.ServerID, tripID, parentID, fields); err != nil {
				return nil, err
			}
			return &OpResult{Status: OpCompleted, EntityID: res.ServerID}, nil
		case OutcomeRejected:
			// Definitive client-side rejection: nothing is kept locally.
			return &OpResult{Status: OpRejected, Reason: messageOf(res)}, nil
		default:
			reason = outcome.String()
		}
	}

	if err := e.queueCreate(ctx, entityType, entityID, tripID, parentID, fields); err != nil {
		return nil, err
	}
	return &OpResult{Status: OpQueued, Reason: reason, EntityID: entityID}, nil
}

// queueCreate writes the local entity and its queue entry under the temp id
// in one transaction.
func (e *Engine) queueCreate(ctx context.Context, entityType, entityID, tripID, parentID string, fields *Patch) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin create transaction: %w", err)
	}
	defer tx.Rollback()

	ent := &LocalEntity{
		EntityType: entityType,
		EntityID:   entityID,
		TripID:     tripID,
		ParentID:   parentID,
		Fields:     fields.Fields(),
	}
	if err := e.upsertEntityInTx(ctx, tx, ent); err != nil {
		return err
	}
	if err := e.enqueueMutationInTx(ctx, tx, &PendingMutation{
		EntityType: entityType,
		Op:         OpCreate,
		EntityID:   entityID,
		TripID:     tripID,
		ParentID:   parentID,
		NewValues:  fields,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit create transaction: %w", err)
	}
	return nil
}

// createMustDefer checks the dependency resolver outside the main write
// transaction.
func (e *Engine) createMustDefer(ctx context.Context, entityType, parentID string) (bool, error) {
	if parentID == "" {
		return false, nil
	}
	if isTempID(parentID) {
		return true, nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin resolver transaction: %w", err)
	}
	defer tx.Rollback()
	return e.parentCreateUnresolvedInTx(ctx, tx, entityType, parentID)
}

func (e *Engine) writeLocalEntity(ctx context.Context, entityType, entityID, tripID, parentID string, fields *Patch) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin entity write transaction: %w", err)
	}
	defer tx.Rollback()
	ent := &LocalEntity{
		EntityType: entityType,
		EntityID:   entityID,
		TripID:     tripID,
		ParentID:   parentID,
		Fields:     fields.Fields(),
	}
	if err := e.upsertEntityInTx(ctx, tx, ent); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entity write transaction: %w", err)
	}
	return nil
}

// UpdateEntity applies an optimistic update: local state changes immediately,
// and the pre-update snapshot rides the queued mutation so a permanent
// rejection restores exactly the prior values. The remote attempt runs after
// the staged local write commits, without the write lock.
func (e *Engine) UpdateEntity(ctx context.Context, entityType, entityID string, fields *Patch) (*OpResult, error) {
	if !isValidEntityType(entityType) {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if fields == nil || fields.Len() == 0 {
		return &OpResult{Status: OpCompleted, Reason: "no changes requested", EntityID: entityID}, nil
	}

	staged, ent, snapshot, err := e.stageUpdate(ctx, entityType, entityID, fields)
	if err != nil {
		return nil, err
	}
	if staged != nil {
		return staged, nil
	}

	res, apiErr := e.api.UpdateEntity(ctx, entityType, entityID, fields.Fields())
	switch outcome := Classify(statusOf(res), false, apiErr); outcome {
	case OutcomeSuccess:
		return &OpResult{Status: OpCompleted, EntityID: entityID}, nil
	case OutcomeRejected:
		if err := e.rollbackUpdate(ctx, entityType, entityID, snapshot); err != nil {
			return nil, err
		}
		return &OpResult{Status: OpRejected, Reason: messageOf(res), EntityID: entityID}, nil
	default:
		if err := e.queueUpdate(ctx, entityType, entityID, ent, fields, snapshot); err != nil {
			return nil, err
		}
		return &OpResult{Status: OpQueued, Reason: outcome.String(), EntityID: entityID}, nil
	}
}

// stageUpdate applies the optimistic local write. When the device is offline
// or the entity's create is still queued, the mutation is folded into the
// queue in the same transaction and the finished result is returned; a nil
// result means the caller follows up with the remote call, rolling back or
// queueing against the returned snapshot.
func (e *Engine) stageUpdate(ctx context.Context, entityType, entityID string, fields *Patch) (*OpResult, *LocalEntity, *Patch, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to begin update transaction: %w", err)
	}
	defer tx.Rollback()

	ent, err := e.getEntityInTx(ctx, tx, entityType, entityID)
	if err != nil {
		return nil, nil, nil, err
	}

	// First-write snapshot of the fields this patch touches. A missing field
	// is recorded as nil so rollback can remove it again.
	snapshot := NewPatch()
	for _, key := range fields.Keys() {
		if cur, ok := ent.Fields[key]; ok {
			snapshot.Set(key, cur)
		} else {
			snapshot.Set(key, nil)
		}
	}

	if err := e.applyPatchInTx(ctx, tx, ent, fields); err != nil {
		return nil, nil, nil, err
	}

	creating, err := e.hasPendingCreateInTx(ctx, tx, entityType, entityID)
	if err != nil {
		return nil, nil, nil, err
	}

	if !creating && e.probe.IsOnline() {
		if err := tx.Commit(); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to commit optimistic update: %w", err)
		}
		return nil, ent, snapshot, nil
	}

	// Offline, or the entity's create is still queued: fold into the queue
	// within the same transaction as the optimistic write.
	if err := e.enqueueMutationInTx(ctx, tx, &PendingMutation{
		EntityType:     entityType,
		Op:             OpUpdate,
		EntityID:       entityID,
		TripID:         ent.TripID,
		ParentID:       ent.ParentID,
		NewValues:      fields,
		OriginalValues: snapshot,
	}); err != nil {
		return nil, nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to commit queued update: %w", err)
	}
	return &OpResult{Status: OpQueued, Reason: "offline", EntityID: entityID}, nil, nil, nil
}

func (e *Engine) rollbackUpdate(ctx context.Context, entityType, entityID string, snapshot *Patch) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rollback transaction: %w", err)
	}
	defer tx.Rollback()
	if err := e.restoreSnapshotInTx(ctx, tx, entityType, entityID, snapshot); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback transaction: %w", err)
	}
	return nil
}

func (e *Engine) queueUpdate(ctx context.Context, entityType, entityID string, ent *LocalEntity, fields, snapshot *Patch) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue transaction: %w", err)
	}
	defer tx.Rollback()
	if err := e.enqueueMutationInTx(ctx, tx, &PendingMutation{
		EntityType:     entityType,
		Op:             OpUpdate,
		EntityID:       entityID,
		TripID:         ent.TripID,
		ParentID:       ent.ParentID,
		NewValues:      fields,
		OriginalValues: snapshot,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue transaction: %w", err)
	}
	return nil
}

// DeleteEntity removes the entity locally and attempts the remote delete.
// Deleting an entity whose create was never synced simply cancels the create.
// The remote attempt runs after the staged local delete commits, without the
// write lock.
func (e *Engine) DeleteEntity(ctx context.Context, entityType, entityID string) (*OpResult, error) {
	if !isValidEntityType(entityType) {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}

	staged, ent, snapshot, err := e.stageDelete(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if staged != nil {
		return staged, nil
	}

	res, apiErr := e.api.DeleteEntity(ctx, entityType, entityID)
	switch outcome := Classify(statusOf(res), false, apiErr); outcome {
	case OutcomeSuccess:
		return &OpResult{Status: OpCompleted, EntityID: entityID}, nil
	case OutcomeRejected:
		if err := e.reinsertEntity(ctx, ent); err != nil {
			return nil, err
		}
		return &OpResult{Status: OpRejected, Reason: messageOf(res), EntityID: entityID}, nil
	default:
		if err := e.queueDelete(ctx, ent, snapshot); err != nil {
			return nil, err
		}
		return &OpResult{Status: OpQueued, Reason: outcome.String(), EntityID: entityID}, nil
	}
}

// stageDelete performs the local side of a delete. A cancelled never-synced
// create or an offline queued delete returns the finished result; a nil
// result means the entity is gone locally and the caller follows up with the
// remote call, reinserting or queueing against the returned snapshot.
func (e *Engine) stageDelete(ctx context.Context, entityType, entityID string) (*OpResult, *LocalEntity, *Patch, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	creating, err := e.hasPendingCreateInTx(ctx, tx, entityType, entityID)
	if err != nil {
		return nil, nil, nil, err
	}
	if creating {
		// Never reached the server: drop the local entity and every queued
		// mutation, nothing to tell the server about.
		if err := e.deleteEntityInTx(ctx, tx, entityType, entityID); err != nil {
			return nil, nil, nil, err
		}
		if err := e.deleteMutationsForEntityInTx(ctx, tx, entityType, entityID); err != nil {
			return nil, nil, nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to commit delete transaction: %w", err)
		}
		return &OpResult{Status: OpCompleted, Reason: "never synced", EntityID: entityID}, nil, nil, nil
	}

	ent, err := e.getEntityInTx(ctx, tx, entityType, entityID)
	if err != nil {
		return nil, nil, nil, err
	}
	snapshot := PatchFromMap(ent.Fields)

	if err := e.deleteEntityInTx(ctx, tx, entityType, entityID); err != nil {
		return nil, nil, nil, err
	}
	if err := e.deleteMutationsForEntityInTx(ctx, tx, entityType, entityID); err != nil {
		return nil, nil, nil, err
	}

	if e.probe.IsOnline() {
		if err := tx.Commit(); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to commit delete transaction: %w", err)
		}
		return nil, ent, snapshot, nil
	}

	if err := e.enqueueMutationInTx(ctx, tx, &PendingMutation{
		EntityType:     entityType,
		Op:             OpDelete,
		EntityID:       entityID,
		TripID:         ent.TripID,
		ParentID:       ent.ParentID,
		OriginalValues: snapshot,
	}); err != nil {
		return nil, nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to commit queued delete: %w", err)
	}
	return &OpResult{Status: OpQueued, Reason: "offline", EntityID: entityID}, nil, nil, nil
}

func (e *Engine) reinsertEntity(ctx context.Context, ent *LocalEntity) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reinsert transaction: %w", err)
	}
	defer tx.Rollback()
	if err := e.upsertEntityInTx(ctx, tx, ent); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reinsert transaction: %w", err)
	}
	return nil
}

func (e *Engine) queueDelete(ctx context.Context, ent *LocalEntity, snapshot *Patch) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue transaction: %w", err)
	}
	defer tx.Rollback()
	if err := e.enqueueMutationInTx(ctx, tx, &PendingMutation{
		EntityType:     ent.EntityType,
		Op:             OpDelete,
		EntityID:       ent.EntityID,
		TripID:         ent.TripID,
		ParentID:       ent.ParentID,
		OriginalValues: snapshot,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue transaction: %w", err)
	}
	return nil
}
