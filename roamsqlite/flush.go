// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"fmt"
)

// FlushPending drains the mutation log against the server: parents before
// children, oldest first. Typically called when connectivity returns.
//
// Per-mutation reactions follow the shared classifier: a success removes the
// row (creates are re-keyed from their temp id to the server id first), a
// permanent rejection marks the row rejected and rolls local state back, an
// auth failure or server rate limit ends the pass, and transient failures
// record the attempt and move on. A child create whose parent create is still
// unresolved is skipped, not attempted.
//
// Only one drain runs at a time. Remote submissions happen outside writeMu so
// a slow drain never blocks local capture paths; each state transition takes
// the write lock on its own.
//
// Returns the number of mutations applied by the server.
func (e *Engine) FlushPending(ctx context.Context) (int, error) {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	mutations, err := e.listPendingMutations(ctx)
	if err != nil {
		return 0, err
	}
	if len(mutations) == 0 {
		return 0, nil
	}

	applied := 0
	for _, m := range mutations {
		if ctx.Err() != nil {
			break
		}
		if !e.probe.IsOnline() {
			break
		}

		// Reload the row: an earlier create in this pass may have re-keyed
		// this mutation's parent or trip reference from a temp id to the
		// server id.
		fresh, err := e.mutationByID(ctx, m.ID)
		if err != nil {
			return applied, err
		}
		if fresh == nil {
			continue
		}
		m = fresh

		if m.Op == OpCreate {
			deferred, err := e.flushMustDefer(ctx, m)
			if err != nil {
				return applied, err
			}
			if deferred {
				continue
			}
		}

		halt, ok, err := e.flushOne(ctx, m)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
		if halt {
			break
		}
	}
	return applied, nil
}

// flushMustDefer reports whether a queued create still waits on its parent's
// create. Happens when the parent's own flush attempt failed transiently
// earlier in the same pass.
func (e *Engine) flushMustDefer(ctx context.Context, m *PendingMutation) (bool, error) {
	if m.ParentID == "" {
		return false, nil
	}
	if isTempID(m.ParentID) {
		return true, nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin defer-check transaction: %w", err)
	}
	defer tx.Rollback()
	return e.parentCreateUnresolvedInTx(ctx, tx, m.EntityType, m.ParentID)
}

// flushOne delivers a single mutation. Returns halt=true when the pass must
// stop (auth failure or rate limiting) and ok=true when the server applied
// the mutation.
func (e *Engine) flushOne(ctx context.Context, m *PendingMutation) (halt bool, ok bool, err error) {
	var res *EntityResult
	var apiErr error

	switch m.Op {
	case OpCreate:
		res, apiErr = e.api.CreateEntity(ctx, m.EntityType, m.TripID, m.ParentID, m.NewValues.Fields())
	case OpUpdate:
		res, apiErr = e.api.UpdateEntity(ctx, m.EntityType, m.EntityID, m.NewValues.Fields())
	case OpDelete:
		res, apiErr = e.api.DeleteEntity(ctx, m.EntityType, m.EntityID)
	default:
		return false, false, fmt.Errorf("unknown mutation op %q", m.Op)
	}

	switch outcome := Classify(statusOf(res), false, apiErr); outcome {
	case OutcomeSuccess:
		if err := e.applyFlushedMutation(ctx, m, res); err != nil {
			return false, false, err
		}
		return false, true, nil

	case OutcomeRejected:
		if err := e.rejectFlushedMutation(ctx, m, messageOf(res)); err != nil {
			return false, false, err
		}
		e.notifier.publish(Event{
			Type:       EventMutationRejected,
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Reason:     messageOf(res),
		})
		return false, false, nil

	case OutcomeAuthError:
		e.logger.Warn("Authentication failure during mutation drain; halting pass")
		e.notifier.publish(Event{Type: EventAuthDegraded, Reason: messageOf(res)})
		return true, false, nil

	case OutcomeRateLimited:
		e.logger.Info("Server rate limit hit during mutation drain; halting pass")
		return true, false, nil

	default:
		detail := "unknown failure"
		if apiErr != nil {
			detail = apiErr.Error()
		} else if res != nil {
			detail = fmt.Sprintf("server returned status %d: %s", res.StatusCode, res.Message)
		}
		if err := e.bumpMutationAttempt(ctx, m.ID, detail); err != nil {
			return false, false, err
		}
		return false, false, nil
	}
}

// applyFlushedMutation finishes a server-applied mutation: creates are
// re-keyed from the temp id to the server id (entity row, dependent queue
// rows and entity references all follow), then the queue row is removed.
func (e *Engine) applyFlushedMutation(ctx context.Context, m *PendingMutation, res *EntityResult) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin finalize transaction: %w", err)
	}
	defer tx.Rollback()

	if m.Op == OpCreate && res != nil && res.ServerID != "" && res.ServerID != m.EntityID {
		if err := e.rekeyEntityInTx(ctx, tx, m.EntityType, m.EntityID, res.ServerID); err != nil {
			return err
		}
	}
	if err := e.deleteMutationInTx(ctx, tx, m.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit finalize transaction: %w", err)
	}
	return nil
}

// rejectFlushedMutation marks the row rejected and rolls local state back to
// the snapshot the mutation carried. Updates restore their original values;
// deletes re-insert the snapshotted entity; a rejected create keeps its local
// row so the user can review or cancel it.
func (e *Engine) rejectFlushedMutation(ctx context.Context, m *PendingMutation, reason string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reject transaction: %w", err)
	}
	defer tx.Rollback()

	switch m.Op {
	case OpUpdate:
		if err := e.restoreSnapshotInTx(ctx, tx, m.EntityType, m.EntityID, m.OriginalValues); err != nil {
			return err
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
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reject transaction: %w", err)
	}

	return e.markMutationRejected(ctx, m.ID, reason)
}
