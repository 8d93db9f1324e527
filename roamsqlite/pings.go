// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// QueuedPing is a row of the durable location queue.
type QueuedPing struct {
	ID              int64
	Key             string // idempotency key, stable across retries
	Latitude        float64
	Longitude       float64
	Accuracy        float64
	Altitude        float64
	Speed           float64
	Provider        string
	RecordedAt      time.Time
	State           string
	RetryCount      int
	LastError       string
	ServerConfirmed bool
	CreatedAt       time.Time
}

// EnqueuePing stores a captured GPS fix in the pending queue. A missing
// idempotency key is generated; enqueueing the same key twice is a no-op.
func (e *Engine) EnqueuePing(ctx context.Context, ping *QueuedPing) error {
	if ping.Key == "" {
		ping.Key = uuid.New().String()
	}
	if ping.RecordedAt.IsZero() {
		ping.RecordedAt = e.now()
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO _sync_pings
			(idempotency_key, latitude, longitude, accuracy, altitude, speed, provider, recorded_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ping.Key, ping.Latitude, ping.Longitude, ping.Accuracy, ping.Altitude, ping.Speed,
		ping.Provider, ping.RecordedAt.UTC(), e.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to enqueue ping: %w", err)
	}
	return nil
}

const pingColumns = `id, idempotency_key, latitude, longitude, accuracy, altitude, speed,
	provider, recorded_at, state, retry_count, last_error, server_confirmed, created_at`

func scanPing(row rowScanner) (*QueuedPing, error) {
	var p QueuedPing
	var confirmed int
	err := row.Scan(&p.ID, &p.Key, &p.Latitude, &p.Longitude, &p.Accuracy, &p.Altitude,
		&p.Speed, &p.Provider, &p.RecordedAt, &p.State, &p.RetryCount, &p.LastError,
		&confirmed, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.ServerConfirmed = confirmed != 0
	return &p, nil
}

// claimPendingBatch atomically transitions up to limit pending pings to
// syncing and returns them in creation order. The claim is a single UPDATE
// keyed by a fresh claim token, so two racing claimers can never select
// overlapping rows: state flip and row selection are one statement.
func (e *Engine) claimPendingBatch(ctx context.Context, limit int) ([]*QueuedPing, error) {
	if limit <= 0 {
		return nil, nil
	}
	token := uuid.New().String()
	_, err := e.db.ExecContext(ctx, `
		UPDATE _sync_pings
		SET state = 'syncing', claim_token = ?, claimed_at = ?
		WHERE state = 'pending' AND id IN (
			SELECT id FROM _sync_pings WHERE state = 'pending'
			ORDER BY created_at, id LIMIT ?
		)
	`, token, e.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending pings: %w", err)
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT `+pingColumns+` FROM _sync_pings
		WHERE claim_token = ? AND state = 'syncing'
		ORDER BY created_at, id
	`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed pings: %w", err)
	}
	defer rows.Close()

	var claimed []*QueuedPing
	for rows.Next() {
		p, err := scanPing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed ping: %w", err)
		}
		claimed = append(claimed, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate claimed pings: %w", err)
	}
	return claimed, nil
}

// markServerConfirmed durably records that the server accepted the ping,
// before the final synced transition. Survives a crash between "server said
// yes" and finalize, so the startup sweep finalizes instead of resubmitting.
func (e *Engine) markServerConfirmed(ctx context.Context, id int64) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE _sync_pings SET server_confirmed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark ping server-confirmed: %w", err)
	}
	return nil
}

// finalizeSyncedPings confirms a batch of delivered pings in one write.
func (e *Engine) finalizeSyncedPings(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE _sync_pings
		SET state = 'synced', synced_at = ?, last_error = '', claim_token = '', claimed_at = NULL
		WHERE id IN (%s)`, placeholders(len(ids)))
	args := append([]any{e.now().UTC()}, int64Args(ids)...)
	if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to finalize synced pings: %w", err)
	}
	return nil
}

// markPingRejected records a terminal semantic rejection.
func (e *Engine) markPingRejected(ctx context.Context, id int64, reason string) error {
	_, err := e.db.ExecContext(ctx, `
		UPDATE _sync_pings
		SET state = 'rejected', last_error = ?, claim_token = '', claimed_at = NULL
		WHERE id = ?
	`, sanitizeMessage(reason), id)
	if err != nil {
		return fmt.Errorf("failed to mark ping rejected: %w", err)
	}
	return nil
}

// releasePings returns claimed pings to pending in one write. When attempted
// is true the retry counter is bumped and the error recorded; a ping whose
// bumped counter reaches maxFailures is parked as failed instead of released,
// keeping a persistently undeliverable fix out of every future batch until
// ResetFailedPings. Untouched pings are released as-is so their relative order
// is preserved.
func (e *Engine) releasePings(ctx context.Context, ids []int64, attempted bool, lastError string, maxFailures int) error {
	if len(ids) == 0 {
		return nil
	}
	var query string
	var args []any
	if attempted {
		query = fmt.Sprintf(`
			UPDATE _sync_pings
			SET state = CASE WHEN ? > 0 AND retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
				retry_count = retry_count + 1, last_error = ?,
				claim_token = '', claimed_at = NULL
			WHERE id IN (%s) AND state = 'syncing'`, placeholders(len(ids)))
		args = append([]any{maxFailures, maxFailures, sanitizeMessage(lastError)}, int64Args(ids)...)
	} else {
		query = fmt.Sprintf(`
			UPDATE _sync_pings
			SET state = 'pending', claim_token = '', claimed_at = NULL
			WHERE id IN (%s) AND state = 'syncing'`, placeholders(len(ids)))
		args = int64Args(ids)
	}
	if _, err := e.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release pings: %w", err)
	}
	return nil
}

// ResetFailedPings returns pings parked as failed to the pending queue with a
// fresh retry budget. Returns the number of pings reset.
func (e *Engine) ResetFailedPings(ctx context.Context) (int, error) {
	res, err := e.db.ExecContext(ctx, `
		UPDATE _sync_pings
		SET state = 'pending', retry_count = 0, last_error = ''
		WHERE state = 'failed'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed pings: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// purgeSyncedPings drops pings synced longer ago than the retention window.
func (e *Engine) purgeSyncedPings(ctx context.Context, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := e.now().UTC().AddDate(0, 0, -retentionDays)
	_, err := e.db.ExecContext(ctx,
		`DELETE FROM _sync_pings WHERE state = 'synced' AND synced_at < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge synced pings: %w", err)
	}
	return nil
}

// PingCountByState returns the number of pings in the given state.
func (e *Engine) PingCountByState(ctx context.Context, state string) (int, error) {
	var count int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _sync_pings WHERE state = ?`, state).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pings: %w", err)
	}
	return count, nil
}

// pingByID loads a single ping row.
func (e *Engine) pingByID(ctx context.Context, id int64) (*QueuedPing, error) {
	row := e.db.QueryRowContext(ctx,
		`SELECT `+pingColumns+` FROM _sync_pings WHERE id = ?`, id)
	p, err := scanPing(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load ping %d: %w", id, err)
	}
	return p, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
