// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"fmt"
	"time"
)

// recoverInterruptedPings resolves every ping left in syncing by a previous
// process lifetime. A ping whose server_confirmed marker was written before
// the crash is finalized as synced (the server already has it; resubmitting
// would duplicate); everything else is released back to pending.
func (e *Engine) recoverInterruptedPings(ctx context.Context) error {
	synced, err := e.db.ExecContext(ctx, `
		UPDATE _sync_pings
		SET state = 'synced', synced_at = ?, claim_token = '', claimed_at = NULL
		WHERE state = 'syncing' AND server_confirmed = 1
	`, e.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finalize confirmed pings: %w", err)
	}
	released, err := e.db.ExecContext(ctx, `
		UPDATE _sync_pings
		SET state = 'pending', claim_token = '', claimed_at = NULL
		WHERE state = 'syncing'
	`)
	if err != nil {
		return fmt.Errorf("failed to release interrupted pings: %w", err)
	}

	if n, _ := synced.RowsAffected(); n > 0 {
		e.logger.Info("Finalized server-confirmed pings from interrupted sync", "count", n)
	}
	if n, _ := released.RowsAffected(); n > 0 {
		e.logger.Info("Released interrupted pings back to pending", "count", n)
	}
	return nil
}

// sweepStuckPings releases pings that have sat in syncing longer than the
// stuck threshold. Guards against a sync that hung rather than crashed; the
// startup sweep cannot see those because the process never restarted.
func (e *Engine) sweepStuckPings(ctx context.Context, threshold time.Duration) error {
	if threshold <= 0 {
		return nil
	}
	cutoff := e.now().UTC().Add(-threshold)

	synced, err := e.db.ExecContext(ctx, `
		UPDATE _sync_pings
		SET state = 'synced', synced_at = ?, claim_token = '', claimed_at = NULL
		WHERE state = 'syncing' AND server_confirmed = 1 AND claimed_at < ?
	`, e.now().UTC(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to finalize stuck confirmed pings: %w", err)
	}
	released, err := e.db.ExecContext(ctx, `
		UPDATE _sync_pings
		SET state = 'pending', claim_token = '', claimed_at = NULL
		WHERE state = 'syncing' AND claimed_at < ?
	`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to release stuck pings: %w", err)
	}

	if n, _ := synced.RowsAffected(); n > 0 {
		e.logger.Warn("Finalized stuck server-confirmed pings", "count", n)
	}
	if n, _ := released.RowsAffected(); n > 0 {
		e.logger.Warn("Released stuck pings back to pending", "count", n)
	}
	return nil
}
