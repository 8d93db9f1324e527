// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// rateWindow is the in-memory sliding record of completed sync timestamps.
// Pruned lazily to the trailing hour and capped in length, so wall-clock
// manipulation cannot grow it without bound.
type rateWindow struct {
	mu        sync.Mutex
	completed []time.Time
	lastSync  time.Time
}

// allow reports whether a sync may start now. Read-only: the invocation is
// recorded separately, only after an attempt was actually made.
func (w *rateWindow) allow(now time.Time, minInterval time.Duration, maxPerHour int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.lastSync.IsZero() && now.Sub(w.lastSync) < minInterval {
		return false
	}
	w.prune(now, maxPerHour)
	return maxPerHour <= 0 || len(w.completed) < maxPerHour
}

// record adds a completed sync to the window.
func (w *rateWindow) record(now time.Time, maxPerHour int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSync = now
	w.completed = append(w.completed, now)
	w.prune(now, maxPerHour)
}

// prune drops entries older than an hour and hard-caps the slice length.
func (w *rateWindow) prune(now time.Time, maxPerHour int) {
	cutoff := now.Add(-time.Hour)
	kept := w.completed[:0]
	for _, t := range w.completed {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.completed = kept
	limit := maxPerHour + 1
	if maxPerHour <= 0 {
		limit = 64
	}
	if len(w.completed) > limit {
		w.completed = w.completed[len(w.completed)-limit:]
	}
}

// SyncNow runs one location sync invocation and returns the number of pings
// the server confirmed. The manual trigger and the timer-driven loop share
// this path, so the same rate gate and mutual exclusion apply: a gated or
// concurrent call is a no-op returning 0.
func (e *Engine) SyncNow(ctx context.Context) (int, error) {
	cfg := e.config()

	if !e.rate.allow(e.now(), cfg.MinSyncInterval, cfg.MaxSyncsPerHour) {
		e.logger.Debug("Location sync gated by rate limit")
		return 0, nil
	}

	// Only one sync at a time; a losing caller returns immediately.
	if !atomic.CompareAndSwapInt32(&e.syncActive, 0, 1) {
		e.logger.Debug("Location sync already running")
		return 0, nil
	}
	defer atomic.StoreInt32(&e.syncActive, 0)

	claimed, err := e.claimPendingBatch(ctx, cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	confirmed, err := e.processClaimedBatch(ctx, cfg, claimed)

	// Retention runs regardless of how the batch went; failures are logged
	// and never propagate to the caller of a sync cycle.
	if purgeErr := e.purgeSyncedPings(ctx, cfg.RetentionDays); purgeErr != nil {
		e.logger.Warn("Retention purge failed", "error", purgeErr)
	}

	return confirmed, err
}

// processClaimedBatch submits claimed pings in creation order and finalizes
// the batch. Always leaves every claimed ping in a non-syncing state.
func (e *Engine) processClaimedBatch(ctx context.Context, cfg *Config, claimed []*QueuedPing) (int, error) {
	var confirmedIDs, failedIDs []int64
	var lastFailure string
	attempted := false
	halted := false

	for i, ping := range claimed {
		if halted || atomic.LoadInt32(&e.stopping) == 1 || ctx.Err() != nil {
			// Remaining pings were never attempted: release untouched so
			// their relative order is preserved for the next invocation.
			rest := pingIDs(claimed[i:])
			if err := e.releasePings(ctx, rest, false, "", 0); err != nil {
				e.logger.Error("Failed to release unprocessed pings", "error", err)
			}
			break
		}

		attempted = true
		res, err := e.submitWithRetry(ctx, cfg, ping)
		outcome := classifyLocation(res, err)

		switch outcome {
		case OutcomeSuccess:
			// Durable confirm marker first; finalize happens in one batch
			// write below.
			if err := e.markServerConfirmed(ctx, ping.ID); err != nil {
				e.logger.Error("Failed to record server confirmation", "ping", ping.ID, "error", err)
				failedIDs = append(failedIDs, ping.ID)
				lastFailure = sanitizeMessage(err.Error())
				continue
			}
			confirmedIDs = append(confirmedIDs, ping.ID)
			e.notifier.publish(Event{Type: EventPingSynced, PingID: ping.ID})

		case OutcomeRejected:
			reason := locationMessage(res)
			if err := e.markPingRejected(ctx, ping.ID, reason); err != nil {
				e.logger.Error("Failed to mark ping rejected", "ping", ping.ID, "error", err)
			}
			e.notifier.publish(Event{Type: EventPingSkipped, PingID: ping.ID, Reason: reason})

		case OutcomeAuthError:
			// Fatal for this invocation only: the failed ping is released
			// with its error recorded, the rest untouched.
			e.logger.Warn("Authentication failure during location sync; halting batch")
			e.notifier.publish(Event{Type: EventAuthDegraded, Reason: locationMessage(res)})
			failedIDs = append(failedIDs, ping.ID)
			lastFailure = "authentication failed"
			halted = true

		case OutcomeRateLimited:
			// Try again later; no state change for the current ping beyond
			// the release back to pending.
			e.logger.Info("Server rate limit hit; halting batch")
			if err := e.releasePings(ctx, []int64{ping.ID}, false, "", 0); err != nil {
				e.logger.Error("Failed to release rate-limited ping", "ping", ping.ID, "error", err)
			}
			halted = true

		default: // OutcomeServerError, OutcomeUnknown
			failedIDs = append(failedIDs, ping.ID)
			lastFailure = locationFailureDetail(res, err)
		}
	}

	if err := e.finalizeSyncedPings(ctx, confirmedIDs); err != nil {
		return 0, err
	}
	if err := e.releasePings(ctx, failedIDs, true, lastFailure, cfg.MaxPingFailures); err != nil {
		return len(confirmedIDs), err
	}

	if attempted {
		e.rate.record(e.now(), cfg.MaxSyncsPerHour)
	}
	return len(confirmedIDs), nil
}

// submitWithRetry submits one ping, retrying transient transport errors with
// exponential backoff up to the configured ceiling. Any response from the
// server, success or not, ends the retry loop; only "the request never made
// it" is worth retrying inline.
func (e *Engine) submitWithRetry(ctx context.Context, cfg *Config, ping *QueuedPing) (*LocationResult, error) {
	backoff := cfg.BackoffMin
	attempts := cfg.MaxRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, backoff); err != nil {
				return nil, err
			}
			backoff = nextBackoff(backoff, cfg.BackoffMax)
		}
		res, err := e.api.SubmitLocation(ctx, ping)
		if err == nil {
			return res, nil
		}
		lastErr = err
		e.logger.Debug("Location submission transport error",
			"ping", ping.ID, "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("location submission failed after %d attempts: %w", attempts, lastErr)
}

// classifyLocation adapts a location result to the shared classifier.
func classifyLocation(res *LocationResult, err error) Outcome {
	if err != nil {
		return OutcomeServerError
	}
	if res == nil {
		return OutcomeUnknown
	}
	return Classify(res.StatusCode, res.Skipped, nil)
}

func locationMessage(res *LocationResult) string {
	if res == nil {
		return ""
	}
	return res.Message
}

func locationFailureDetail(res *LocationResult, err error) string {
	if err != nil {
		return sanitizeMessage(err.Error())
	}
	if res != nil {
		return sanitizeMessage(fmt.Sprintf("server returned status %d: %s", res.StatusCode, res.Message))
	}
	return "unknown failure"
}

func pingIDs(pings []*QueuedPing) []int64 {
	ids := make([]int64, len(pings))
	for i, p := range pings {
		ids[i] = p.ID
	}
	return ids
}
