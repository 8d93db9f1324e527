// Package roamsqlite provides the SQLite-backed offline-first sync engine for
// go-roamsync mobile clients.
//
// The engine keeps the app usable while disconnected: entity edits are applied
// optimistically to local state and queued in a durable mutation log when they
// cannot be completed remotely; GPS samples accumulate in a durable ping queue
// that a rate-limited scheduler drains against the server. Crash recovery
// sweeps guarantee that rows claimed by an interrupted sync are always
// returned to a resumable state.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
)

// ConnectivityProbe reports whether the device currently has network
// connectivity. Polled before immediate (non-queued) remote attempts.
type ConnectivityProbe interface {
	IsOnline() bool
}

// AlwaysOnline is a ConnectivityProbe that always reports connectivity.
type AlwaysOnline struct{}

func (AlwaysOnline) IsOnline() bool { return true }

// Config holds the engine tunables. All values are runtime-adjustable via
// Engine.UpdateConfig without restarting the engine.
type Config struct {
	MinSyncInterval  time.Duration // minimum gap between two location syncs
	MaxSyncsPerHour  int           // rolling one-hour cap on location syncs
	BatchSize        int           // max pings claimed per sync invocation
	MaxRetryAttempts int           // per-ping transport retry ceiling within one invocation
	MaxPingFailures  int           // failed sync invocations before a ping is parked as failed (0 disables)
	BackoffMin       time.Duration // initial transport retry backoff
	BackoffMax       time.Duration // backoff cap
	StuckThreshold   time.Duration // pings in syncing longer than this are released
	RetentionDays    int           // synced pings older than this are purged
	SyncEvery        time.Duration // timer period for the location sync loop
	CleanupEvery     time.Duration // timer period for the stuck/retention sweep loop
	StopTimeout      time.Duration // bounded wait for the in-flight batch on Stop
	EventBuffer      int           // notification channel capacity
}

// DefaultConfig returns tunables matching typical mobile usage.
func DefaultConfig() *Config {
	return &Config{
		MinSyncInterval:  65 * time.Second,
		MaxSyncsPerHour:  55,
		BatchSize:        50,
		MaxRetryAttempts: 3,
		MaxPingFailures:  10,
		BackoffMin:       1 * time.Second,
		BackoffMax:       60 * time.Second,
		StuckThreshold:   10 * time.Minute,
		RetentionDays:    7,
		SyncEvery:        70 * time.Second,
		CleanupEvery:     15 * time.Minute,
		StopTimeout:      10 * time.Second,
		EventBuffer:      64,
	}
}

// Engine coordinates the mutation log, the location ping queue and the local
// entity store over a single SQLite database.
type Engine struct {
	db       *sql.DB
	api      RemoteAPI
	probe    ConnectivityProbe
	logger   *slog.Logger
	notifier *notifier

	cfgMu sync.RWMutex
	cfg   *Config

	writeMu sync.Mutex // serialize write transactions to avoid SQLite lock churn; never held across network calls
	flushMu sync.Mutex // one mutation drain at a time; remote submissions run outside writeMu

	syncActive int32 // non-blocking mutual exclusion for the scheduler
	stopping   int32 // set during Stop; in-flight batch stops accepting new pings
	rate       *rateWindow

	now func() time.Time // injectable clock

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewEngine creates the engine, initializes the sync schema and runs the
// startup crash recovery sweep. The probe may be nil (treated as always
// online); the logger may be nil (slog.Default()).
func NewEngine(db *sql.DB, api RemoteAPI, probe ConnectivityProbe, cfg *Config, logger *slog.Logger) (*Engine, error) {
	if api == nil {
		return nil, fmt.Errorf("remote API cannot be nil")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if probe == nil {
		probe = AlwaysOnline{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	e := &Engine{
		db:       db,
		api:      api,
		probe:    probe,
		logger:   logger,
		notifier: newNotifier(cfg.EventBuffer, logger),
		cfg:      cfg,
		rate:     &rateWindow{},
		now:      time.Now,
	}

	// Pings left in syncing by a dead process must be resolved before the
	// scheduler's first tick.
	if err := e.recoverInterruptedPings(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to run startup recovery sweep: %w", err)
	}

	return e, nil
}

// UpdateConfig replaces the engine tunables. Takes effect on the next
// operation; the in-flight batch keeps the snapshot it started with.
func (e *Engine) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

// config returns the current tunables snapshot.
func (e *Engine) config() *Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Events returns the engine notification channel. Delivery is best-effort:
// events are dropped when the buffer is full rather than blocking sync
// progress.
func (e *Engine) Events() <-chan Event {
	return e.notifier.events()
}

// Start launches the supervised sync and cleanup loops. A panic or error in
// one tick is logged and never terminates the loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.loopDone != nil {
		return fmt.Errorf("engine already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.loopCancel = cancel
	e.loopDone = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.syncLoop(loopCtx)
	}()
	go func() {
		defer wg.Done()
		e.cleanupLoop(loopCtx)
	}()
	go func() {
		wg.Wait()
		close(e.loopDone)
	}()
	return nil
}

// Stop requests a graceful stop: the in-flight batch stops accepting new
// pings, and Stop waits up to StopTimeout for the loops to finish. On timeout
// it proceeds anyway; an abandoned syncing ping is picked up by the startup
// recovery sweep on next launch.
func (e *Engine) Stop(ctx context.Context) error {
	if e.loopDone == nil {
		return nil
	}
	atomic.StoreInt32(&e.stopping, 1)
	e.loopCancel()

	timeout := e.config().StopTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.loopDone:
	case <-timer.C:
		e.logger.Warn("Stop timed out waiting for in-flight sync; proceeding",
			"timeout", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	atomic.StoreInt32(&e.stopping, 0)
	e.loopDone = nil
	return nil
}

// syncLoop drives timer-based location syncing.
func (e *Engine) syncLoop(ctx context.Context) {
	for {
		interval := e.config().SyncEvery
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		e.runTick(ctx, "location_sync", func(tickCtx context.Context) error {
			synced, err := e.SyncNow(tickCtx)
			if synced > 0 {
				e.logger.Info("Location sync tick completed", "synced", synced)
			}
			return err
		})
	}
}

// cleanupLoop drives the stuck-claim sweep and retention purge.
func (e *Engine) cleanupLoop(ctx context.Context) {
	for {
		interval := e.config().CleanupEvery
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		e.runTick(ctx, "cleanup", func(tickCtx context.Context) error {
			cfg := e.config()
			if err := e.sweepStuckPings(tickCtx, cfg.StuckThreshold); err != nil {
				return err
			}
			return e.purgeSyncedPings(tickCtx, cfg.RetentionDays)
		})
	}
}

// runTick executes one supervised loop tick. Errors are logged; panics are
// recovered with a sanitized message so a bad tick cannot kill the loop.
func (e *Engine) runTick(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Recovered panic in sync loop tick",
				"tick", name, "panic", sanitizeMessage(fmt.Sprint(r)))
		}
	}()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		e.logger.Warn("Sync loop tick failed", "tick", name, "error", err)
	}
}

// sanitizeMessage bounds a message destined for logs or persisted error
// columns. Truncation lands on a rune boundary so the stored text stays valid
// UTF-8.
func sanitizeMessage(msg string) string {
	const maxLen = 300
	if len(msg) <= maxLen {
		return msg
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
