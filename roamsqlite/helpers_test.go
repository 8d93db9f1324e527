// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a RemoteAPI whose behavior is overridable per test. The default
// behavior accepts everything and assigns server ids derived from a counter.
type fakeAPI struct {
	createFn   func(ctx context.Context, entityType, tripID, parentID string, fields map[string]any) (*EntityResult, error)
	updateFn   func(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error)
	deleteFn   func(ctx context.Context, entityType, entityID string) (*EntityResult, error)
	locationFn func(ctx context.Context, ping *QueuedPing) (*LocationResult, error)

	createCalls   int
	updateCalls   int
	deleteCalls   int
	locationCalls int
	serverSeq     int
}

func (f *fakeAPI) CreateEntity(ctx context.Context, entityType, tripID, parentID string, fields map[string]any) (*EntityResult, error) {
	f.createCalls++
	if f.createFn != nil {
		return f.createFn(ctx, entityType, tripID, parentID, fields)
	}
	f.serverSeq++
	return &EntityResult{ServerID: serverID(f.serverSeq), StatusCode: 201}, nil
}

func (f *fakeAPI) UpdateEntity(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error) {
	f.updateCalls++
	if f.updateFn != nil {
		return f.updateFn(ctx, entityType, entityID, fields)
	}
	return &EntityResult{ServerID: entityID, StatusCode: 200}, nil
}

func (f *fakeAPI) DeleteEntity(ctx context.Context, entityType, entityID string) (*EntityResult, error) {
	f.deleteCalls++
	if f.deleteFn != nil {
		return f.deleteFn(ctx, entityType, entityID)
	}
	return &EntityResult{StatusCode: 200}, nil
}

func (f *fakeAPI) SubmitLocation(ctx context.Context, ping *QueuedPing) (*LocationResult, error) {
	f.locationCalls++
	if f.locationFn != nil {
		return f.locationFn(ctx, ping)
	}
	return &LocationResult{Success: true, StatusCode: 200, ServerID: "srv-" + ping.Key}, nil
}

func serverID(seq int) string {
	return fmt.Sprintf("server-%d", seq)
}

// fakeProbe is a ConnectivityProbe with a settable state.
type fakeProbe struct {
	online bool
}

func (p *fakeProbe) IsOnline() bool { return p.online }

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A pool of connections would each open a separate in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// testConfig returns tunables that keep tests fast: no rate gating, no
// backoff delays, no background loops.
func testConfig() *Config {
	return &Config{
		MinSyncInterval:  0,
		MaxSyncsPerHour:  0,
		BatchSize:        50,
		MaxRetryAttempts: 1,
		BackoffMin:       time.Millisecond,
		BackoffMax:       5 * time.Millisecond,
		StuckThreshold:   10 * time.Minute,
		RetentionDays:    7,
		SyncEvery:        time.Hour,
		CleanupEvery:     time.Hour,
		StopTimeout:      time.Second,
		EventBuffer:      64,
	}
}

func newTestEngine(t *testing.T, api *fakeAPI, probe ConnectivityProbe) *Engine {
	t.Helper()
	if api == nil {
		api = &fakeAPI{}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	engine, err := NewEngine(newTestDB(t), api, probe, testConfig(), logger)
	require.NoError(t, err)
	return engine
}

// setClock pins the engine clock to a fixed instant and returns a function
// that advances it.
func setClock(e *Engine, start time.Time) func(d time.Duration) {
	current := start
	e.now = func() time.Time { return current }
	return func(d time.Duration) { current = current.Add(d) }
}

// enqueueTestPing stores a ping with a deterministic key and returns its row.
func enqueueTestPing(t *testing.T, e *Engine, key string) *QueuedPing {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.EnqueuePing(ctx, &QueuedPing{
		Key:       key,
		Latitude:  59.437,
		Longitude: 24.7536,
		Accuracy:  8.5,
		Provider:  "gps",
	}))
	var id int64
	require.NoError(t, e.db.QueryRowContext(ctx,
		`SELECT id FROM _sync_pings WHERE idempotency_key = ?`, key).Scan(&id))
	ping, err := e.pingByID(ctx, id)
	require.NoError(t, err)
	return ping
}

// drainEvents collects everything currently buffered on the event channel.
func drainEvents(e *Engine) []Event {
	var events []Event
	for {
		select {
		case ev := <-e.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

// pingState reads the current lifecycle state of a ping row.
func pingState(t *testing.T, e *Engine, id int64) string {
	t.Helper()
	p, err := e.pingByID(context.Background(), id)
	require.NoError(t, err)
	return p.State
}
