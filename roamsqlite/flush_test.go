// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFlushPendingDoesNotBlockPingCapture(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	api := &fakeAPI{
		updateFn: func(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error) {
			close(entered)
			<-release
			return &EntityResult{ServerID: entityID, StatusCode: 200}, nil
		},
	}
	probe := &fakeProbe{online: false}
	engine := newTestEngine(t, api, probe)
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	_, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "B"))
	require.NoError(t, err)

	probe.online = true
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		_, _ = engine.FlushPending(ctx)
	}()
	<-entered

	// A GPS fix arriving mid-drain must be stored without waiting for the
	// in-flight server call.
	enqueued := make(chan error, 1)
	go func() {
		enqueued <- engine.EnqueuePing(ctx, &QueuedPing{Key: "fix-1", Latitude: 1, Longitude: 1})
	}()
	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ping capture blocked behind the mutation drain")
	}

	close(release)
	<-flushDone

	count, err := engine.PingCountByState(ctx, PingPending)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestFlushPendingRekeysOfflineCreate(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	engine := newTestEngine(t, api, &fakeProbe{online: false})

	res, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch().Set("name", "Baltics"))
	require.NoError(t, err)
	tempID := res.EntityID
	require.True(t, isTempID(tempID))

	engine.probe = &fakeProbe{online: true}
	applied, err := engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, applied)

	// The local row now lives under the server-assigned id.
	_, err = engine.Entity(ctx, EntityTrip, tempID)
	require.ErrorIs(t, err, ErrEntityNotFound)
	ent, err := engine.Entity(ctx, EntityTrip, "server-1")
	require.NoError(t, err)
	require.Equal(t, "Baltics", ent.Fields["name"])

	pending, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestFlushPendingDrainsParentBeforeChild(t *testing.T) {
	ctx := context.Background()
	var createdParents []string
	api := &fakeAPI{}
	api.createFn = func(ctx context.Context, entityType, tripID, parentID string, fields map[string]any) (*EntityResult, error) {
		createdParents = append(createdParents, parentID)
		api.serverSeq++
		return &EntityResult{ServerID: serverID(api.serverSeq), StatusCode: 201}, nil
	}
	engine := newTestEngine(t, api, &fakeProbe{online: false})

	tripRes, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch().Set("name", "Trip"))
	require.NoError(t, err)
	regionRes, err := engine.CreateEntity(ctx, EntityRegion, tripRes.EntityID, tripRes.EntityID, "",
		NewPatch().Set("name", "North"))
	require.NoError(t, err)
	require.True(t, isTempID(regionRes.EntityID))

	engine.probe = &fakeProbe{online: true}
	applied, err := engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, applied)

	// The region create went out only after the trip's temp id was re-keyed
	// to the server id.
	require.Len(t, createdParents, 2)
	require.Equal(t, "", createdParents[0])
	require.Equal(t, "server-1", createdParents[1])

	region, err := engine.Entity(ctx, EntityRegion, "server-2")
	require.NoError(t, err)
	require.Equal(t, "server-1", region.ParentID)
	require.Equal(t, "server-1", region.TripID)
}

func TestFlushPendingRejectionRollsBackThroughMergedUpdates(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		updateFn: func(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error) {
			return &EntityResult{StatusCode: 422, Message: "invalid name"}, nil
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: false})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	// Two offline edits coalesce into one queued update; rollback must land
	// on the value before the first edit.
	_, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "B"))
	require.NoError(t, err)
	_, err = engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "C"))
	require.NoError(t, err)

	engine.probe = &fakeProbe{online: true}
	applied, err := engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)

	ent, err := engine.Entity(ctx, EntityPlace, "p1")
	require.NoError(t, err)
	require.Equal(t, "A", ent.Fields["name"])

	failed, err := engine.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	events := drainEvents(engine)
	require.Len(t, events, 1)
	require.Equal(t, EventMutationRejected, events[0].Type)
	require.Equal(t, "invalid name", events[0].Reason)
}

func TestFlushPendingRejectedDeleteReinsertsEntity(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		deleteFn: func(ctx context.Context, entityType, entityID string) (*EntityResult, error) {
			return &EntityResult{StatusCode: 409, Message: "in use"}, nil
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: false})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	_, err := engine.DeleteEntity(ctx, EntityPlace, "p1")
	require.NoError(t, err)
	_, err = engine.Entity(ctx, EntityPlace, "p1")
	require.ErrorIs(t, err, ErrEntityNotFound)

	engine.probe = &fakeProbe{online: true}
	_, err = engine.FlushPending(ctx)
	require.NoError(t, err)

	ent, err := engine.Entity(ctx, EntityPlace, "p1")
	require.NoError(t, err)
	require.Equal(t, "A", ent.Fields["name"])
}

func TestFlushPendingHaltsOnAuthFailure(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		updateFn: func(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error) {
			return &EntityResult{StatusCode: 401, Message: "token expired"}, nil
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: false})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})
	seedEntity(t, engine, EntityPlace, "p2", "t1", "r1", map[string]any{"name": "X"})

	_, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "B"))
	require.NoError(t, err)
	_, err = engine.UpdateEntity(ctx, EntityPlace, "p2", NewPatch().Set("name", "Y"))
	require.NoError(t, err)

	engine.probe = &fakeProbe{online: true}
	applied, err := engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)
	require.Equal(t, 1, api.updateCalls, "pass halts after the first auth failure")

	pending, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending, "nothing is dropped or rejected on auth failure")

	events := drainEvents(engine)
	require.Len(t, events, 1)
	require.Equal(t, EventAuthDegraded, events[0].Type)
}

func TestFlushPendingRecordsTransientFailures(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		updateFn: func(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error) {
			return &EntityResult{StatusCode: 503, Message: "maintenance"}, nil
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: false})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	_, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "B"))
	require.NoError(t, err)

	engine.probe = &fakeProbe{online: true}
	applied, err := engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)

	mutations, err := engine.listPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	require.Equal(t, 1, mutations[0].SyncAttempts)
	require.Contains(t, mutations[0].LastError, "503")
}

func TestFlushPendingStopsWhenConnectivityDrops(t *testing.T) {
	ctx := context.Background()
	probe := &fakeProbe{online: false}
	api := &fakeAPI{}
	engine := newTestEngine(t, api, probe)
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	_, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "B"))
	require.NoError(t, err)

	applied, err := engine.FlushPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, applied)
	require.Zero(t, api.updateCalls)
}
