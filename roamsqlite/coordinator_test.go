// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOnlineUpdateDoesNotBlockPingCapture(t *testing.T) {
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
	engine := newTestEngine(t, api, &fakeProbe{online: true})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	results := make(chan *OpResult, 1)
	updateErrs := make(chan error, 1)
	go func() {
		res, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "B"))
		updateErrs <- err
		results <- res
	}()
	<-entered

	enqueued := make(chan error, 1)
	go func() {
		enqueued <- engine.EnqueuePing(ctx, &QueuedPing{Key: "fix-1", Latitude: 1, Longitude: 1})
	}()
	select {
	case err := <-enqueued:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ping capture blocked behind the remote update")
	}

	close(release)
	require.NoError(t, <-updateErrs)
	res := <-results
	require.Equal(t, OpCompleted, res.Status)
}

func TestCreateEntityOnlineCompletes(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	engine := newTestEngine(t, api, &fakeProbe{online: true})

	res, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch().Set("name", "Baltics"))
	require.NoError(t, err)
	require.Equal(t, OpCompleted, res.Status)
	require.Equal(t, "server-1", res.EntityID)

	ent, err := engine.Entity(ctx, EntityTrip, "server-1")
	require.NoError(t, err)
	require.Equal(t, "Baltics", ent.Fields["name"])

	pending, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestCreateEntityOfflineQueuesUnderTempID(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	engine := newTestEngine(t, api, &fakeProbe{online: false})

	res, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch().Set("name", "Baltics"))
	require.NoError(t, err)
	require.Equal(t, OpQueued, res.Status)
	require.Equal(t, "offline", res.Reason)
	require.True(t, isTempID(res.EntityID))
	require.Zero(t, api.createCalls, "no remote attempt while offline")

	ent, err := engine.Entity(ctx, EntityTrip, res.EntityID)
	require.NoError(t, err)
	require.Equal(t, "Baltics", ent.Fields["name"])
}

func TestCreateEntityDefersWhileParentCreatePending(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	engine := newTestEngine(t, api, &fakeProbe{online: false})

	tripRes, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch().Set("name", "Trip"))
	require.NoError(t, err)

	// Back online, but the region's parent trip has never been acknowledged:
	// the region create must be queued, not attempted.
	engine.probe = &fakeProbe{online: true}
	regionRes, err := engine.CreateEntity(ctx, EntityRegion, tripRes.EntityID, tripRes.EntityID, "",
		NewPatch().Set("name", "North"))
	require.NoError(t, err)
	require.Equal(t, OpQueued, regionRes.Status)
	require.Equal(t, "parent create pending", regionRes.Reason)
	require.Zero(t, api.createCalls)
}

func TestCreateEntityRejectedKeepsNothing(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		createFn: func(ctx context.Context, entityType, tripID, parentID string, fields map[string]any) (*EntityResult, error) {
			return &EntityResult{StatusCode: 422, Message: "name required"}, nil
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: true})

	res, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch())
	require.NoError(t, err)
	require.Equal(t, OpRejected, res.Status)
	require.Equal(t, "name required", res.Reason)

	pending, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestCreateEntityTransientFailureFallsBackToQueue(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		createFn: func(ctx context.Context, entityType, tripID, parentID string, fields map[string]any) (*EntityResult, error) {
			return nil, errors.New("connection reset")
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: true})

	res, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch().Set("name", "Trip"))
	require.NoError(t, err)
	require.Equal(t, OpQueued, res.Status)
	require.True(t, isTempID(res.EntityID))

	pending, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
}

func TestUpdateEntityOnlineAppliesOptimistically(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, &fakeAPI{}, &fakeProbe{online: true})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	res, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch().Set("name", "B"))
	require.NoError(t, err)
	require.Equal(t, OpCompleted, res.Status)

	ent, err := engine.Entity(ctx, EntityPlace, "p1")
	require.NoError(t, err)
	require.Equal(t, "B", ent.Fields["name"])

	pending, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestUpdateEntityRejectedRollsBack(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		updateFn: func(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error) {
			return &EntityResult{StatusCode: 422, Message: "bad rating"}, nil
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: true})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	res, err := engine.UpdateEntity(ctx, EntityPlace, "p1",
		NewPatch().Set("name", "B").Set("rating", float64(11)))
	require.NoError(t, err)
	require.Equal(t, OpRejected, res.Status)
	require.Equal(t, "bad rating", res.Reason)

	ent, err := engine.Entity(ctx, EntityPlace, "p1")
	require.NoError(t, err)
	require.Equal(t, "A", ent.Fields["name"])
	require.NotContains(t, ent.Fields, "rating", "a field the entity never had is removed again")
}

func TestUpdateEntityMissingEntity(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, &fakeAPI{}, &fakeProbe{online: true})

	_, err := engine.UpdateEntity(ctx, EntityPlace, "ghost", NewPatch().Set("name", "B"))
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestUpdateEntityEmptyPatchIsNoOp(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	engine := newTestEngine(t, api, &fakeProbe{online: true})

	res, err := engine.UpdateEntity(ctx, EntityPlace, "p1", NewPatch())
	require.NoError(t, err)
	require.Equal(t, OpCompleted, res.Status)
	require.Zero(t, api.updateCalls)
}

func TestDeleteUnsyncedCreateCancelsLocally(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	engine := newTestEngine(t, api, &fakeProbe{online: false})

	res, err := engine.CreateEntity(ctx, EntityTrip, "", "", "", NewPatch().Set("name", "Trip"))
	require.NoError(t, err)

	engine.probe = &fakeProbe{online: true}
	delRes, err := engine.DeleteEntity(ctx, EntityTrip, res.EntityID)
	require.NoError(t, err)
	require.Equal(t, OpCompleted, delRes.Status)
	require.Equal(t, "never synced", delRes.Reason)
	require.Zero(t, api.deleteCalls, "the server never saw this entity")

	_, err = engine.Entity(ctx, EntityTrip, res.EntityID)
	require.ErrorIs(t, err, ErrEntityNotFound)
	pending, err := engine.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, pending)
}

func TestDeleteEntityRejectedReinsertsEntity(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{
		deleteFn: func(ctx context.Context, entityType, entityID string) (*EntityResult, error) {
			return &EntityResult{StatusCode: 409, Message: "trip is shared"}, nil
		},
	}
	engine := newTestEngine(t, api, &fakeProbe{online: true})
	seedEntity(t, engine, EntityTrip, "t1", "", "", map[string]any{"name": "Trip"})

	res, err := engine.DeleteEntity(ctx, EntityTrip, "t1")
	require.NoError(t, err)
	require.Equal(t, OpRejected, res.Status)

	ent, err := engine.Entity(ctx, EntityTrip, "t1")
	require.NoError(t, err)
	require.Equal(t, "Trip", ent.Fields["name"])
}

func TestDeleteEntityOfflineQueuesWithSnapshot(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, &fakeAPI{}, &fakeProbe{online: false})
	seedEntity(t, engine, EntityPlace, "p1", "t1", "r1", map[string]any{"name": "A"})

	res, err := engine.DeleteEntity(ctx, EntityPlace, "p1")
	require.NoError(t, err)
	require.Equal(t, OpQueued, res.Status)

	_, err = engine.Entity(ctx, EntityPlace, "p1")
	require.ErrorIs(t, err, ErrEntityNotFound)

	mutations, err := engine.listPendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	require.Equal(t, OpDelete, mutations[0].Op)
	v, _ := mutations[0].OriginalValues.Get("name")
	require.Equal(t, "A", v)
}

func TestUnknownEntityTypeRejectedUpFront(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(t, &fakeAPI{}, &fakeProbe{online: true})

	_, err := engine.CreateEntity(ctx, "boat", "", "", "", NewPatch())
	require.Error(t, err)
	_, err = engine.UpdateEntity(ctx, "boat", "x", NewPatch().Set("name", "y"))
	require.Error(t, err)
	_, err = engine.DeleteEntity(ctx, "boat", "x")
	require.Error(t, err)
}

func TestEntityDepth(t *testing.T) {
	require.Equal(t, 0, entityDepth(EntityTrip))
	require.Equal(t, 1, entityDepth(EntityRegion))
	require.Equal(t, 2, entityDepth(EntityPlace))
	require.Equal(t, 1, entityDepth(EntitySegment))
	require.Equal(t, 1, entityDepth(EntityArea))
}
