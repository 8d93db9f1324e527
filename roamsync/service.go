// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceConfig holds tunables for the sync service.
type ServiceConfig struct {
	AppName string
	// MaxAccuracyMeters rejects (skips) location points whose reported
	// horizontal accuracy is worse than this. 0 disables the check.
	MaxAccuracyMeters float64
}

// SyncService implements the remote API the client engine consumes: entity
// CRUD with parent validation plus idempotent location point ingestion.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
}

// NewSyncService creates a sync service from an existing pool.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if config == nil {
		config = &ServiceConfig{AppName: "go-roamsync", MaxAccuracyMeters: 100}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{pool: pool, logger: logger, config: config}, nil
}

// CreateEntity stores a new entity and returns its server id. A create whose
// parent id is unknown to the server is rejected with ReasonParentMissing —
// the server-side counterpart of the client's dependency resolver.
func (s *SyncService) CreateEntity(ctx context.Context, userID, entityType string, req *EntityUpsertRequest) (*EntityResponse, error) {
	if !IsValidEntityType(entityType) {
		return &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity,
			Message: fmt.Sprintf("unknown entity type %q", entityType)}, nil
	}

	if req.ParentID != "" {
		parentType := entityParentType[entityType]
		exists, err := s.entityExists(ctx, userID, parentType, req.ParentID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return &EntityResponse{Status: StRejected, Reason: ReasonParentMissing,
				Message: fmt.Sprintf("parent %s %q does not exist", parentType, req.ParentID)}, nil
		}
	}

	payload, err := json.Marshal(req.Fields)
	if err != nil {
		return &EntityResponse{Status: StRejected, Reason: ReasonBadPayload, Message: err.Error()}, nil
	}

	serverID := uuid.New()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO roamsync.entities (id, user_id, entity_type, trip_id, parent_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, serverID, userID, entityType, req.TripID, req.ParentID, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}

	return &EntityResponse{Status: StApplied, ServerID: serverID.String()}, nil
}

// UpdateEntity merges the submitted fields into the stored payload.
func (s *SyncService) UpdateEntity(ctx context.Context, userID, entityType, entityID string, req *EntityUpsertRequest) (*EntityResponse, error) {
	if !IsValidEntityType(entityType) {
		return &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity,
			Message: fmt.Sprintf("unknown entity type %q", entityType)}, nil
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity,
			Message: "entity id must be a UUID"}, nil
	}
	patch, err := json.Marshal(req.Fields)
	if err != nil {
		return &EntityResponse{Status: StRejected, Reason: ReasonBadPayload, Message: err.Error()}, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE roamsync.entities
		SET payload = payload || $1::jsonb, updated_at = now()
		WHERE id = $2 AND user_id = $3 AND entity_type = $4
	`, patch, id, userID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity,
			Message: fmt.Sprintf("%s %q does not exist", entityType, entityID)}, nil
	}
	return &EntityResponse{Status: StApplied, ServerID: entityID}, nil
}

// DeleteEntity removes an entity.
func (s *SyncService) DeleteEntity(ctx context.Context, userID, entityType, entityID string) (*EntityResponse, error) {
	if !IsValidEntityType(entityType) {
		return &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity,
			Message: fmt.Sprintf("unknown entity type %q", entityType)}, nil
	}
	id, err := uuid.Parse(entityID)
	if err != nil {
		return &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity,
			Message: "entity id must be a UUID"}, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM roamsync.entities
		WHERE id = $1 AND user_id = $2 AND entity_type = $3
	`, id, userID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity,
			Message: fmt.Sprintf("%s %q does not exist", entityType, entityID)}, nil
	}
	return &EntityResponse{Status: StApplied, ServerID: entityID}, nil
}

// SubmitLocation stores one location point. Idempotent on the client key: a
// retried submission reports skipped/duplicate instead of storing a second
// row. Points with accuracy worse than the configured threshold are skipped
// without being stored.
func (s *SyncService) SubmitLocation(ctx context.Context, userID, deviceID, idempotencyKey string, req *LocationSubmitRequest) (*LocationSubmitResponse, error) {
	if idempotencyKey == "" {
		return &LocationSubmitResponse{Status: StSkipped, Reason: ReasonBadPayload,
			Message: "X-Idempotency-Key header is required"}, nil
	}
	if s.config.MaxAccuracyMeters > 0 && req.Accuracy > s.config.MaxAccuracyMeters {
		return &LocationSubmitResponse{Status: StSkipped, Reason: ReasonAccuracyThreshold,
			Message: fmt.Sprintf("accuracy %.0fm exceeds threshold %.0fm", req.Accuracy, s.config.MaxAccuracyMeters)}, nil
	}

	var serverID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roamsync.location_points
			(user_id, device_id, idempotency_key, latitude, longitude, accuracy, altitude, speed, provider, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
		RETURNING id
	`, userID, deviceID, idempotencyKey, req.Latitude, req.Longitude, req.Accuracy,
		req.Altitude, req.Speed, req.Provider, req.RecordedAt).Scan(&serverID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict path: the key was already stored by an earlier attempt.
		return &LocationSubmitResponse{Status: StSkipped, Reason: ReasonDuplicate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert location point: %w", err)
	}
	return &LocationSubmitResponse{Status: StApplied, ServerID: serverID.String()}, nil
}

func (s *SyncService) entityExists(ctx context.Context, userID, entityType, entityID string) (bool, error) {
	id, err := uuid.Parse(entityID)
	if err != nil {
		// Not a server id (e.g. a client temp id that leaked); treat as
		// unknown rather than erroring.
		return false, nil
	}
	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM roamsync.entities
			WHERE id = $1 AND user_id = $2 AND entity_type = $3)
	`, id, userID, entityType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check parent existence: %w", err)
	}
	return exists, nil
}
