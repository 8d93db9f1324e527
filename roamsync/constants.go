// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsync

// Submission statuses.
const (
	StApplied  = "applied"
	StSkipped  = "skipped"
	StRejected = "rejected"
)

// Rejection/skip reasons.
const (
	ReasonDuplicate         = "duplicate"
	ReasonAccuracyThreshold = "accuracy_threshold"
	ReasonParentMissing     = "parent_missing"
	ReasonUnknownEntity     = "unknown_entity"
	ReasonBadPayload        = "bad_payload"
)

// Entity types accepted by the sync API. Parent relationships mirror the
// client engine's dependency graph.
var entityParentType = map[string]string{
	"trip":    "",
	"region":  "trip",
	"place":   "region",
	"segment": "trip",
	"area":    "trip",
}

// IsValidEntityType reports whether the sync API accepts the entity type.
func IsValidEntityType(entityType string) bool {
	_, ok := entityParentType[entityType]
	return ok
}
