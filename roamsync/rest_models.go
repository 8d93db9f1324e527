// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsync

import "time"

// EntityUpsertRequest is the body of entity create and update calls.
type EntityUpsertRequest struct {
	TripID   string         `json:"trip_id,omitempty"`
	ParentID string         `json:"parent_id,omitempty"`
	Fields   map[string]any `json:"fields"`
}

// EntityResponse reports the outcome of an entity call.
type EntityResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"server_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

// LocationSubmitRequest is the body of a single location submission. The
// idempotency key rides the X-Idempotency-Key header so retried requests
// carry an identical body.
type LocationSubmitRequest struct {
	Latitude   float64   `json:"lat"`
	Longitude  float64   `json:"lon"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	Altitude   float64   `json:"altitude,omitempty"`
	Speed      float64   `json:"speed,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// LocationSubmitResponse reports whether the point was stored or skipped.
type LocationSubmitResponse struct {
	Status   string `json:"status"` // applied | skipped
	ServerID string `json:"server_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ErrorResponse is the uniform error body for non-2xx responses.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
