// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package auth

import "context"

type contextKey string

const (
	userIDKey   contextKey = "roamsync.user_id"
	deviceIDKey contextKey = "roamsync.device_id"
)

// SetIdentity stores the authenticated user and device on the request context.
func SetIdentity(ctx context.Context, userID, deviceID string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// UserID returns the authenticated user id, if present.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}

// DeviceID returns the authenticated device id, if present.
func DeviceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(deviceIDKey).(string)
	return v, ok && v != ""
}
