// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHandlers(t *testing.T) (*HTTPSyncHandlers, string) {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)
	// A nil service is fine for request-validation paths: they fail before
	// the service is touched.
	return NewHTTPSyncHandlers(nil, jwtAuth, nil), token
}

func TestHandlersRejectUnauthenticated(t *testing.T) {
	handlers, _ := newTestHandlers(t)
	mux := http.NewServeMux()
	handlers.Register(mux)

	paths := []struct {
		method, path string
	}{
		{http.MethodPost, "/sync/entities/place"},
		{http.MethodPut, "/sync/entities/place/p1"},
		{http.MethodDelete, "/sync/entities/place/p1"},
		{http.MethodPost, "/sync/locations"},
	}
	for _, p := range paths {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(p.method, p.path, strings.NewReader("{}")))
		require.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", p.method, p.path)

		var errResp ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
		require.Equal(t, "authentication_failed", errResp.Error)
	}
}

func TestHandlersRejectMalformedBody(t *testing.T) {
	handlers, token := newTestHandlers(t)
	mux := http.NewServeMux()
	handlers.Register(mux)

	for _, p := range []struct {
		method, path string
	}{
		{http.MethodPost, "/sync/entities/place"},
		{http.MethodPut, "/sync/entities/place/p1"},
		{http.MethodPost, "/sync/locations"},
	} {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(p.method, p.path, strings.NewReader("{not json"))
		r.Header.Set("Authorization", "Bearer "+token)
		mux.ServeHTTP(rec, r)
		require.Equal(t, http.StatusBadRequest, rec.Code, "%s %s", p.method, p.path)
	}
}

func TestWriteEntityResponseStatusMapping(t *testing.T) {
	handlers, _ := newTestHandlers(t)

	tests := []struct {
		name string
		resp *EntityResponse
		want int
	}{
		{"applied", &EntityResponse{Status: StApplied, ServerID: "e1"}, http.StatusOK},
		{"unknown entity", &EntityResponse{Status: StRejected, Reason: ReasonUnknownEntity}, http.StatusNotFound},
		{"bad payload", &EntityResponse{Status: StRejected, Reason: ReasonBadPayload}, http.StatusBadRequest},
		{"parent missing", &EntityResponse{Status: StRejected, Reason: ReasonParentMissing}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handlers.writeEntityResponse(rec, tt.resp)
			require.Equal(t, tt.want, rec.Code)
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var got EntityResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			require.Equal(t, tt.resp.Status, got.Status)
		})
	}
}

func TestIsValidEntityType(t *testing.T) {
	for _, valid := range []string{"trip", "region", "place", "segment", "area"} {
		require.True(t, IsValidEntityType(valid), valid)
	}
	require.False(t, IsValidEntityType("boat"))
	require.False(t, IsValidEntityType(""))
}
