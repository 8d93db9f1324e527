// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsync

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts user and device identity from HTTP requests.
// Implementations validate auth (e.g. JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers exposes the sync service over HTTP.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates the handler set.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{service: service, authenticator: authenticator, logger: logger}
}

// Register installs the sync routes on the mux.
func (h *HTTPSyncHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/entities/{type}", h.HandleEntityCreate)
	mux.HandleFunc("PUT /sync/entities/{type}/{id}", h.HandleEntityUpdate)
	mux.HandleFunc("DELETE /sync/entities/{type}/{id}", h.HandleEntityDelete)
	mux.HandleFunc("POST /sync/locations", h.HandleLocationSubmit)
}

// HandleEntityCreate processes entity create requests.
func (h *HTTPSyncHandlers) HandleEntityCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req EntityUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse entity request")
		return
	}
	resp, err := h.service.CreateEntity(r.Context(), userID, r.PathValue("type"), &req)
	if err != nil {
		h.logger.Error("Failed to create entity", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "create_failed", "Failed to create entity")
		return
	}
	h.writeEntityResponse(w, resp)
}

// HandleEntityUpdate processes entity update requests.
func (h *HTTPSyncHandlers) HandleEntityUpdate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	var req EntityUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse entity request")
		return
	}
	resp, err := h.service.UpdateEntity(r.Context(), userID, r.PathValue("type"), r.PathValue("id"), &req)
	if err != nil {
		h.logger.Error("Failed to update entity", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "update_failed", "Failed to update entity")
		return
	}
	h.writeEntityResponse(w, resp)
}

// HandleEntityDelete processes entity delete requests.
func (h *HTTPSyncHandlers) HandleEntityDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	resp, err := h.service.DeleteEntity(r.Context(), userID, r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		h.logger.Error("Failed to delete entity", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete entity")
		return
	}
	h.writeEntityResponse(w, resp)
}

// HandleLocationSubmit processes a single location point submission.
func (h *HTTPSyncHandlers) HandleLocationSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	deviceID, err := h.authenticator.GetDeviceID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return
	}
	var req LocationSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse location request")
		return
	}
	key := r.Header.Get("X-Idempotency-Key")
	resp, err := h.service.SubmitLocation(r.Context(), userID, deviceID, key, &req)
	if err != nil {
		h.logger.Error("Failed to store location point", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "location_failed", "Failed to store location point")
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPSyncHandlers) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", false
	}
	return userID, true
}

// writeEntityResponse maps semantic rejections to the status codes the client
// classifier distinguishes: unknown targets are 404, other rejections 422.
func (h *HTTPSyncHandlers) writeEntityResponse(w http.ResponseWriter, resp *EntityResponse) {
	status := http.StatusOK
	if resp.Status == StRejected {
		switch resp.Reason {
		case ReasonUnknownEntity:
			status = http.StatusNotFound
		case ReasonBadPayload:
			status = http.StatusBadRequest
		default:
			status = http.StatusUnprocessableEntity
		}
	}
	h.writeJSON(w, status, resp)
}

func (h *HTTPSyncHandlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, &ErrorResponse{Error: code, Message: message})
}
