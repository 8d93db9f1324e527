// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package roamsqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mobiletoly/go-roamsync/roamsync"
)

// EntityResult is the engine-visible outcome of a remote entity call. A nil
// result with a non-nil error means the request never produced a response
// (transport failure).
type EntityResult struct {
	ServerID   string
	StatusCode int
	Message    string
}

// LocationResult is the engine-visible outcome of a location submission.
type LocationResult struct {
	Success    bool
	Skipped    bool
	ServerID   string
	StatusCode int
	Message    string
}

// RemoteAPI is the remote service contract the engine consumes. Methods
// return an error only for transport-level failures; semantic outcomes ride
// the result's status code and flags so the Failure Classifier can map them.
type RemoteAPI interface {
	CreateEntity(ctx context.Context, entityType, tripID, parentID string, fields map[string]any) (*EntityResult, error)
	UpdateEntity(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error)
	DeleteEntity(ctx context.Context, entityType, entityID string) (*EntityResult, error)
	SubmitLocation(ctx context.Context, ping *QueuedPing) (*LocationResult, error)
}

func statusOf(res *EntityResult) int {
	if res == nil {
		return 0
	}
	return res.StatusCode
}

func messageOf(res *EntityResult) string {
	if res == nil {
		return ""
	}
	return res.Message
}

// HTTPRemoteAPI talks to a roamsync server over HTTP with bearer-token auth.
type HTTPRemoteAPI struct {
	BaseURL string
	Token   func(context.Context) (string, error)
	HTTP    *http.Client
}

// NewHTTPRemoteAPI creates an HTTP-backed RemoteAPI client.
func NewHTTPRemoteAPI(baseURL string, token func(context.Context) (string, error)) *HTTPRemoteAPI {
	return &HTTPRemoteAPI{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *HTTPRemoteAPI) CreateEntity(ctx context.Context, entityType, tripID, parentID string, fields map[string]any) (*EntityResult, error) {
	req := &roamsync.EntityUpsertRequest{TripID: tripID, ParentID: parentID, Fields: fields}
	endpoint := fmt.Sprintf("%s/sync/entities/%s", a.BaseURL, url.PathEscape(entityType))
	return a.doEntityRequest(ctx, http.MethodPost, endpoint, req, nil)
}

func (a *HTTPRemoteAPI) UpdateEntity(ctx context.Context, entityType, entityID string, fields map[string]any) (*EntityResult, error) {
	req := &roamsync.EntityUpsertRequest{Fields: fields}
	endpoint := fmt.Sprintf("%s/sync/entities/%s/%s", a.BaseURL, url.PathEscape(entityType), url.PathEscape(entityID))
	return a.doEntityRequest(ctx, http.MethodPut, endpoint, req, nil)
}

func (a *HTTPRemoteAPI) DeleteEntity(ctx context.Context, entityType, entityID string) (*EntityResult, error) {
	endpoint := fmt.Sprintf("%s/sync/entities/%s/%s", a.BaseURL, url.PathEscape(entityType), url.PathEscape(entityID))
	return a.doEntityRequest(ctx, http.MethodDelete, endpoint, nil, nil)
}

// SubmitLocation submits one ping. The idempotency key rides a header and is
// stable across retries so the server can deduplicate.
func (a *HTTPRemoteAPI) SubmitLocation(ctx context.Context, ping *QueuedPing) (*LocationResult, error) {
	req := &roamsync.LocationSubmitRequest{
		Latitude:   ping.Latitude,
		Longitude:  ping.Longitude,
		Accuracy:   ping.Accuracy,
		Altitude:   ping.Altitude,
		Speed:      ping.Speed,
		Provider:   ping.Provider,
		RecordedAt: ping.RecordedAt,
	}
	headers := map[string]string{"X-Idempotency-Key": ping.Key}

	statusCode, body, err := a.doRequest(ctx, http.MethodPost, a.BaseURL+"/sync/locations", req, headers)
	if err != nil {
		return nil, err
	}
	result := &LocationResult{StatusCode: statusCode}
	if statusCode < 200 || statusCode >= 300 {
		result.Message = errorMessage(body)
		return result, nil
	}
	var resp roamsync.LocationSubmitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode location response: %w", err)
	}
	result.Success = resp.Status == roamsync.StApplied
	result.Skipped = resp.Status == roamsync.StSkipped
	result.ServerID = resp.ServerID
	result.Message = firstNonEmpty(resp.Reason, resp.Message)
	return result, nil
}

func (a *HTTPRemoteAPI) doEntityRequest(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (*EntityResult, error) {
	statusCode, body, err := a.doRequest(ctx, method, endpoint, payload, headers)
	if err != nil {
		return nil, err
	}
	result := &EntityResult{StatusCode: statusCode}
	if statusCode < 200 || statusCode >= 300 {
		result.Message = errorMessage(body)
		return result, nil
	}
	var resp roamsync.EntityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode entity response: %w", err)
	}
	result.ServerID = resp.ServerID
	result.Message = firstNonEmpty(resp.Reason, resp.Message)
	return result, nil
}

func (a *HTTPRemoteAPI) doRequest(ctx context.Context, method, endpoint string, payload any, headers map[string]string) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	token, err := a.Token(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := a.HTTP.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func errorMessage(body []byte) string {
	var errResp roamsync.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return errResp.Message
	}
	return sanitizeMessage(string(body))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
