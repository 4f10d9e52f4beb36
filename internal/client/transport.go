package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/MarcoPoloResearchLab/docrelay/internal/protocol"
)

// ErrUpdateNotFound indicates the relay no longer holds a referenced update.
// Callers skip the update rather than failing the pull cycle.
var ErrUpdateNotFound = errors.New("client: update not found")

// apiClient speaks the relay wire protocol over HTTP.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
}

func (a *apiClient) syncState(ctx context.Context, docID, clientID string, lastSyncMillis int64, includeLastSync bool) (protocol.SyncStateResponse, error) {
	query := url.Values{}
	query.Set("docId", docID)
	query.Set("clientId", clientID)
	if includeLastSync {
		query.Set("lastSync", strconv.FormatInt(lastSyncMillis, 10))
	}

	var response protocol.SyncStateResponse
	if err := a.getJSON(ctx, query, false, &response); err != nil {
		return protocol.SyncStateResponse{}, err
	}
	return response, nil
}

func (a *apiClient) longPoll(ctx context.Context, docID, clientID string, lastSyncMillis int64) (protocol.PollResponse, error) {
	query := url.Values{}
	query.Set("docId", docID)
	query.Set("clientId", clientID)
	query.Set("lastSync", strconv.FormatInt(lastSyncMillis, 10))
	query.Set("longPoll", "true")

	var response protocol.PollResponse
	if err := a.getJSON(ctx, query, true, &response); err != nil {
		return protocol.PollResponse{}, err
	}
	return response, nil
}

func (a *apiClient) fetchUpdate(ctx context.Context, docID, updateID string) (protocol.FetchResponse, error) {
	body, err := json.Marshal(protocol.FetchRequest{DocID: docID, UpdateID: updateID})
	if err != nil {
		return protocol.FetchResponse{}, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, a.baseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return protocol.FetchResponse{}, err
	}
	a.applyHeaders(request, false)

	resp, err := a.httpClient.Do(request)
	if err != nil {
		return protocol.FetchResponse{}, err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return protocol.FetchResponse{}, ErrUpdateNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.FetchResponse{}, fmt.Errorf("fetch update failed: status %d", resp.StatusCode)
	}

	var response protocol.FetchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return protocol.FetchResponse{}, err
	}
	return response, nil
}

func (a *apiClient) pushUpdate(ctx context.Context, pushRequest protocol.PushRequest) (protocol.PushResponse, error) {
	var response protocol.PushResponse
	if err := a.postJSON(ctx, "/sync", pushRequest, &response); err != nil {
		return protocol.PushResponse{}, err
	}
	return response, nil
}

func (a *apiClient) pushSnapshot(ctx context.Context, snapshotRequest protocol.SnapshotRequest) (protocol.SnapshotResponse, error) {
	var response protocol.SnapshotResponse
	if err := a.postJSON(ctx, "/sync/snapshot", snapshotRequest, &response); err != nil {
		return protocol.SnapshotResponse{}, err
	}
	return response, nil
}

func (a *apiClient) getJSON(ctx context.Context, query url.Values, noCache bool, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/sync?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	a.applyHeaders(request, noCache)

	resp, err := a.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync request failed: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *apiClient) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	a.applyHeaders(request, false)

	resp, err := a.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync push failed: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *apiClient) applyHeaders(request *http.Request, noCache bool) {
	request.Header.Set("Content-Type", "application/json")
	if noCache {
		request.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	}
	if a.authToken != "" {
		request.Header.Set("Authorization", "Bearer "+a.authToken)
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
