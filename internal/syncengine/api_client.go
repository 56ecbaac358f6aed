package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// AccessTokenProvider supplies the bearer credential for a tenant session.
type AccessTokenProvider func(ctx context.Context, tenantID string) (string, error)

// PullPage is one window of the incremental feed for a single entity type.
// ServerTime is the authoritative store's clock at response time and is the
// only value the cursor ever advances to.
type PullPage struct {
	Records    []RemoteRecord `json:"records"`
	ServerTime time.Time      `json:"serverTime"`
	HasMore    bool           `json:"hasMore"`
}

// RemoteClient is the engine's view of the authoritative store. All calls
// are single attempt: retry policy and outcome classification live in the
// push worker, not here.
type RemoteClient interface {
	// PushUpsert creates or updates an entity keyed by its natural ID. The
	// server treats replays of the same mutation as no-ops.
	PushUpsert(ctx context.Context, rec MutationRecord) error
	// PushDelete removes an entity. Deleting an already-deleted entity
	// succeeds.
	PushDelete(ctx context.Context, rec MutationRecord) error
	// PullEntities fetches records of one type changed since the cursor.
	PullEntities(ctx context.Context, tenantID, entityType string, since time.Time, limit int) (PullPage, error)
	// Health is the connectivity probe target.
	Health(ctx context.Context) error
}

type RemoteClientOptions struct {
	BaseURL       string
	TokenProvider AccessTokenProvider
	HTTPClient    *http.Client
	UserAgent     string
}

type HTTPRemoteClient struct {
	baseURL       string
	tokenProvider AccessTokenProvider
	httpClient    *http.Client
	userAgent     string
}

func NewHTTPRemoteClient(opts RemoteClientOptions) *HTTPRemoteClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &HTTPRemoteClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
	}
}

type upsertRequest struct {
	EntityID   string          `json:"entityId"`
	MutationID string          `json:"mutationId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (c *HTTPRemoteClient) PushUpsert(ctx context.Context, rec MutationRecord) error {
	body, err := json.Marshal(upsertRequest{
		EntityID:   rec.EntityID,
		MutationID: rec.ID,
		Payload:    rec.Payload,
	})
	if err != nil {
		return err
	}
	path := "/entities/" + url.PathEscape(rec.EntityType)
	resp, err := c.do(ctx, http.MethodPost, path, rec.TenantID, body)
	if err != nil {
		return err
	}
	return drainResponse(resp)
}

func (c *HTTPRemoteClient) PushDelete(ctx context.Context, rec MutationRecord) error {
	path := "/entities/" + url.PathEscape(rec.EntityType) + "/" + url.PathEscape(rec.EntityID)
	resp, err := c.do(ctx, http.MethodDelete, path, rec.TenantID, nil)
	if err != nil {
		return err
	}
	return drainResponse(resp)
}

func (c *HTTPRemoteClient) PullEntities(ctx context.Context, tenantID, entityType string, since time.Time, limit int) (PullPage, error) {
	query := url.Values{}
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/entities/" + url.PathEscape(entityType)
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	resp, err := c.do(ctx, http.MethodGet, path, tenantID, nil)
	if err != nil {
		return PullPage{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return PullPage{}, httpErrorFromResponse(resp)
	}
	var page PullPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return PullPage{}, fmt.Errorf("decode pull page: %w", err)
	}
	return page, nil
}

func (c *HTTPRemoteClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	return drainResponse(resp)
}

func (c *HTTPRemoteClient) do(ctx context.Context, method, path, tenantID string, body []byte) (*http.Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrInvalidInput
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if c.tokenProvider != nil {
		token, tokenErr := c.tokenProvider(ctx, tenantID)
		if tokenErr != nil {
			return nil, tokenErr
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	req.Header.Set("X-Tenant-Id", tenantID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	return c.httpClient.Do(req)
}

func drainResponse(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return httpErrorFromResponse(resp)
}

func httpErrorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if code, ok := parsed["code"].(string); ok {
			httpErr.Code = code
		}
		if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
			httpErr.Message = message
		}
	}
	return httpErr
}
