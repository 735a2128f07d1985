package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/chartsync/internal/types"
)

const (
	defaultTimeout = 30 * time.Second

	// Read-only metadata calls get a couple of quick retries before the
	// caller's non-fatal fallback kicks in. Push is never retried here:
	// retries for writes belong to the calling layer.
	readRetries    = 2
	readRetryDelay = 500 * time.Millisecond
)

// HTTPStore talks to a blob host implementing the wire contract:
// GET /find, POST /push, GET /check, GET /pull, GET /versions.
type HTTPStore struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a client for the host at endpoint. apiKey may be
// empty for hosts without authentication.
func NewHTTPStore(endpoint, apiKey string) *HTTPStore {
	return &HTTPStore{
		endpoint: types.NormalizeEndpoint(endpoint),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: defaultTimeout},
	}
}

// Find discovers a blob id by room fingerprint. Any failure, network or
// not-found, yields ("", nil).
func (s *HTTPStore) Find(ctx context.Context, roomFingerprint string) (string, error) {
	var out struct {
		GistID string `json:"gistId"`
	}
	err := s.getJSONRetry(ctx, "/find", url.Values{"roomTag": {roomFingerprint}}, &out)
	if err != nil {
		slog.Debug("blob discovery failed",
			"component", "remote",
			"action", "find_failed",
			"error", err,
		)
		return "", nil
	}
	return out.GistID, nil
}

// Push uploads a new version. A non-success HTTP status fails loudly.
func (s *HTTPStore) Push(ctx context.Context, blobID, description, blob string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"gistId":      blobID,
		"description": description,
		"blob":        blob,
	})
	if err != nil {
		return "", fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/push", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: push: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("push: %s", readErrorBody(resp))
	}

	var out struct {
		GistID string `json:"gistId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode push response: %w", err)
	}
	if out.GistID == "" {
		return "", fmt.Errorf("push: host returned empty blob id")
	}
	return out.GistID, nil
}

// Check fetches blob metadata.
func (s *HTTPStore) Check(ctx context.Context, blobID string) (*CheckResult, error) {
	var out struct {
		Description string `json:"description"`
		UpdatedAt   string `json:"updatedAt"`
	}
	if err := s.getJSONRetry(ctx, "/check", url.Values{"gistId": {blobID}}, &out); err != nil {
		return nil, err
	}

	updatedAt, err := time.Parse(time.RFC3339, out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("check: invalid updatedAt %q: %w", out.UpdatedAt, err)
	}
	return &CheckResult{Description: out.Description, UpdatedAt: updatedAt}, nil
}

// Pull downloads the blob content, optionally a specific version.
func (s *HTTPStore) Pull(ctx context.Context, blobID, versionHandle string) (string, error) {
	query := url.Values{"gistId": {blobID}}
	if versionHandle != "" && versionHandle != types.VersionHandleLatest {
		query.Set("sha", versionHandle)
	}

	var out struct {
		Blob string `json:"blob"`
	}
	if err := s.getJSON(ctx, "/pull", query, &out); err != nil {
		return "", err
	}
	if out.Blob == "" {
		return "", fmt.Errorf("pull: host returned empty blob")
	}
	return out.Blob, nil
}

// ListVersions returns up to count versions, newest first. Failures and
// missing history both yield an empty slice.
func (s *HTTPStore) ListVersions(ctx context.Context, blobID string, count int) ([]types.RemoteVersion, error) {
	query := url.Values{
		"gistId": {blobID},
		"count":  {strconv.Itoa(count)},
	}

	var out []types.RemoteVersion
	if err := s.getJSONRetry(ctx, "/versions", query, &out); err != nil {
		slog.Debug("version listing failed",
			"component", "remote",
			"action", "versions_failed",
			"error", err,
		)
		return nil, nil
	}
	return out, nil
}

func (s *HTTPStore) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

// getJSON performs a single GET and decodes the JSON response.
func (s *HTTPStore) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+path+"?"+query.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	s.authorize(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s: %s", path, readErrorBody(resp))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// getJSONRetry wraps getJSON with bounded constant backoff. Only
// transport failures are retried; HTTP-level answers are final.
func (s *HTTPStore) getJSONRetry(ctx context.Context, path string, query url.Values, out any) error {
	backoff := retry.WithMaxRetries(readRetries, retry.NewConstant(readRetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.getJSON(ctx, path, query, out)
		if errors.Is(err, ErrUnreachable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, bytes.TrimSpace(body))
}
