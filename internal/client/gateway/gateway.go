// Package gateway is the typed HTTP client of the FlashKeeper backend.
//
// Authenticated calls carry the stored access token as a bearer token. A 401
// triggers one token refresh, shared by every concurrent caller, and the
// call is retried once. When the refresh itself is rejected the stored
// tokens are cleared and ErrUnauthorized is returned.
package gateway

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
	"strings"
	"time"

	"github.com/atinyakov/FlashKeeper/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrUnauthorized means the user must log in again.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNetwork wraps transport failures: the backend could not be reached.
	ErrNetwork = errors.New("network unavailable")
)

// StatusError is returned for non-2xx responses other than a final 401.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Body)
}

// TokenStore persists the token pair between runs.
type TokenStore interface {
	GetTokens(ctx context.Context) (*models.TokenPair, error)
	PutTokens(ctx context.Context, tokens models.TokenPair) error
	ClearTokens(ctx context.Context) error
}

// Client talks to the backend API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
	logger  *zap.Logger

	refreshGroup singleflight.Group
}

// New returns a Client for baseURL. A nil httpClient uses a client with a
// 10 second timeout.
func New(baseURL string, httpClient *http.Client, tokens TokenStore, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		tokens:  tokens,
		logger:  logger,
	}
}

// Register creates an account and stores the issued tokens.
func (c *Client) Register(ctx context.Context, creds models.Credentials) (models.AuthResponse, error) {
	return c.authenticate(ctx, "/api/auth/register", creds)
}

// Login authenticates and stores the issued tokens.
func (c *Client) Login(ctx context.Context, creds models.Credentials) (models.AuthResponse, error) {
	return c.authenticate(ctx, "/api/auth/login", creds)
}

func (c *Client) authenticate(ctx context.Context, path string, creds models.Credentials) (models.AuthResponse, error) {
	var resp models.AuthResponse
	if err := c.do(ctx, http.MethodPost, path, creds, &resp, false); err != nil {
		return resp, err
	}
	if err := c.tokens.PutTokens(ctx, resp.Token); err != nil {
		return resp, fmt.Errorf("save tokens: %w", err)
	}
	return resp, nil
}

// Logout revokes the refresh token on the server and forgets the local
// tokens. Local tokens are cleared even when the server cannot be reached.
func (c *Client) Logout(ctx context.Context) error {
	tokens, err := c.tokens.GetTokens(ctx)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	var remoteErr error
	if tokens != nil {
		remoteErr = c.do(ctx, http.MethodPost, "/api/auth/logout", models.RefreshRequest{RefreshToken: tokens.RefreshToken}, nil, false)
	}
	return errors.Join(remoteErr, c.tokens.ClearTokens(ctx))
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent
// callers share one request.
func (c *Client) Refresh(ctx context.Context) (models.TokenPair, error) {
	v, err, shared := c.refreshGroup.Do("refresh", func() (any, error) {
		// One caller giving up must not cancel the refresh for the others.
		return c.refresh(context.WithoutCancel(ctx))
	})
	if shared {
		c.logger.Debug("shared token refresh")
	}
	if err != nil {
		return models.TokenPair{}, err
	}
	return v.(models.TokenPair), nil
}

func (c *Client) refresh(ctx context.Context) (models.TokenPair, error) {
	tokens, err := c.tokens.GetTokens(ctx)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("load tokens: %w", err)
	}
	if tokens == nil || tokens.RefreshToken == "" {
		return models.TokenPair{}, ErrUnauthorized
	}

	var resp models.AuthResponse
	err = c.do(ctx, http.MethodPost, "/api/auth/refresh", models.RefreshRequest{RefreshToken: tokens.RefreshToken}, &resp, false)
	var statusErr *StatusError
	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized) || (errors.As(err, &statusErr) && statusErr.Code < 500):
		c.logger.Info("refresh token rejected, clearing session", zap.Error(err))
		return models.TokenPair{}, errors.Join(ErrUnauthorized, c.tokens.ClearTokens(ctx))
	default:
		return models.TokenPair{}, err
	}

	if err := c.tokens.PutTokens(ctx, resp.Token); err != nil {
		return models.TokenPair{}, fmt.Errorf("save tokens: %w", err)
	}
	return resp.Token, nil
}

// Dump fetches the full server state of the user.
func (c *Client) Dump(ctx context.Context) (models.UserSnapshot, error) {
	var snap models.UserSnapshot
	err := c.do(ctx, http.MethodGet, "/api/sync/dump", nil, &snap, true)
	return snap, err
}

// Sync sends a batch of mutations and returns the received counts and the
// placeholder id map.
func (c *Client) Sync(ctx context.Context, req models.SyncRequest) (models.SyncResponse, error) {
	var resp models.SyncResponse
	err := c.do(ctx, http.MethodPost, "/api/sync", req, &resp, true)
	return resp, err
}

// UpdateDatasetSelection replaces the user's dataset selection.
func (c *Client) UpdateDatasetSelection(ctx context.Context, selected []string) (models.DatasetSelection, error) {
	var resp models.DatasetSelection
	err := c.do(ctx, http.MethodPost, "/api/datasets/selection", models.DatasetSelectionRequest{Selected: selected}, &resp, true)
	return resp, err
}

// Schedule asks for up to n cards to study, optionally within a collection.
func (c *Client) Schedule(ctx context.Context, n int, collection *models.ID) (models.ScheduleResponse, error) {
	q := url.Values{}
	q.Set("n", strconv.Itoa(n))
	if collection != nil {
		q.Set("collection", strconv.FormatInt(collection.Wire(), 10))
	}
	var resp models.ScheduleResponse
	err := c.do(ctx, http.MethodGet, "/api/study/schedule?"+q.Encode(), nil, &resp, true)
	return resp, err
}

// SubmitStudyResponse records a review on the server.
func (c *Client) SubmitStudyResponse(ctx context.Context, req models.StudyResponseRequest) (models.StudyResponse, error) {
	var resp models.StudyResponse
	err := c.do(ctx, http.MethodPost, "/api/study/response", req, &resp, true)
	return resp, err
}

// DatasetPack downloads one page of a dictionary dataset.
func (c *Client) DatasetPack(ctx context.Context, datasetID string, offset, limit int) (models.DatasetPack, error) {
	q := url.Values{}
	q.Set("dataset_id", datasetID)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var resp models.DatasetPack
	err := c.do(ctx, http.MethodGet, "/api/datasets/pack?"+q.Encode(), nil, &resp, true)
	return resp, err
}

// StartImport uploads cards to be created by a server-side import job.
func (c *Client) StartImport(ctx context.Context, cards []models.Card) (models.ImportJob, error) {
	var job models.ImportJob
	err := c.do(ctx, http.MethodPost, "/api/import", models.ImportRequest{Cards: cards}, &job, true)
	return job, err
}

// GetImportJob returns the current state of an import job.
func (c *Client) GetImportJob(ctx context.Context, id string) (models.ImportJob, error) {
	var job models.ImportJob
	err := c.do(ctx, http.MethodGet, "/api/import/jobs/"+url.PathEscape(id), nil, &job, true)
	return job, err
}

// WaitForJob polls an import job every interval until it reaches a terminal
// state, ctx is done or a request fails.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (models.ImportJob, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := c.GetImportJob(ctx, id)
		if err != nil {
			return job, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, auth bool) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = b
	}

	if !auth {
		resp, err := c.send(ctx, method, path, body, "")
		if err != nil {
			return err
		}
		return decode(resp, out)
	}

	tokens, err := c.tokens.GetTokens(ctx)
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	if tokens == nil {
		return ErrUnauthorized
	}

	resp, err := c.send(ctx, method, path, body, tokens.AccessToken)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return decode(resp, out)
	}
	drain(resp)

	accessToken, err := c.renewedToken(ctx, tokens.AccessToken)
	if err != nil {
		return err
	}
	resp, err = c.send(ctx, method, path, body, accessToken)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		return errors.Join(ErrUnauthorized, c.tokens.ClearTokens(ctx))
	}
	return decode(resp, out)
}

// renewedToken returns an access token newer than rejected, refreshing
// only when no other caller has done so already.
func (c *Client) renewedToken(ctx context.Context, rejected string) (string, error) {
	current, err := c.tokens.GetTokens(ctx)
	if err != nil {
		return "", fmt.Errorf("load tokens: %w", err)
	}
	if current != nil && current.AccessToken != rejected {
		return current.AccessToken, nil
	}
	fresh, err := c.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, accessToken string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, path, err)
	}
	return resp, nil
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
