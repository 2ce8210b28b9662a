// Package upstream implements the authenticated client for the IPTV/EPG
// backend this system manages. The client is process-wide and reusable;
// callers hold it behind an atomic pointer and swap it when settings change.
package upstream

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
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrAuthentication indicates login or token refresh failed; callers surface
// it as a task failure rather than crashing.
var ErrAuthentication = errors.New("upstream authentication failed")

// ErrUnavailable indicates the upstream could not be reached or returned a
// 5xx; idempotent reads retry with backoff before surfacing it.
var ErrUnavailable = errors.New("upstream unavailable")

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	pageSize int
	log      zerolog.Logger

	// Token refresh is serialized; a 401 retries at most once.
	tokenMu      sync.Mutex
	accessToken  string
	refreshToken string
}

type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	PageSize int
	Log      zerolog.Logger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 250
	}
	return &Client{
		baseURL:  opts.BaseURL,
		username: opts.Username,
		password: opts.Password,
		http:     &http.Client{Timeout: opts.Timeout},
		pageSize: opts.PageSize,
		log:      opts.Log,
	}
}

// login obtains a fresh access/refresh token pair.
func (c *Client) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: login returned %d", ErrAuthentication, resp.StatusCode)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("%w: decode login response: %v", ErrAuthentication, err)
	}
	c.accessToken = lr.Access
	c.refreshToken = lr.Refresh
	return nil
}

// refresh exchanges the refresh token for a new access token, falling back
// to a full login when the refresh token itself is rejected.
func (c *Client) refresh(ctx context.Context) error {
	if c.refreshToken == "" {
		return c.login(ctx)
	}
	body, _ := json.Marshal(map[string]string{"refresh": c.refreshToken})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/token/refresh/", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.login(ctx)
	}
	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: decode refresh response: %v", ErrAuthentication, err)
	}
	c.accessToken = rr.Access
	return nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.accessToken == "" {
		if err := c.login(ctx); err != nil {
			return "", err
		}
	}
	return c.accessToken, nil
}

func (c *Client) refreshAfter401(ctx context.Context, stale string) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	// Another request may already have refreshed the token.
	if c.accessToken != stale && c.accessToken != "" {
		return c.accessToken, nil
	}
	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	return c.accessToken, nil
}

// do performs one authenticated request, refreshing the token and retrying
// exactly once on a 401. The caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.doOnce(ctx, method, path, query, body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		token, err = c.refreshAfter401(ctx, token)
		if err != nil {
			return nil, err
		}
		resp, err = c.doOnce(ctx, method, path, query, body, token)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: still 401 after refresh", ErrAuthentication)
		}
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body any, token string) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// getJSON performs a GET with backoff retries (reads are idempotent) and
// decodes the response into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		resp, err := c.do(ctx, http.MethodGet, path, query, nil)
		if err != nil {
			if errors.Is(err, ErrAuthentication) {
				return err
			}
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
			continue
		}
		err = decodeResponse(resp, out)
		return err
	}
	return lastErr
}

// writeJSON performs a mutating request without retries; failures surface to
// the caller.
func (c *Client) writeJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, nil, body)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var ae apiError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, &ae)
		if ae.Detail == "" {
			ae.Detail = string(data)
		}
		return &StatusError{Code: resp.StatusCode, Detail: ae.Detail}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError carries the upstream's HTTP status and error detail.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Detail)
}

// IsConflict reports whether the error is an upstream 400/409 "already
// exists" style rejection.
func IsConflict(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusConflict || se.Code == http.StatusBadRequest
	}
	return false
}

// IsNotFound reports whether the error is an upstream 404.
func IsNotFound(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound
	}
	return false
}

func pageQuery(page int, pageSize int) url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	return q
}
