// Package client is a Go client for the keypool coordinator HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/user/keypool/internal/coordinator"
	"github.com/user/keypool/internal/store"
)

// Client is a thin HTTP wrapper for the keypool API. Worker calls need
// ClientID and ClientToken, which Register fills in. Admin calls need
// AdminKey.
type Client struct {
	URL         string
	HTTPClient  *http.Client
	ClientID    string
	ClientToken string
	AdminKey    string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// WithH2C speaks cleartext HTTP/2 to the coordinator.
func WithH2C() Option {
	return func(c *Client) { c.HTTPClient = h2cHTTPClient() }
}

// WithAdminKey sets the key sent on admin routes.
func WithAdminKey(key string) Option {
	return func(c *Client) { c.AdminKey = key }
}

// WithCredentials sets a previously issued client credential.
func WithCredentials(clientID, token string) Option {
	return func(c *Client) {
		c.ClientID = clientID
		c.ClientToken = token
	}
}

// New creates a client for a coordinator base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		URL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func h2cHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	return &http.Client{Timeout: 60 * time.Second, Transport: tr}
}

// APIError is a non-2xx response from the coordinator.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Register enrolls a worker and remembers the issued credential.
func (c *Client) Register(ctx context.Context, req coordinator.RegisterRequest) (*coordinator.RegisterResult, error) {
	var res coordinator.RegisterResult
	if _, err := c.do(ctx, http.MethodPost, "/api/clients/register", req, &res); err != nil {
		return nil, err
	}
	c.ClientID = res.ClientID
	c.ClientToken = res.ClientToken
	return &res, nil
}

// Claim returns the worker's current range, allocating one if needed. A nil
// descriptor with a nil error means no work is available.
func (c *Client) Claim(ctx context.Context) (*coordinator.RangeDescriptor, error) {
	var d coordinator.RangeDescriptor
	status, err := c.do(ctx, http.MethodPost, "/api/ranges/claim", map[string]string{"client_id": c.ClientID}, &d)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &d, nil
}

// Report sends progress for a held range.
func (c *Client) Report(ctx context.Context, req coordinator.ReportRequest) (*coordinator.ReportResult, error) {
	body := struct {
		ClientID string `json:"client_id"`
		coordinator.ReportRequest
	}{c.ClientID, req}
	var res coordinator.ReportResult
	if _, err := c.do(ctx, http.MethodPost, "/api/ranges/report", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReportKeyFound records a discovered private key.
func (c *Client) ReportKeyFound(ctx context.Context, req coordinator.KeyFoundRequest) (*coordinator.KeyFoundResult, error) {
	body := struct {
		ClientID string `json:"client_id"`
		coordinator.KeyFoundRequest
	}{c.ClientID, req}
	var res coordinator.KeyFoundResult
	if _, err := c.do(ctx, http.MethodPost, "/api/events/key-found", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Overview fetches the dashboard snapshot.
func (c *Client) Overview(ctx context.Context) (*coordinator.Overview, error) {
	var ov coordinator.Overview
	if _, err := c.do(ctx, http.MethodGet, "/api/stats/overview", nil, &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

// ListPuzzles returns every puzzle.
func (c *Client) ListPuzzles(ctx context.Context) ([]store.Puzzle, error) {
	var puzzles []store.Puzzle
	if _, err := c.do(ctx, http.MethodGet, "/api/admin/puzzles", nil, &puzzles); err != nil {
		return nil, err
	}
	return puzzles, nil
}

// UpsertPuzzle creates or patches the puzzle with the given code.
func (c *Client) UpsertPuzzle(ctx context.Context, code string, in coordinator.PuzzleInput) (*store.Puzzle, error) {
	var p store.Puzzle
	if _, err := c.do(ctx, http.MethodPut, "/api/admin/puzzles/"+url.PathEscape(code), in, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePuzzle removes a puzzle and its ranges.
func (c *Client) DeletePuzzle(ctx context.Context, code string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/admin/puzzles/"+url.PathEscape(code), nil, nil)
	return err
}

// ListKeyFinds returns the most recent discoveries. limit <= 0 uses the
// server default.
func (c *Client) ListKeyFinds(ctx context.Context, limit int) ([]store.KeyFindEvent, error) {
	path := "/api/admin/key-finds"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []store.KeyFindEvent
	if _, err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Health checks the liveness endpoint.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ClientToken != "" {
		req.Header.Set("X-Client-Token", c.ClientToken)
	}
	if c.AdminKey != "" {
		req.Header.Set("X-Admin-Key", c.AdminKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return resp.StatusCode, apiErr
	}

	if result != nil && resp.StatusCode != http.StatusNoContent && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
