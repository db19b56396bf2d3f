// Package store provides the HTTP client for the external persistence store.
// The store exposes PostgREST-style table semantics: rows are read and
// written through /rest/v1/{table} with filter query parameters, and every
// request carries the project api key plus a bearer token.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpbuild/mcpbuild/internal/common/logger"
	"go.uber.org/zap"
)

// ErrStatusConflict is returned when a conditional status update matched no
// rows, meaning the row already reached a terminal status.
var ErrStatusConflict = errors.New("store: status update rejected, row is terminal")

// ErrNotFound is returned when a single-row read matched nothing.
var ErrNotFound = errors.New("store: row not found")

// RequestError is a non-2xx response from the store.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("store: request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether an error from the client is worth retrying:
// transport failures, timeouts, and 5xx/408/429 responses. Auth and other
// 4xx responses are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode >= 500 ||
			reqErr.StatusCode == http.StatusRequestTimeout ||
			reqErr.StatusCode == http.StatusTooManyRequests
	}
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrNotFound) {
		return false
	}
	// Everything else is a transport-level failure (connection refused,
	// deadline exceeded, DNS flap).
	return true
}

// Credentials holds the keys required to reach the store.
type Credentials struct {
	URL         string
	AnonKey     string
	ServiceKey  string // preferred when set
	AccessToken string // used when no service key is available
}

// Client is an HTTP client for the store's REST API.
type Client struct {
	baseURL string
	anonKey string
	token   string
	http    *http.Client
	logger  *logger.Logger
}

// NewClient creates a store client. requestTimeout bounds every request.
func NewClient(creds Credentials, requestTimeout time.Duration, log *logger.Logger) (*Client, error) {
	if creds.URL == "" {
		return nil, fmt.Errorf("store URL is required")
	}
	if creds.AnonKey == "" {
		return nil, fmt.Errorf("store anon key is required")
	}
	token := creds.ServiceKey
	if token == "" {
		token = creds.AccessToken
	}
	if token == "" {
		token = creds.AnonKey
	}
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(creds.URL, "/"),
		anonKey: creds.AnonKey,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		logger:  log.WithFields(zap.String("component", "store")),
	}, nil
}

// nonTerminalFilter guards status writes against clobbering a terminal row.
const nonTerminalFilter = "not.in.(completed,failed,cancelled)"

// do performs one request against a table endpoint and decodes the JSON
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, table string, query url.Values, body any, out any) error {
	endpoint := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("store: encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("store: build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", method, table, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("store: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("store request failed",
			zap.String("method", method),
			zap.String("table", table),
			zap.Int("status", resp.StatusCode))
		return &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("store: decode response: %w", err)
		}
	}
	return nil
}

// patchRows PATCHes rows matching query and returns how many rows matched.
func (c *Client) patchRows(ctx context.Context, table string, query url.Values, body any) (int, error) {
	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodPatch, table, query, body, &rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func eq(v string) string { return "eq." + v }

func nowUTC() time.Time { return time.Now().UTC() }
