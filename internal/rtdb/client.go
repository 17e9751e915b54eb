// Package rtdb talks to a Firebase-style realtime database over its REST
// API: writes are plain HTTP requests and subscriptions are server-sent
// event streams.
package rtdb

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
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/remote"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

// StatusError is a non-2xx answer from the database.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d: %s", e.Code, e.Body)
}

// Config contains connection and reconnection settings.
type Config struct {
	URL     string
	Auth    string
	Timeout time.Duration // HTTP timeout for writes

	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts per stream, 0 = infinite

	// OnFatal is called when a stream gives up reconnecting.
	OnFatal func(error)
}

// Client is a remote.Store backed by the realtime database.
type Client struct {
	base       *url.URL
	cfg        Config
	httpClient *http.Client
	// No timeout for SSE - it's a long-lived connection
	streamClient *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ remote.Store = (*Client)(nil)

// New creates a client for the database at cfg.URL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse store url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("store url must be http(s), got %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		base:         base,
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Close stops every stream and waits for them to exit.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
	c.streamClient.CloseIdleConnections()
}

func (c *Client) url(path string) string {
	u := *c.base
	u.Path = u.Path + "/" + remote.CleanPath(path) + ".json"
	if c.cfg.Auth != "" {
		q := u.Query()
		q.Set("auth", c.cfg.Auth)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Set implements remote.Store with a PUT of the JSON value.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	resp, err := c.request(ctx, http.MethodPut, path, value)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	resp.Body.Close()
	return nil
}

// Push appends value under a generated child key of path and returns the key.
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	resp, err := c.request(ctx, http.MethodPost, path, value)
	if err != nil {
		return "", fmt.Errorf("failed to push to %s: %w", path, err)
	}
	defer resp.Body.Close()

	var result struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode push response: %w", err)
	}
	return result.Name, nil
}

// Get reads the current value at path.
func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	resp, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) request(ctx context.Context, method, path string, value any) (*http.Response, error) {
	var body io.Reader
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	log.Trace().Str("method", method).Str("path", path).Msg("Store request completed")
	return resp, nil
}
