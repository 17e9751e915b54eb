package rtdb

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/remote"
)

const maxFrameSize = 16 << 20

var (
	errCancelled   = errors.New("stream cancelled by server")
	errAuthRevoked = errors.New("stream auth revoked")
)

// Subscribe implements remote.Store. The stream reconnects with exponential
// backoff; the server resends the whole value at "/" after every reconnect.
func (c *Client) Subscribe(path string, fn remote.Listener) (func(), error) {
	if err := c.ctx.Err(); err != nil {
		return nil, remote.ErrClosed
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.run(ctx, path, fn); errors.Is(err, ErrMaxReconnectsExceeded) && c.cfg.OnFatal != nil {
			c.cfg.OnFatal(fmt.Errorf("stream %s: %w", path, err))
		}
	}()

	return cancel, nil
}

// run keeps one stream connected until ctx is cancelled.
// Returns ErrMaxReconnectsExceeded if max reconnects is exceeded.
func (c *Client) run(ctx context.Context, path string, fn remote.Listener) error {
	retryCount := 0
	currentBackoff := c.cfg.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := c.connect(ctx, path, fn)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			// Reset retry count and backoff after a successful connection
			retryCount = 0
			currentBackoff = c.cfg.MinBackoff
		}
		if err == nil {
			err = errors.New("stream closed by server")
		}

		retryCount++

		// Check if we exceeded max reconnects
		if c.cfg.MaxReconnects > 0 && retryCount > c.cfg.MaxReconnects {
			log.Error().
				Str("path", path).
				Int("max_reconnects", c.cfg.MaxReconnects).
				Msg("Store stream: max reconnects exceeded, terminating")
			return ErrMaxReconnectsExceeded
		}

		log.Warn().
			Err(err).
			Str("path", path).
			Dur("backoff", currentBackoff).
			Int("retry", retryCount).
			Int("max_reconnects", c.cfg.MaxReconnects).
			Msg("Store stream disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(currentBackoff):
		}

		// Calculate next backoff with multiplier, capped at max
		nextBackoff := time.Duration(float64(currentBackoff) * c.cfg.Multiplier)
		if nextBackoff > c.cfg.MaxBackoff {
			nextBackoff = c.cfg.MaxBackoff
		}
		currentBackoff = nextBackoff
	}
}

func (c *Client) connect(ctx context.Context, path string, fn remote.Listener) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(path), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &StatusError{Code: resp.StatusCode}
	}

	log.Info().Str("path", path).Msg("Connected to store stream")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), maxFrameSize)

	var eventName string
	var dataBuffer strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if eventName != "" || dataBuffer.Len() > 0 {
				if err := dispatch(eventName, dataBuffer.String(), path, fn); err != nil {
					return true, err
				}
			}
			eventName = ""
			dataBuffer.Reset()
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if dataBuffer.Len() > 0 {
				dataBuffer.WriteByte('\n')
			}
			dataBuffer.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, nil
}

type frame struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

// dispatch handles one server-sent event. A non-nil error ends the
// connection.
func dispatch(name, data, path string, fn remote.Listener) error {
	switch name {
	case "put", "patch":
		var f frame
		if err := json.Unmarshal([]byte(data), &f); err != nil {
			log.Warn().Err(err).Str("path", path).Str("event", name).Msg("Failed to parse stream event")
			return nil
		}
		if f.Path == "" {
			f.Path = "/"
		}
		if len(f.Data) == 0 {
			f.Data = json.RawMessage("null")
		}
		fn(remote.Event{Kind: remote.EventKind(name), Path: f.Path, Data: f.Data})
		return nil

	case "keep-alive":
		return nil

	case "cancel":
		return errCancelled

	case "auth_revoked":
		return errAuthRevoked

	default:
		log.Trace().Str("path", path).Str("event", name).Msg("Unhandled stream event")
		return nil
	}
}
