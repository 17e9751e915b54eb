// Package remote defines the push-based realtime data store the client talks
// to: keyed paths that can be subscribed to and written.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("remote store closed")

// EventKind is the kind of change delivered to a listener.
type EventKind string

const (
	// EventPut replaces the value at Path.
	EventPut EventKind = "put"
	// EventPatch merges the object in Data into the value at Path.
	EventPatch EventKind = "patch"
)

// Event is one change under a subscribed path. Path is relative to the
// subscription root and is "/" for the root itself.
type Event struct {
	Kind EventKind
	Path string
	Data json.RawMessage
}

// Listener receives events for a subscription. Implementations call it from
// their own goroutine, in order, and expect it to return quickly.
type Listener func(Event)

// Store is the external realtime store.
type Store interface {
	// Subscribe starts a live feed for path. The current value, if any, is
	// delivered first as a put at "/". The returned function stops the feed
	// and is safe to call more than once.
	Subscribe(path string, fn Listener) (unsubscribe func(), err error)

	// Set replaces the value at path. It returns once the store acknowledged
	// or rejected the write.
	Set(ctx context.Context, path string, value any) error
}

// CleanPath normalises a store path to slash-separated segments without
// leading or trailing slashes.
func CleanPath(path string) string {
	return strings.Trim(path, "/")
}

// Segments splits a path into its non-empty segments.
func Segments(path string) []string {
	path = CleanPath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Join builds a store path from segments.
func Join(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = CleanPath(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}
