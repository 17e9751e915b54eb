package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Write is one write recorded by a Memory store.
type Write struct {
	Path  string
	Value json.RawMessage
	Err   error
}

// WriteHook can reject a write before it is applied.
type WriteHook func(path string, value json.RawMessage) error

type memorySub struct {
	id   uint64
	segs []string
	fn   Listener
}

// Memory is an in-process Store backed by a JSON tree. Listeners run
// synchronously on the writing goroutine, after the tree lock is released,
// and must not write back into the store.
type Memory struct {
	mu     sync.Mutex
	root   any
	subs   map[uint64]*memorySub
	nextID uint64
	hook   WriteHook
	writes []Write
	closed bool

	// deliverMu keeps notification order identical to write order.
	deliverMu sync.Mutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*memorySub)}
}

var _ Store = (*Memory)(nil)

// Subscribe implements Store.
func (m *Memory) Subscribe(path string, fn Listener) (func(), error) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	sub := &memorySub{id: m.nextID, segs: Segments(path), fn: fn}
	m.subs[sub.id] = sub
	current := lookup(m.root, sub.segs)
	m.mu.Unlock()

	if current != nil {
		if data, err := json.Marshal(current); err == nil {
			fn(Event{Kind: EventPut, Path: "/", Data: data})
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub.id)
			m.mu.Unlock()
		})
	}, nil
}

// Set implements Store.
func (m *Memory) Set(ctx context.Context, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for %q: %w", path, err)
	}
	return m.write(path, data)
}

// Push stores value under a new time-ordered child key of path and returns
// the key.
func (m *Memory) Push(ctx context.Context, path string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate push key: %w", err)
	}
	key := id.String()
	if err := m.Set(ctx, Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the current value at path as JSON ("null" when absent).
func (m *Memory) Get(path string) json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, _ := json.Marshal(lookup(m.root, Segments(path)))
	return data
}

// SetWriteHook installs a hook consulted before every write. nil removes it.
func (m *Memory) SetWriteHook(hook WriteHook) {
	m.mu.Lock()
	m.hook = hook
	m.mu.Unlock()
}

// Writes returns every write attempted so far, including rejected ones.
func (m *Memory) Writes() []Write {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Write(nil), m.writes...)
}

// WritesTo returns the accepted writes whose path equals path.
func (m *Memory) WritesTo(path string) []Write {
	path = CleanPath(path)
	var out []Write
	for _, w := range m.Writes() {
		if w.Err == nil && w.Path == path {
			out = append(out, w)
		}
	}
	return out
}

// Subscribers returns the number of live subscriptions on exactly path.
func (m *Memory) Subscribers(path string) int {
	path = CleanPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if strings.Join(s.segs, "/") == path {
			n++
		}
	}
	return n
}

// Close drops every subscription and rejects further calls.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[uint64]*memorySub)
	m.mu.Unlock()
}

func (m *Memory) write(path string, data json.RawMessage) error {
	path = CleanPath(path)
	segs := Segments(path)

	// The hook may block to simulate a slow acknowledgement, so it runs
	// without holding any store lock.
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(path, data); err != nil {
			m.mu.Lock()
			m.writes = append(m.writes, Write{Path: path, Value: data, Err: err})
			m.mu.Unlock()
			return err
		}
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.writes = append(m.writes, Write{Path: path, Value: data})

	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to decode value for %q: %w", path, err)
	}
	m.root = setAt(m.root, segs, value)

	type delivery struct {
		fn Listener
		ev Event
	}
	var out []delivery
	for _, sub := range m.subs {
		switch {
		case hasPrefix(segs, sub.segs):
			// Write at or below the subscription root.
			rel := "/" + strings.Join(segs[len(sub.segs):], "/")
			out = append(out, delivery{sub.fn, Event{Kind: EventPut, Path: rel, Data: data}})
		case hasPrefix(sub.segs, segs):
			// Write above the subscription root replaces it wholesale.
			subData, _ := json.Marshal(lookup(m.root, sub.segs))
			out = append(out, delivery{sub.fn, Event{Kind: EventPut, Path: "/", Data: subData}})
		}
	}
	m.mu.Unlock()

	for _, d := range out {
		d.fn(d.ev)
	}
	return nil
}

func hasPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}
