package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Mirror rebuilds the full value of a subscribed path from the stream of put
// and patch events, so consumers can decode whole documents even when the
// store only sends the part that changed.
type Mirror struct {
	root any
}

// Apply folds ev into the mirrored value.
func (m *Mirror) Apply(ev Event) error {
	var data any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return fmt.Errorf("failed to decode %s data at %q: %w", ev.Kind, ev.Path, err)
		}
	}

	switch ev.Kind {
	case EventPut:
		m.root = setAt(m.root, Segments(ev.Path), data)
	case EventPatch:
		fields, ok := data.(map[string]any)
		if !ok {
			return fmt.Errorf("patch at %q is not an object", ev.Path)
		}
		base := Segments(ev.Path)
		for key, value := range fields {
			m.root = setAt(m.root, append(append([]string(nil), base...), Segments(key)...), value)
		}
	default:
		return fmt.Errorf("unsupported event kind %q", ev.Kind)
	}
	return nil
}

// Value returns the mirrored document as JSON ("null" when empty).
func (m *Mirror) Value() (json.RawMessage, error) {
	return json.Marshal(m.root)
}

// Restore replaces the mirrored value with doc, as returned by Value. A nil
// doc empties the mirror.
func (m *Mirror) Restore(doc json.RawMessage) error {
	if len(doc) == 0 {
		m.root = nil
		return nil
	}
	var root any
	if err := json.Unmarshal(doc, &root); err != nil {
		return fmt.Errorf("failed to restore mirror: %w", err)
	}
	m.root = root
	return nil
}

// Reset forgets the mirrored value.
func (m *Mirror) Reset() {
	m.root = nil
}

// setAt returns node with value stored under segs. A nil value deletes.
func setAt(node any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}

	obj := asObject(node)
	key := segs[0]
	child := setAt(obj[key], segs[1:], value)
	if child == nil {
		delete(obj, key)
	} else {
		obj[key] = child
	}
	if len(obj) == 0 {
		return nil
	}
	return obj
}

// asObject views node as an object, converting arrays to index-keyed objects
// the way the realtime database addresses them.
func asObject(node any) map[string]any {
	switch n := node.(type) {
	case map[string]any:
		return n
	case []any:
		obj := make(map[string]any, len(n))
		for i, v := range n {
			if v != nil {
				obj[strconv.Itoa(i)] = v
			}
		}
		return obj
	default:
		return make(map[string]any)
	}
}

// lookup returns the value under segs, or nil.
func lookup(node any, segs []string) any {
	for _, seg := range segs {
		switch n := node.(type) {
		case map[string]any:
			node = n[seg]
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil
			}
			node = n[i]
		default:
			return nil
		}
	}
	return node
}
