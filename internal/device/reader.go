package device

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/channel"
)

// Reader is a handle on a set of attached channels. The channels stay open
// until every reader interested in them detached.
type Reader struct {
	store *Store
	keys  []channel.Key
	once  sync.Once
}

// Attach opens the channels for keys that are not open yet and takes a
// reference on all of them. With no keys it attaches every channel.
func (s *Store) Attach(keys ...channel.Key) (*Reader, error) {
	if len(keys) == 0 {
		keys = channel.AllKeys()
	}
	keys = slices.Compact(slices.Sorted(slices.Values(keys)))

	s.qmu.Lock()
	closed := s.closed
	s.qmu.Unlock()
	if closed {
		return nil, fmt.Errorf("device store closed")
	}

	s.chmu.Lock()
	defer s.chmu.Unlock()

	attached := make([]channel.Key, 0, len(keys))
	for _, key := range keys {
		if err := s.acquire(key); err != nil {
			for _, k := range attached {
				s.release(k)
			}
			return nil, err
		}
		attached = append(attached, key)
	}
	s.startFreshness()

	return &Reader{store: s, keys: attached}, nil
}

// Keys returns the channels this reader holds.
func (r *Reader) Keys() []channel.Key {
	return append([]channel.Key(nil), r.keys...)
}

// Store returns the store the reader is attached to.
func (r *Reader) Store() *Store { return r.store }

// Detach drops the reader's references. Channels nobody else holds are
// closed. Calling it more than once is a no-op.
func (r *Reader) Detach() {
	r.once.Do(func() {
		s := r.store
		s.chmu.Lock()
		defer s.chmu.Unlock()
		for _, key := range r.keys {
			s.release(key)
		}
	})
}

// OpenChannels returns how many channels are live.
func (s *Store) OpenChannels() int {
	s.chmu.Lock()
	defer s.chmu.Unlock()
	return len(s.channels)
}

// References returns the reader count of key.
func (s *Store) References(key channel.Key) int {
	s.chmu.Lock()
	defer s.chmu.Unlock()
	if e, ok := s.channels[key]; ok {
		return e.refs
	}
	return 0
}

// acquire must be called with chmu held.
func (s *Store) acquire(key channel.Key) error {
	if entry, ok := s.channels[key]; ok {
		entry.refs++
		return nil
	}

	s.nextGen++
	gen := s.nextGen
	sub, err := channel.Open(s.src, key, func(u channel.Update) {
		s.enqueue(job{update: &u, gen: gen})
	})
	if err != nil {
		return fmt.Errorf("failed to attach %s: %w", key, err)
	}
	s.channels[key] = &channelEntry{sub: sub, refs: 1, gen: gen}
	log.Debug().Str("channel", string(key)).Msg("Channel attached")
	return nil
}

// release must be called with chmu held.
func (s *Store) release(key channel.Key) {
	entry, ok := s.channels[key]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}
	delete(s.channels, key)
	entry.sub.Close()
	log.Debug().Str("channel", string(key)).Msg("Channel detached")
}

// current reports whether gen is still the live subscription of key.
func (s *Store) current(key channel.Key, gen uint64) bool {
	s.chmu.Lock()
	defer s.chmu.Unlock()
	entry, ok := s.channels[key]
	return ok && entry.gen == gen
}

// startFreshness arms the startup window once. Must be called with chmu
// held.
func (s *Store) startFreshness() {
	if s.freshness != nil {
		return
	}
	s.mu.RLock()
	waiting := !s.heard
	s.mu.RUnlock()
	if !waiting {
		return
	}
	s.freshness = s.clock.AfterFunc(s.opts.FreshnessWindow, func() {
		s.enqueue(job{control: s.expireFreshness})
	})
}
