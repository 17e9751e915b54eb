package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/remote"
)

// Handler receives decoded updates of one subscription.
type Handler func(Update)

// Subscription is one live feed of the remote store. Updates are decoded and
// handed to the handler on the subscription's own goroutine, one at a time
// and in arrival order.
type Subscription struct {
	key     Key
	handler Handler

	mu          sync.Mutex
	inbox       []remote.Event
	closed      bool
	unsubscribe func()

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Open subscribes to key on src. It never blocks on the network: the
// store's initial value arrives through handler like any other update.
func Open(src remote.Store, key Key, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("channel handler is nil")
	}

	s := &Subscription{
		key:     key,
		handler: handler,
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.pump()

	unsubscribe, err := src.Subscribe(key.Path(), s.enqueue)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return s, nil
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()

	log.Debug().Str("channel", string(key)).Msg("Channel opened")
	return s, nil
}

// Key returns the subscribed key.
func (s *Subscription) Key() Key { return s.key }

// Close stops the feed. Queued updates are discarded and the delivery
// goroutine claims no update after Close returns. An update it claimed just
// before, on another goroutine, can still reach the handler afterwards, and a
// running handler may finish. Close never waits for either, so it may be
// called from inside the handler. Owners that must not see such a late update
// guard the handler with a generation of their own. Calling it again is a
// no-op.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.inbox = nil
		unsubscribe := s.unsubscribe
		s.unsubscribe = nil
		s.mu.Unlock()

		close(s.stop)
		if unsubscribe != nil {
			unsubscribe()
		}
		log.Debug().Str("channel", string(s.key)).Msg("Channel closed")
	})
}

// Done is closed once the delivery goroutine has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// enqueue is the store listener. The inbox is unbounded so a slow handler
// never makes the store drop updates.
func (s *Subscription) enqueue(ev remote.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inbox = append(s.inbox, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the oldest queued event. ok is false once closed or drained.
func (s *Subscription) next() (ev remote.Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.inbox) == 0 {
		return remote.Event{}, false
	}
	ev = s.inbox[0]
	s.inbox[0] = remote.Event{}
	s.inbox = s.inbox[1:]
	return ev, true
}

func (s *Subscription) pump() {
	defer close(s.done)

	var doc document
	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
		}

		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			update, ok := s.decode(&doc, ev)
			if !ok {
				continue
			}
			if !s.deliver(update) {
				return
			}
		}
	}
}

// document is the mirrored value of a non-history key together with the
// last JSON of it that decoded.
type document struct {
	mirror remote.Mirror
	good   json.RawMessage
}

// rollback puts the mirror back to the last good document so one bad field
// does not poison every later event.
func (d *document) rollback() {
	if err := d.mirror.Restore(d.good); err != nil {
		d.mirror.Reset()
		d.good = nil
	}
}

func (s *Subscription) decode(d *document, ev remote.Event) (Update, bool) {
	if s.key.IsHistory() {
		h, err := decodeHistory(ev)
		if err != nil {
			s.drop(ev, err)
			return Update{}, false
		}
		if len(h.Readings) == 0 && !h.Replay {
			return Update{}, false
		}
		return Update{Key: s.key, Value: h}, true
	}

	if err := d.mirror.Apply(ev); err != nil {
		s.drop(ev, err)
		d.rollback()
		return Update{}, false
	}
	raw, err := d.mirror.Value()
	if err != nil {
		s.drop(ev, err)
		d.rollback()
		return Update{}, false
	}
	value, err := decodeDocument(s.key, raw)
	if errors.Is(err, errEmpty) {
		log.Debug().Str("channel", string(s.key)).Msg("Channel document removed, keeping last value")
		d.good = nil
		return Update{}, false
	}
	if err != nil {
		s.drop(ev, err)
		d.rollback()
		return Update{}, false
	}
	d.good = raw
	return Update{Key: s.key, Value: value}, true
}

func (s *Subscription) drop(ev remote.Event, err error) {
	log.Warn().
		Err(err).
		Str("channel", string(s.key)).
		Str("kind", string(ev.Kind)).
		Str("path", ev.Path).
		Msg("Dropping malformed payload")
}

// deliver runs the handler unless the subscription closed in the meantime.
// The closed check and the handler call are not atomic, see Close.
func (s *Subscription) deliver(u Update) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("channel", string(s.key)).Msg("Channel handler panicked")
		}
	}()
	s.handler(u)
	return true
}
