// Package device keeps the latest known state of the apparatus and the set
// of live channels feeding it.
//
// Every change, whether it comes from a channel or from a command, is run on
// a single update goroutine in submission order. Readers never see partial
// updates and always receive copies.
package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/clock"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
	"github.com/dokzlo13/sporewatch/internal/remote"
	"github.com/dokzlo13/sporewatch/internal/series"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultFreshnessWindow = 3 * time.Second
	DefaultChartPoints     = 15
	DefaultHomeSlot        = 1
)

// Options configures a Store.
type Options struct {
	HistoryCapacity int
	FreshnessWindow time.Duration
	ChartPoints     int
	HomeSlot        int
	// Slots is the layout used while the slot feed is empty.
	Slots []actuator.Slot

	Clock clock.Clock
	Bus   *eventbus.Bus
	// Seed is last-known state restored from disk, shown until the remote
	// side reports.
	Seed *Seed
}

// Seed is the persisted subset of the state.
type Seed struct {
	Position  *actuator.Position   `json:"position,omitempty"`
	Slots     []actuator.Slot      `json:"slots,omitempty"`
	Light     *channel.LightConfig `json:"light,omitempty"`
	CameraURL string               `json:"camera_url,omitempty"`
	Model     *channel.ModelRecord `json:"model,omitempty"`
}

// RemoteObserver is told which aspects a remote update just confirmed. It
// runs on the update goroutine, after the update was applied.
type RemoteObserver func(aspects []Aspect)

type job struct {
	aspect  Aspect
	fn      func(*State)
	control func() // runs without the state lock

	// Remote updates carry the generation of the channel they came from.
	update *channel.Update
	gen    uint64

	barrier chan struct{}
}

type channelEntry struct {
	sub  *channel.Subscription
	refs int
	gen  uint64
}

// Store is the device state store.
type Store struct {
	src   remote.Store
	opts  Options
	clock clock.Clock
	bus   *eventbus.Bus

	mu       sync.RWMutex
	state    State
	status   Status
	heard    bool
	observer []RemoteObserver

	qmu    sync.Mutex
	queue  []job
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	closed bool

	chmu      sync.Mutex
	channels  map[channel.Key]*channelEntry
	nextGen   uint64
	freshness *clock.Timer
}

// New creates a store reading from src and starts its update goroutine.
func New(src remote.Store, opts Options) *Store {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = series.DefaultCapacity
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	if opts.ChartPoints <= 0 {
		opts.ChartPoints = DefaultChartPoints
	}
	if opts.HomeSlot <= 0 {
		opts.HomeSlot = DefaultHomeSlot
	}
	if len(opts.Slots) == 0 {
		opts.Slots = actuator.DefaultSlots()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	s := &Store{
		src:      src,
		opts:     opts,
		clock:    opts.Clock,
		bus:      opts.Bus,
		state:    newState(opts.HistoryCapacity, opts.Slots, opts.HomeSlot),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		channels: make(map[channel.Key]*channelEntry),
	}
	if opts.Seed != nil {
		s.state.seed(opts.Seed)
	}

	go s.run()
	return s
}

// HomeSlot is the slot the actuator returns to.
func (s *Store) HomeSlot() int { return s.opts.HomeSlot }

// Clock is the store's time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// OnRemote registers an observer of remote confirmations.
func (s *Store) OnRemote(fn RemoteObserver) {
	s.mu.Lock()
	s.observer = append(s.observer, fn)
	s.mu.Unlock()
}

// Submit queues fn to run on the update goroutine with exclusive access to
// the state. It never blocks. aspect names what fn changes and is announced
// on the bus afterwards; pass "" to stay silent. It reports false once the
// store is closed.
func (s *Store) Submit(aspect Aspect, fn func(*State)) bool {
	return s.enqueue(job{aspect: aspect, fn: fn})
}

// Sync waits until every job queued before the call has run. It must not be
// called from the update goroutine.
func (s *Store) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if !s.enqueue(job{barrier: barrier}) {
		return fmt.Errorf("device store closed")
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches every channel and stops the update goroutine. Jobs still
// queued are discarded.
func (s *Store) Close() {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.qmu.Unlock()

	s.chmu.Lock()
	for key, entry := range s.channels {
		entry.sub.Close()
		delete(s.channels, key)
	}
	if s.freshness != nil {
		s.freshness.Stop()
		s.freshness = nil
	}
	s.chmu.Unlock()

	close(s.stop)
	<-s.done
	log.Debug().Msg("Device store closed")
}

func (s *Store) enqueue(j job) bool {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, j)
	s.qmu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Store) pop() (job, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return job{}, false
	}
	j := s.queue[0]
	s.queue[0] = job{}
	s.queue = s.queue[1:]
	return j, true
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
		}
		for {
			j, ok := s.pop()
			if !ok {
				break
			}
			s.process(j)
		}
	}
}

func (s *Store) process(j job) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("aspect", string(j.aspect)).Msg("Device update panicked")
		}
	}()

	switch {
	case j.barrier != nil:
		close(j.barrier)
	case j.update != nil:
		s.applyRemote(*j.update, j.gen)
	case j.control != nil:
		j.control()
	case j.fn != nil:
		s.mu.Lock()
		j.fn(&s.state)
		s.mu.Unlock()
		s.publish(j.aspect)
	}
}

func (s *Store) publish(aspects ...Aspect) {
	if s.bus == nil {
		return
	}
	for _, a := range aspects {
		if a == "" {
			continue
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.EventTypeAspectChanged, Aspect: string(a)})
	}
}

func (s *Store) setStatus(next Status) {
	s.mu.Lock()
	if s.status == next {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = next
	s.mu.Unlock()

	log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("Device store status changed")
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type:   eventbus.EventTypeStatusChanged,
			Aspect: "store",
			Data:   map[string]any{"status": next.String()},
		})
	}
}

// Status reports loading until the first remote update, ready afterwards,
// and empty when the freshness window passed in silence.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns the latest value per metric.
func (s *Store) Snapshot() channel.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(channel.Snapshot, len(s.state.Snapshot))
	for k, v := range s.state.Snapshot {
		out[k] = v
	}
	return out
}

// Series returns the retained history of m, oldest first.
func (s *Store) Series(m channel.Metric) []series.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.state.Series[m]
	if !ok {
		return nil
	}
	return buf.All()
}

// LastN returns the n most recent readings of m.
func (s *Store) LastN(m channel.Metric, n int) []series.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.state.Series[m]
	if !ok {
		return nil
	}
	return buf.LastN(n)
}

// Chart returns at most k readings of m spread across the retained range.
// k <= 0 uses the configured chart size.
func (s *Store) Chart(m channel.Metric, k int) []series.Reading {
	if k <= 0 {
		k = s.opts.ChartPoints
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	buf, ok := s.state.Series[m]
	if !ok {
		return nil
	}
	return buf.Downsample(k)
}

// ActuatorPosition returns the actuator state.
func (s *Store) ActuatorPosition() actuator.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Position
}

// LightConfig returns the light configuration.
func (s *Store) LightConfig() channel.LightConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Light
}

// Slots returns the slot layout.
func (s *Store) Slots() []actuator.Slot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]actuator.Slot(nil), s.state.Slots...)
}

// CameraURL returns the camera stream URL, "" when unknown.
func (s *Store) CameraURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CameraURL
}

// Model returns the model record, nil when none is deployed.
func (s *Store) Model() *channel.ModelRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Model.Clone()
}

// Reading reports whether an on-demand read of m is in progress.
func (s *Store) Reading(m channel.Metric) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Reading[m]
}

// View returns a copy of the whole state.
func (s *Store) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.view(s.status, s.opts.ChartPoints)
}

// Seed returns the persistable subset of the current state.
func (s *Store) Seed() Seed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos := s.state.Position
	light := s.state.Light
	return Seed{
		Position:  &pos,
		Slots:     append([]actuator.Slot(nil), s.state.Slots...),
		Light:     &light,
		CameraURL: s.state.CameraURL,
		Model:     s.state.Model.Clone(),
	}
}
