package device

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
)

// applyRemote folds a channel update into the state. Updates from a channel
// that was detached (or replaced by a newer subscription) are dropped.
func (s *Store) applyRemote(u channel.Update, gen uint64) {
	if !s.current(u.Key, gen) {
		log.Debug().Str("channel", string(u.Key)).Msg("Dropping update from detached channel")
		return
	}

	s.mu.Lock()
	changed, confirmed := s.state.apply(u, s.clock.Now(), s.opts)
	firstHeard := !s.heard
	s.heard = true
	observers := append([]RemoteObserver(nil), s.observer...)
	s.mu.Unlock()

	if firstHeard {
		s.chmu.Lock()
		if s.freshness != nil {
			s.freshness.Stop()
			s.freshness = nil
		}
		s.chmu.Unlock()
		s.setStatus(StatusReady)
	}

	if len(confirmed) > 0 {
		for _, obs := range observers {
			obs(confirmed)
		}
	}
	s.publish(changed...)
}

func (s *Store) expireFreshness() {
	s.chmu.Lock()
	s.freshness = nil
	s.chmu.Unlock()

	s.mu.RLock()
	heard := s.heard
	s.mu.RUnlock()
	if heard {
		return
	}
	log.Warn().Dur("window", s.opts.FreshnessWindow).Msg("No data received within freshness window")
	s.setStatus(StatusEmpty)
}

// apply returns the aspects that changed and the aspects the update
// confirms for pending commands.
func (st *State) apply(u channel.Update, now time.Time, opts Options) (changed, confirmed []Aspect) {
	if m, ok := u.Key.Metric(); ok {
		h, ok := u.Value.(channel.History)
		if !ok {
			return nil, nil
		}
		if st.appendHistory(m, h) > 0 {
			changed = append(changed, SeriesAspect(m))
			confirmed = append(confirmed, ReadingAspect(m))
			if st.Reading[m] {
				delete(st.Reading, m)
				changed = append(changed, ReadingAspect(m))
			}
		}
		return changed, confirmed
	}

	switch v := u.Value.(type) {
	case channel.Snapshot:
		for _, m := range channel.Metrics {
			next, ok := v[m]
			if !ok {
				continue
			}
			if prev, had := st.Snapshot[m]; had && prev == next {
				continue
			}
			confirmed = append(confirmed, ReadingAspect(m))
			if st.Reading[m] {
				delete(st.Reading, m)
				changed = append(changed, ReadingAspect(m))
			}
		}
		st.Snapshot = v
		changed = append(changed, AspectSnapshot)

	case actuator.Position:
		if v.CurrentSlot <= 0 {
			v.CurrentSlot = st.Position.CurrentSlot
		}
		prev := st.Position
		st.Position, _ = actuator.Apply(st.Position, actuator.Remote(v))
		if st.Position.CurrentSlot != prev.CurrentSlot && st.Position.Phase == actuator.PhaseIdle {
			st.VisitSlot(st.Position.CurrentSlot, now)
			changed = append(changed, AspectSlots)
		}
		changed = append(changed, AspectActuator)
		confirmed = append(confirmed, AspectActuator)

	case []actuator.Slot:
		if len(v) == 0 {
			v = append([]actuator.Slot(nil), opts.Slots...)
		}
		st.Slots = v
		changed = append(changed, AspectSlots)

	case channel.LightConfig:
		st.Light = v
		changed = append(changed, AspectLight)
		confirmed = append(confirmed, AspectLight)

	case string:
		st.CameraURL = v
		changed = append(changed, AspectCamera)

	case *channel.ModelRecord:
		st.Model = v
		changed = append(changed, AspectModel)
		confirmed = append(confirmed, AspectModel)

	default:
		log.Warn().Str("channel", string(u.Key)).Msgf("Unexpected update value %T", u.Value)
	}
	return changed, confirmed
}

// appendHistory adds readings to the metric buffer and returns how many were
// stored. A replayed list only contributes readings newer than what the
// buffer already holds, so reconnects do not duplicate history.
func (st *State) appendHistory(m channel.Metric, h channel.History) int {
	buf, ok := st.Series[m]
	if !ok {
		return 0
	}
	latest, hasLatest := buf.Latest()
	n := 0
	for _, r := range h.Readings {
		if h.Replay && hasLatest && !r.Timestamp.After(latest.Timestamp) {
			continue
		}
		buf.Append(r)
		n++
	}
	return n
}

func (st *State) seed(seed *Seed) {
	if seed.Position != nil {
		pos := *seed.Position
		// Nothing is in flight after a restart.
		if pos.Phase == actuator.PhaseMoving {
			pos.Phase = actuator.PhaseIdle
		}
		st.Position = pos
	}
	if len(seed.Slots) > 0 {
		st.Slots = append([]actuator.Slot(nil), seed.Slots...)
	}
	if seed.Light != nil {
		st.Light = *seed.Light
	}
	st.CameraURL = seed.CameraURL
	st.Model = seed.Model.Clone()
}
