package storage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
)

const (
	seedKind = "device"
	seedID   = "last_known"
)

// persistedAspects are the aspects that make up a device.Seed.
var persistedAspects = map[string]bool{
	string(device.AspectActuator): true,
	string(device.AspectSlots):    true,
	string(device.AspectLight):    true,
	string(device.AspectCamera):   true,
	string(device.AspectModel):    true,
}

// SeedSource provides the state to persist.
type SeedSource interface {
	Seed() device.Seed
}

// Persister saves the device seed whenever a persisted aspect changes, at
// most once per interval.
type Persister struct {
	seeds    *TypedStore[device.Seed]
	interval time.Duration
	dirty    chan struct{}
}

// NewPersister creates a persister writing to store.
func NewPersister(store *Store, interval time.Duration) *Persister {
	return &Persister{
		seeds:    NewTypedStore[device.Seed](store, seedKind),
		interval: interval,
		dirty:    make(chan struct{}, 1),
	}
}

// Load returns the last saved seed, or nil when none was saved.
func (p *Persister) Load() (*device.Seed, error) {
	seed, version, err := p.seeds.Get(seedID)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, nil
	}
	log.Info().Int64("version", version).Msg("Restored last-known device state")
	return &seed, nil
}

// Clear forgets the saved seed.
func (p *Persister) Clear() error {
	return p.seeds.Delete(seedID)
}

// Watch marks the seed dirty on every change of a persisted aspect.
func (p *Persister) Watch(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeAspectChanged, func(ev eventbus.Event) {
		if persistedAspects[ev.Aspect] {
			p.MarkDirty()
		}
	})
}

// MarkDirty schedules a save.
func (p *Persister) MarkDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

// Run saves src whenever it is marked dirty until ctx is cancelled, then
// saves once more if a change is still outstanding.
func (p *Persister) Run(ctx context.Context, src SeedSource) {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-p.dirty:
				p.save(src)
			default:
			}
			return
		case <-p.dirty:
			p.save(src)
		}

		if p.interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(p.interval):
			}
		}
	}
}

func (p *Persister) save(src SeedSource) {
	if err := p.seeds.Set(seedID, src.Seed()); err != nil {
		log.Error().Err(err).Msg("Failed to persist device state")
	}
}
