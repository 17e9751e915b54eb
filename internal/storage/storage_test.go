package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/db"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database.DB)
}

func TestStoreVersions(t *testing.T) {
	s := newStore(t)

	payload, version, err := s.Get("device", "missing")
	if err != nil || payload != nil || version != 0 {
		t.Fatalf("Get(missing) = %s, %d, %v", payload, version, err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Set("device", "a", []byte(`{"n":1}`)); err != nil {
			t.Fatal(err)
		}
	}
	_, version, err = s.Get("device", "a")
	if err != nil || version != 3 {
		t.Errorf("version = %d, %v, want 3", version, err)
	}

	if err := s.Set("other", "a", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("device", "a"); err != nil {
		t.Fatal(err)
	}
	if payload, _, _ := s.Get("device", "a"); payload != nil {
		t.Error("Delete(device, a) left the entry behind")
	}
	if payload, version, err := s.Get("other", "a"); err != nil || payload == nil || version != 1 {
		t.Errorf("Get(other, a) = %s, %d, %v; Delete touched another kind", payload, version, err)
	}
}

func TestTypedStoreRoundTrip(t *testing.T) {
	ts := NewTypedStore[channel.LightConfig](newStore(t), "light")

	want := channel.LightConfig{IntensityPercent: 40, On: true}
	if err := ts.Set("main", want); err != nil {
		t.Fatal(err)
	}
	got, version, err := ts.Get("main")
	if err != nil {
		t.Fatal(err)
	}
	if got != want || version != 1 {
		t.Errorf("Get() = %+v v%d, want %+v v1", got, version, want)
	}
}

type fixedSource struct {
	seed  device.Seed
	calls atomic.Int32
}

func (f *fixedSource) Seed() device.Seed {
	f.calls.Add(1)
	return f.seed
}

func TestPersisterSavesOnPersistedAspects(t *testing.T) {
	store := newStore(t)
	p := NewPersister(store, 0)
	bus := eventbus.NewWithConfig(1, 16)
	p.Watch(bus)

	pos := actuator.Position{CurrentSlot: 3, Phase: actuator.PhaseIdle, LastAction: "Arrived at Plot 3"}
	src := &fixedSource{seed: device.Seed{Position: &pos, CameraURL: "rtsp://cam"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, src)
		close(done)
	}()

	// Series changes are not part of the seed.
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeAspectChanged, Aspect: "series:ph"})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeAspectChanged, Aspect: string(device.AspectActuator)})

	deadline := time.Now().Add(2 * time.Second)
	for src.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	bus.Close(closeCtx)

	seed, err := p.Load()
	if err != nil {
		t.Fatal(err)
	}
	if seed == nil || seed.Position == nil || *seed.Position != pos || seed.CameraURL != "rtsp://cam" {
		t.Fatalf("Load() = %+v", seed)
	}

	if err := p.Clear(); err != nil {
		t.Fatal(err)
	}
	if seed, err := p.Load(); err != nil || seed != nil {
		t.Errorf("Load() after Clear = %+v, %v", seed, err)
	}
}

func TestPersisterFlushesOnShutdown(t *testing.T) {
	p := NewPersister(newStore(t), time.Hour)
	src := &fixedSource{seed: device.Seed{CameraURL: "http://cam/stream"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.MarkDirty()
	p.Run(ctx, src)

	seed, err := p.Load()
	if err != nil || seed == nil || seed.CameraURL != "http://cam/stream" {
		t.Errorf("Load() = %+v, %v", seed, err)
	}
}
