package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/clock"
	"github.com/dokzlo13/sporewatch/internal/remote"
	"github.com/dokzlo13/sporewatch/internal/series"
)

var epoch = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts Options) (*Store, *remote.Memory, *clock.FakeClock) {
	t.Helper()
	src := remote.NewMemory()
	fake := clock.Fake(epoch)
	opts.Clock = fake
	s := New(src, opts)
	t.Cleanup(s.Close)
	return s, src, fake
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func flush(t *testing.T, s *Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestReadersShareOneSubscription(t *testing.T) {
	s, src, _ := newTestStore(t, Options{})

	first, err := s.Attach(channel.KeyLight, channel.KeyPosition)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Attach(channel.KeyLight)
	if err != nil {
		t.Fatal(err)
	}

	if n := src.Subscribers("lightControl"); n != 1 {
		t.Fatalf("store subscriptions on light = %d, want 1", n)
	}
	if n := s.References(channel.KeyLight); n != 2 {
		t.Fatalf("References(light) = %d, want 2", n)
	}

	first.Detach()
	first.Detach()
	if n := src.Subscribers("lightControl"); n != 1 {
		t.Fatalf("light closed while a reader remains: %d subscriptions", n)
	}
	if n := src.Subscribers("robotArm/position"); n != 0 {
		t.Fatalf("position still subscribed after its only reader left")
	}

	second.Detach()
	if n := src.Subscribers("lightControl"); n != 0 {
		t.Fatalf("light still subscribed after last detach")
	}
	if n := s.OpenChannels(); n != 0 {
		t.Fatalf("OpenChannels() = %d, want 0", n)
	}
}

func TestAttachDeduplicatesKeys(t *testing.T) {
	s, src, _ := newTestStore(t, Options{})
	r, err := s.Attach(channel.KeyCamera, channel.KeyCamera)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()
	if n := s.References(channel.KeyCamera); n != 1 {
		t.Errorf("References(camera) = %d, want 1", n)
	}
	if n := src.Subscribers("camera/url"); n != 1 {
		t.Errorf("subscriptions = %d, want 1", n)
	}
}

func TestAttachRollsBackOnFailure(t *testing.T) {
	s, src, _ := newTestStore(t, Options{})
	src.Close()
	if _, err := s.Attach(channel.KeyLight, channel.KeyModel); err == nil {
		t.Fatal("Attach() on closed remote succeeded")
	}
	if n := s.OpenChannels(); n != 0 {
		t.Errorf("OpenChannels() = %d after failed attach", n)
	}
}

func TestStatusEmptyAfterFreshnessWindow(t *testing.T) {
	s, _, fake := newTestStore(t, Options{FreshnessWindow: 3 * time.Second})
	if got := s.Status(); got != StatusLoading {
		t.Fatalf("Status() = %v, want loading", got)
	}

	r, err := s.Attach(channel.KeySnapshot)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	fake.Advance(2999 * time.Millisecond)
	flush(t, s)
	if got := s.Status(); got != StatusLoading {
		t.Fatalf("Status() before window = %v, want loading", got)
	}

	fake.Advance(time.Millisecond)
	flush(t, s)
	if got := s.Status(); got != StatusEmpty {
		t.Fatalf("Status() after window = %v, want empty", got)
	}
}

func TestStatusReadyOnFirstUpdate(t *testing.T) {
	s, src, fake := newTestStore(t, Options{})
	r, err := s.Attach(channel.KeySnapshot)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	if err := src.Set(context.Background(), "sensors/current", map[string]any{"ph": 6.2}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "ready status", func() bool { return s.Status() == StatusReady })

	// The window elapsing later must not flip a live store to empty.
	fake.Advance(10 * time.Second)
	flush(t, s)
	if got := s.Status(); got != StatusReady {
		t.Errorf("Status() = %v, want ready", got)
	}
	if got := s.Snapshot()[channel.MetricPH]; got != 6.2 {
		t.Errorf("Snapshot()[ph] = %v, want 6.2", got)
	}
}

func TestHistoryReplayIsNotDuplicated(t *testing.T) {
	ctx := context.Background()
	s, src, _ := newTestStore(t, Options{})
	for i, v := range []float64{6.0, 6.1} {
		ts := epoch.Add(time.Duration(i) * time.Minute).UnixMilli()
		if _, err := src.Push(ctx, "sensors/history/ph", map[string]any{"timestamp": ts, "value": v}); err != nil {
			t.Fatal(err)
		}
	}

	r, err := s.Attach(channel.HistoryKey(channel.MetricPH))
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "initial history", func() bool { return len(s.Series(channel.MetricPH)) == 2 })
	r.Detach()

	// Reattaching replays the full list plus one new reading.
	if _, err := src.Push(ctx, "sensors/history/ph", map[string]any{"timestamp": epoch.Add(2 * time.Minute).UnixMilli(), "value": 6.2}); err != nil {
		t.Fatal(err)
	}
	r, err = s.Attach(channel.HistoryKey(channel.MetricPH))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()
	eventually(t, "replayed history", func() bool { return len(s.Series(channel.MetricPH)) >= 3 })
	flush(t, s)

	got := s.Series(channel.MetricPH)
	if len(got) != 3 {
		t.Fatalf("Series(ph) has %d readings, want 3: %+v", len(got), got)
	}
	for i, want := range []float64{6.0, 6.1, 6.2} {
		if got[i].Value != want {
			t.Errorf("reading %d = %v, want %v", i, got[i].Value, want)
		}
	}
}

func TestHistoryCapacityBoundsSeries(t *testing.T) {
	ctx := context.Background()
	s, src, _ := newTestStore(t, Options{HistoryCapacity: 4})
	r, err := s.Attach(channel.HistoryKey(channel.MetricCO2))
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	for i := 0; i < 10; i++ {
		ts := epoch.Add(time.Duration(i) * time.Second).UnixMilli()
		if _, err := src.Push(ctx, "sensors/history/co2", map[string]any{"timestamp": ts, "value": 400 + i}); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, "newest co2 reading", func() bool {
		got := s.Series(channel.MetricCO2)
		return len(got) > 0 && got[len(got)-1].Value == 409
	})

	got := s.Series(channel.MetricCO2)
	if len(got) != 4 || got[0].Value != 406 {
		t.Errorf("Series(co2) = %+v, want the last 4 readings", got)
	}
	if last := s.LastN(channel.MetricCO2, 2); len(last) != 2 || last[1].Value != 409 {
		t.Errorf("LastN(2) = %+v", last)
	}
	if chart := s.Chart(channel.MetricCO2, 2); len(chart) != 2 || chart[0].Value != 406 || chart[1].Value != 409 {
		t.Errorf("Chart(2) = %+v", chart)
	}
}

func TestSnapshotConfirmsReading(t *testing.T) {
	s, src, _ := newTestStore(t, Options{})

	var mu sync.Mutex
	var confirmed []Aspect
	s.OnRemote(func(aspects []Aspect) {
		mu.Lock()
		confirmed = append(confirmed, aspects...)
		mu.Unlock()
	})

	r, err := s.Attach(channel.KeySnapshot)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	s.Submit(ReadingAspect(channel.MetricHumidity), func(st *State) {
		st.Reading[channel.MetricHumidity] = true
	})
	flush(t, s)
	if !s.Reading(channel.MetricHumidity) {
		t.Fatal("reading flag not set")
	}

	if err := src.Set(context.Background(), "sensors/current", map[string]any{"humidity": 88.5}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "reading cleared", func() bool { return !s.Reading(channel.MetricHumidity) })
	flush(t, s)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, a := range confirmed {
		if a == ReadingAspect(channel.MetricHumidity) {
			found = true
		}
	}
	if !found {
		t.Errorf("observer saw %v, want %s", confirmed, ReadingAspect(channel.MetricHumidity))
	}
}

func TestRemotePositionStampsSlot(t *testing.T) {
	s, src, _ := newTestStore(t, Options{})
	r, err := s.Attach(channel.KeyPosition)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()

	if err := src.Set(context.Background(), "robotArm/position", map[string]any{
		"currentPlot": 4, "status": "idle", "lastAction": "Arrived at Plot 4",
	}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "position update", func() bool { return s.ActuatorPosition().CurrentSlot == 4 })

	slot, _ := actuator.FindSlot(s.Slots(), 4)
	if !slot.LastVisited.Equal(epoch) {
		t.Errorf("LastVisited = %v, want %v", slot.LastVisited, epoch)
	}
}

func TestEmptySlotFeedFallsBackToDefaults(t *testing.T) {
	s, src, _ := newTestStore(t, Options{})
	ctx := context.Background()
	if err := src.Set(ctx, "plots", []map[string]any{{"id": 1, "name": "Only", "status": "active"}}); err != nil {
		t.Fatal(err)
	}
	r, err := s.Attach(channel.KeySlots)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Detach()
	eventually(t, "single slot", func() bool { return len(s.Slots()) == 1 })

	if err := src.Set(ctx, "plots", nil); err != nil {
		t.Fatal(err)
	}
	eventually(t, "default layout", func() bool { return len(s.Slots()) == 6 })
}

func TestLateUpdateFromDetachedChannelIsDropped(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	r, err := s.Attach(channel.KeyCamera)
	if err != nil {
		t.Fatal(err)
	}
	s.chmu.Lock()
	gen := s.channels[channel.KeyCamera].gen
	s.chmu.Unlock()
	r.Detach()

	s.enqueue(job{update: &channel.Update{Key: channel.KeyCamera, Value: "http://late"}, gen: gen})
	flush(t, s)
	if got := s.CameraURL(); got != "" {
		t.Errorf("CameraURL() = %q, want late update dropped", got)
	}
}

func TestReadersGetCopies(t *testing.T) {
	s, _, _ := newTestStore(t, Options{})
	s.Submit(AspectModel, func(st *State) {
		st.Model = &channel.ModelRecord{Name: "fruiting", Features: []string{"co2"}}
		st.Series[channel.MetricPH].Append(series.Reading{Timestamp: epoch, Value: 6})
	})
	flush(t, s)

	m := s.Model()
	m.Features[0] = "mutated"
	slots := s.Slots()
	slots[0].Label = "mutated"
	hist := s.Series(channel.MetricPH)
	hist[0].Value = 99

	if s.Model().Features[0] != "co2" {
		t.Error("model features aliased")
	}
	if s.Slots()[0].Label != "Plot 1" {
		t.Error("slots aliased")
	}
	if s.Series(channel.MetricPH)[0].Value != 6 {
		t.Error("series aliased")
	}
}

func TestSeedRestoresLastKnownState(t *testing.T) {
	moving := actuator.Position{CurrentSlot: 3, Phase: actuator.PhaseMoving, LastAction: "Moving to Plot 5"}
	light := channel.LightConfig{IntensityPercent: 55, On: true}
	s, _, _ := newTestStore(t, Options{Seed: &Seed{Position: &moving, Light: &light, CameraURL: "rtsp://cam"}})

	pos := s.ActuatorPosition()
	if pos.Phase != actuator.PhaseIdle || pos.CurrentSlot != 3 {
		t.Errorf("seeded position = %+v, want idle at 3", pos)
	}
	if got := s.LightConfig(); got != light {
		t.Errorf("LightConfig() = %+v, want %+v", got, light)
	}
	if s.Status() != StatusLoading {
		t.Error("seeded store must still report loading")
	}

	seed := s.Seed()
	if seed.CameraURL != "rtsp://cam" || seed.Light.IntensityPercent != 55 {
		t.Errorf("Seed() = %+v", seed)
	}
}

func TestSubmitAfterCloseIsIgnored(t *testing.T) {
	s := New(remote.NewMemory(), Options{Clock: clock.Fake(epoch)})
	s.Close()
	s.Close()
	s.Submit(AspectLight, func(st *State) { st.Light.On = true })
	if err := s.Sync(context.Background()); err == nil {
		t.Error("Sync() on closed store succeeded")
	}
	if _, err := s.Attach(channel.KeyLight); err == nil {
		t.Error("Attach() on closed store succeeded")
	}
}
