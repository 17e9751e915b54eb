// Package simulator plays the apparatus against an in-memory store: it
// publishes a default layout, emits sensor readings and answers actuator
// and sensor commands the way the hardware does.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/remote"
)

// Options configures a Simulator.
type Options struct {
	Slots    []actuator.Slot
	HomeSlot int

	MoveTransit time.Duration
	HomeTransit time.Duration
	// ReadDelay is how long an on-demand sensor read takes.
	ReadDelay time.Duration
	// Interval between periodic readings; zero disables them.
	Interval time.Duration
	// Backfill is how many past readings per metric Seed publishes.
	Backfill int
}

// baseline values and jitter per metric.
var baseline = map[channel.Metric][2]float64{
	channel.MetricPH:          {6.5, 0.2},
	channel.MetricMoisture:    {62, 4},
	channel.MetricCO2:         {850, 60},
	channel.MetricHumidity:    {88, 3},
	channel.MetricTemperature: {21.5, 0.8},
}

// Simulator owns the device side of a remote.Memory.
type Simulator struct {
	mem  *remote.Memory
	opts Options

	mu      sync.Mutex
	rng     *rand.Rand
	current int
	arm     *time.Timer
}

// New creates a simulator over mem.
func New(mem *remote.Memory, opts Options) *Simulator {
	if len(opts.Slots) == 0 {
		opts.Slots = actuator.DefaultSlots()
	}
	if opts.HomeSlot <= 0 {
		opts.HomeSlot = 1
	}
	if opts.MoveTransit <= 0 {
		opts.MoveTransit = 3 * time.Second
	}
	if opts.HomeTransit <= 0 {
		opts.HomeTransit = 2 * time.Second
	}
	if opts.ReadDelay <= 0 {
		opts.ReadDelay = time.Second
	}
	return &Simulator{
		mem:     mem,
		opts:    opts,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		current: opts.HomeSlot,
	}
}

// Seed publishes the initial layout and a backfilled history.
func (s *Simulator) Seed(ctx context.Context) error {
	plots := make([]map[string]any, 0, len(s.opts.Slots))
	for _, slot := range s.opts.Slots {
		status := "active"
		if !slot.Active {
			status = "inactive"
		}
		plots = append(plots, map[string]any{"id": slot.ID, "name": slot.Label, "status": status})
	}

	docs := []struct {
		path  string
		value any
	}{
		{"plots", plots},
		{"robotArm/position", position(s.opts.HomeSlot, "idle", "System ready")},
		{"lightControl", map[string]any{"intensity": 70, "isAuto": false, "status": "on"}},
		{"camera/url", "http://localhost:8081/stream.mjpg"},
		{"mlModel", channel.ModelRecord{
			Name:            "Fruiting predictor",
			Version:         "1.2.0",
			Status:          channel.ModelActive,
			Accuracy:        0.92,
			Description:     "Predicts fruiting readiness from climate history",
			LastTrainedDate: time.Now().AddDate(0, 0, -7).Format("2006-01-02"),
			Features:        []string{"co2", "humidity", "temperature"},
			Predictions: channel.Predictions{
				EstimatedHarvestDate: time.Now().AddDate(0, 0, 12).Format("2006-01-02"),
				FruitingReadiness:    0.64,
				HealthScore:          0.88,
			},
		}},
	}
	for _, d := range docs {
		if err := s.mem.Set(ctx, d.path, d.value); err != nil {
			return fmt.Errorf("failed to seed %s: %w", d.path, err)
		}
	}

	now := time.Now()
	step := s.opts.Interval
	if step <= 0 {
		step = time.Minute
	}
	for i := s.opts.Backfill; i > 0; i-- {
		if err := s.emit(ctx, now.Add(-time.Duration(i)*step)); err != nil {
			return err
		}
	}
	return s.emit(ctx, now)
}

// Run answers commands and emits periodic readings until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	stopArm, err := s.mem.Subscribe("robotArm/command", func(ev remote.Event) {
		s.onArmCommand(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to arm commands: %w", err)
	}
	defer stopArm()

	stopTrigger, err := s.mem.Subscribe("sensors/trigger", func(ev remote.Event) {
		s.onTrigger(ctx, ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to sensor triggers: %w", err)
	}
	defer stopTrigger()

	log.Info().Dur("interval", s.opts.Interval).Msg("Simulator running")

	var tick <-chan time.Time
	if s.opts.Interval > 0 {
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.arm != nil {
				s.arm.Stop()
			}
			s.mu.Unlock()
			return nil
		case now := <-tick:
			if err := s.emit(ctx, now); err != nil {
				log.Warn().Err(err).Msg("Simulator failed to emit readings")
			}
		}
	}
}

type armCommand struct {
	Action     string `json:"action"`
	TargetPlot int    `json:"targetPlot"`
}

// onArmCommand runs on the writer's goroutine and must not write back
// synchronously.
func (s *Simulator) onArmCommand(ctx context.Context, ev remote.Event) {
	if ev.Path != "/" {
		return
	}
	var cmd armCommand
	if err := json.Unmarshal(ev.Data, &cmd); err != nil {
		log.Warn().Err(err).Msg("Simulator ignoring malformed arm command")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.arm != nil {
		s.arm.Stop()
		s.arm = nil
	}

	switch cmd.Action {
	case "stop":
		current := s.current
		go s.setPosition(ctx, position(current, "idle", "Emergency stop activated"))
	case "move", "home":
		target := cmd.TargetPlot
		transit := s.opts.MoveTransit
		arrived := fmt.Sprintf("Arrived at %s", s.label(target))
		if cmd.Action == "home" {
			target = s.opts.HomeSlot
			transit = s.opts.HomeTransit
			arrived = "Returned to home position"
		}
		s.arm = time.AfterFunc(transit, func() {
			s.mu.Lock()
			s.current = target
			s.arm = nil
			s.mu.Unlock()
			s.setPosition(ctx, position(target, "idle", arrived))
		})
	default:
		log.Warn().Str("action", cmd.Action).Msg("Simulator ignoring unknown arm action")
	}
}

func (s *Simulator) onTrigger(ctx context.Context, ev remote.Event) {
	segs := remote.Segments(ev.Path)
	if len(segs) != 1 {
		return
	}
	metric, err := channel.ParseMetric(segs[0])
	if err != nil {
		return
	}
	time.AfterFunc(s.opts.ReadDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.emitMetric(ctx, metric, time.Now()); err != nil {
			log.Warn().Err(err).Str("metric", string(metric)).Msg("Simulator failed to answer sensor read")
		}
	})
}

func (s *Simulator) setPosition(ctx context.Context, pos map[string]any) {
	if ctx.Err() != nil {
		return
	}
	if err := s.mem.Set(ctx, "robotArm/position", pos); err != nil {
		log.Warn().Err(err).Msg("Simulator failed to report arm position")
	}
}

// emit pushes one reading per metric and refreshes the snapshot.
func (s *Simulator) emit(ctx context.Context, at time.Time) error {
	for _, m := range channel.Metrics {
		if err := s.emitMetric(ctx, m, at); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) emitMetric(ctx context.Context, m channel.Metric, at time.Time) error {
	v := s.sample(m, at)
	if _, err := s.mem.Push(ctx, string(channel.HistoryKey(m)), map[string]any{
		"timestamp": at.UnixMilli(),
		"value":     v,
	}); err != nil {
		return fmt.Errorf("failed to push %s reading: %w", m, err)
	}
	if err := s.mem.Set(ctx, remote.Join(string(channel.KeySnapshot), string(m)), v); err != nil {
		return fmt.Errorf("failed to update %s snapshot: %w", m, err)
	}
	return nil
}

// sample follows a slow daily wave around the metric's baseline.
func (s *Simulator) sample(m channel.Metric, at time.Time) float64 {
	b := baseline[m]
	phase := float64(at.Unix()%86400) / 86400 * 2 * math.Pi
	s.mu.Lock()
	noise := (s.rng.Float64()*2 - 1) * b[1] * 0.3
	s.mu.Unlock()
	v := b[0] + math.Sin(phase)*b[1] + noise
	return math.Round(v*100) / 100
}

// label must be called with mu held.
func (s *Simulator) label(id int) string {
	if slot, ok := actuator.FindSlot(s.opts.Slots, id); ok && slot.Label != "" {
		return slot.Label
	}
	return fmt.Sprintf("Plot %d", id)
}

func position(slot int, status, action string) map[string]any {
	return map[string]any{"currentPlot": slot, "status": status, "lastAction": action}
}
