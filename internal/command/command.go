// Package command writes user intent to the remote store and keeps the
// local state optimistic until the store confirms or a deadline passes.
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dokzlo13/sporewatch/internal/channel"
)

// Kind identifies a dispatchable command.
type Kind string

const (
	KindReadMetric        Kind = "read_metric"
	KindMoveActuator      Kind = "move_actuator"
	KindReturnHome        Kind = "return_home"
	KindEmergencyStop     Kind = "emergency_stop"
	KindSetLightIntensity Kind = "set_light_intensity"
	KindSetLightAuto      Kind = "set_light_auto"
	KindSetLightOn        Kind = "set_light_on"
	KindSetModelStatus    Kind = "set_model_status"
)

var (
	ErrIntensityRange = errors.New("light intensity must be within 0..100")
	ErrNoModel        = errors.New("no model record to update")
	ErrUnknownKind    = errors.New("unknown command kind")
	ErrClosed         = errors.New("dispatcher closed")
)

// Command is one user intent. Only the fields of its Kind are used.
type Command struct {
	Kind    Kind                `json:"kind"`
	Metric  channel.Metric      `json:"metric,omitempty"`
	Slot    int                 `json:"slot,omitempty"`
	Percent int                 `json:"percent,omitempty"`
	Enabled bool                `json:"enabled,omitempty"`
	Status  channel.ModelStatus `json:"status,omitempty"`
}

func ReadMetric(m channel.Metric) Command { return Command{Kind: KindReadMetric, Metric: m} }
func MoveActuator(slot int) Command      { return Command{Kind: KindMoveActuator, Slot: slot} }
func ReturnHome() Command                { return Command{Kind: KindReturnHome} }
func EmergencyStop() Command             { return Command{Kind: KindEmergencyStop} }
func SetLightIntensity(p int) Command    { return Command{Kind: KindSetLightIntensity, Percent: p} }
func SetLightAuto(on bool) Command       { return Command{Kind: KindSetLightAuto, Enabled: on} }
func SetLightOn(on bool) Command         { return Command{Kind: KindSetLightOn, Enabled: on} }

func SetModelStatus(s channel.ModelStatus) Command {
	return Command{Kind: KindSetModelStatus, Status: s}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindReadMetric, KindMoveActuator, KindReturnHome, KindEmergencyStop,
		KindSetLightIntensity, KindSetLightAuto, KindSetLightOn, KindSetModelStatus:
		return k, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

func (c Command) String() string {
	switch c.Kind {
	case KindReadMetric:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Metric)
	case KindMoveActuator:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Slot)
	case KindSetLightIntensity:
		return fmt.Sprintf("%s(%d)", c.Kind, c.Percent)
	case KindSetLightAuto, KindSetLightOn:
		return fmt.Sprintf("%s(%t)", c.Kind, c.Enabled)
	case KindSetModelStatus:
		return fmt.Sprintf("%s(%s)", c.Kind, c.Status)
	default:
		return string(c.Kind)
	}
}

// Timings are the per-kind deadlines after which a command is considered
// settled without confirmation.
type Timings struct {
	MoveTransit  time.Duration
	HomeTransit  time.Duration
	SensorRead   time.Duration
	LightSettle  time.Duration
	ModelSettle  time.Duration
	WriteTimeout time.Duration
}

// DefaultTimings mirror how long the apparatus usually takes.
func DefaultTimings() Timings {
	return Timings{
		MoveTransit:  3 * time.Second,
		HomeTransit:  2 * time.Second,
		SensorRead:   2 * time.Second,
		LightSettle:  time.Second,
		ModelSettle:  time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.MoveTransit <= 0 {
		t.MoveTransit = d.MoveTransit
	}
	if t.HomeTransit <= 0 {
		t.HomeTransit = d.HomeTransit
	}
	if t.SensorRead <= 0 {
		t.SensorRead = d.SensorRead
	}
	if t.LightSettle <= 0 {
		t.LightSettle = d.LightSettle
	}
	if t.ModelSettle <= 0 {
		t.ModelSettle = d.ModelSettle
	}
	if t.WriteTimeout <= 0 {
		t.WriteTimeout = d.WriteTimeout
	}
	return t
}
