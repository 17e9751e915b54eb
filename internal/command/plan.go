package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/remote"
)

// Store paths commands write to. Actuator commands go to their own path so
// the position feed only ever carries what the arm reports.
const (
	pathActuatorCommand = "robotArm/command"
	pathLight           = "lightControl"
	pathModelStatus     = "mlModel/status"
	pathSensorTrigger   = "sensors/trigger"
)

// errNoEffect tells Dispatch the command became a no-op by the time its
// effect ran. Nothing is written and the result is nil.
var errNoEffect = errors.New("command has no effect")

// effect mutates the state and returns how to undo it. An error means the
// command no longer applies to the current state.
type effect func(st *device.State) (undo func(*device.State), err error)

// plan is the dispatch recipe for one command.
type plan struct {
	aspect       device.Aspect
	path         string
	value        func(id string, at time.Time) any
	resolveAfter time.Duration
	optimistic   effect
	fallback     func(st *device.State, now time.Time)
	// bypass skips the pending machinery (emergency stop).
	bypass bool
	// noop means the command is accepted but has nothing to do.
	noop bool
}

type actuatorWrite struct {
	Action     string `json:"action"`
	TargetPlot int    `json:"targetPlot,omitempty"`
	IssuedAt   int64  `json:"issuedAt"`
	CommandID  string `json:"commandId"`
}

type triggerWrite struct {
	RequestedAt int64  `json:"requestedAt"`
	CommandID   string `json:"commandId"`
}

// plan validates cmd against the current state and builds its recipe.
// Validation errors are returned before anything is written.
func (d *Dispatcher) plan(cmd Command) (plan, error) {
	switch cmd.Kind {
	case KindMoveActuator:
		return d.planMove(cmd.Slot, d.timings.MoveTransit, "move", "Moving to %s", "Arrived at %s")
	case KindReturnHome:
		return d.planMove(d.store.HomeSlot(), d.timings.HomeTransit, "home", "Returning to home position", "Returned to home position")
	case KindEmergencyStop:
		return d.planStop(), nil
	case KindReadMetric:
		return d.planRead(cmd.Metric)
	case KindSetLightIntensity:
		if cmd.Percent < 0 || cmd.Percent > 100 {
			return plan{}, fmt.Errorf("%w: %d", ErrIntensityRange, cmd.Percent)
		}
		if d.store.LightConfig().Auto {
			return plan{noop: true}, nil
		}
		// Auto may be switched on by a command still in the update queue.
		return d.planLight("intensity", cmd.Percent, func(l *channel.LightConfig) error {
			if l.Auto {
				return errNoEffect
			}
			l.IntensityPercent = cmd.Percent
			return nil
		}), nil
	case KindSetLightAuto:
		return d.planLight("isAuto", cmd.Enabled, func(l *channel.LightConfig) error {
			l.Auto = cmd.Enabled
			return nil
		}), nil
	case KindSetLightOn:
		return d.planLight("status", channel.LightStatus(cmd.Enabled), func(l *channel.LightConfig) error {
			l.On = cmd.Enabled
			return nil
		}), nil
	case KindSetModelStatus:
		return d.planModel(cmd.Status)
	default:
		return plan{}, fmt.Errorf("%w: %q", ErrUnknownKind, cmd.Kind)
	}
}

// planMove covers both moves and the return home. Descriptions containing
// %s get the slot label.
func (d *Dispatcher) planMove(target int, transit time.Duration, action, moving, arrived string) (plan, error) {
	if err := actuator.ValidateMove(d.store.ActuatorPosition(), d.store.Slots(), target); err != nil {
		return plan{}, err
	}

	describe := func(st *device.State, format string) string {
		label := fmt.Sprintf("Plot %d", target)
		if slot, ok := actuator.FindSlot(st.Slots, target); ok && slot.Label != "" {
			label = slot.Label
		}
		if strings.Contains(format, "%s") {
			return fmt.Sprintf(format, label)
		}
		return format
	}

	return plan{
		aspect:       device.AspectActuator,
		path:         pathActuatorCommand,
		resolveAfter: transit,
		value: func(id string, at time.Time) any {
			return actuatorWrite{Action: action, TargetPlot: target, IssuedAt: at.UnixMilli(), CommandID: id}
		},
		optimistic: func(st *device.State) (func(*device.State), error) {
			if err := actuator.ValidateMove(st.Position, st.Slots, target); err != nil {
				return nil, err
			}
			saved := st.Position
			next, err := actuator.Apply(st.Position, actuator.Move(target, describe(st, moving)))
			if err != nil {
				return nil, err
			}
			st.Position = next
			return func(st *device.State) {
				st.Position, _ = actuator.Apply(st.Position, actuator.Revert(saved))
			}, nil
		},
		fallback: func(st *device.State, now time.Time) {
			before := st.Position
			st.Position, _ = actuator.Apply(st.Position, actuator.Resolve(target, describe(st, arrived)))
			if st.Position != before {
				st.VisitSlot(target, now)
			}
		},
	}, nil
}

func (d *Dispatcher) planStop() plan {
	return plan{
		aspect: device.AspectActuator,
		path:   pathActuatorCommand,
		bypass: true,
		value: func(id string, at time.Time) any {
			return actuatorWrite{Action: "stop", IssuedAt: at.UnixMilli(), CommandID: id}
		},
		optimistic: func(st *device.State) (func(*device.State), error) {
			// Operating is owned by the apparatus; the stop is still sent.
			st.Position, _ = actuator.Apply(st.Position, actuator.Stop())
			return nil, nil
		},
	}
}

func (d *Dispatcher) planRead(m channel.Metric) (plan, error) {
	if _, err := channel.ParseMetric(string(m)); err != nil {
		return plan{}, err
	}
	return plan{
		aspect:       device.ReadingAspect(m),
		path:         remote.Join(pathSensorTrigger, string(m)),
		resolveAfter: d.timings.SensorRead,
		value: func(id string, at time.Time) any {
			return triggerWrite{RequestedAt: at.UnixMilli(), CommandID: id}
		},
		optimistic: func(st *device.State) (func(*device.State), error) {
			st.Reading[m] = true
			return func(st *device.State) { delete(st.Reading, m) }, nil
		},
		fallback: func(st *device.State, _ time.Time) {
			delete(st.Reading, m)
		},
	}, nil
}

func (d *Dispatcher) planLight(field string, wire any, set func(*channel.LightConfig) error) plan {
	return plan{
		aspect:       device.AspectLight,
		path:         remote.Join(pathLight, field),
		resolveAfter: d.timings.LightSettle,
		value:        func(string, time.Time) any { return wire },
		optimistic: func(st *device.State) (func(*device.State), error) {
			saved := st.Light
			if err := set(&st.Light); err != nil {
				return nil, err
			}
			return func(st *device.State) { st.Light = saved }, nil
		},
	}
}

func (d *Dispatcher) planModel(status channel.ModelStatus) (plan, error) {
	status, err := channel.ParseModelStatus(string(status))
	if err != nil {
		return plan{}, err
	}
	if d.store.Model() == nil {
		return plan{}, ErrNoModel
	}
	return plan{
		aspect:       device.AspectModel,
		path:         pathModelStatus,
		resolveAfter: d.timings.ModelSettle,
		value:        func(string, time.Time) any { return string(status) },
		optimistic: func(st *device.State) (func(*device.State), error) {
			if st.Model == nil {
				return nil, ErrNoModel
			}
			saved := st.Model.Status
			st.Model.Status = status
			return func(st *device.State) {
				if st.Model != nil {
					st.Model.Status = saved
				}
			}, nil
		},
	}, nil
}
