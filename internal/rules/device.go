package rules

import (
	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/command"
	"github.com/dokzlo13/sporewatch/internal/device"
)

// Dispatcher issues commands.
type Dispatcher interface {
	Dispatch(cmd command.Command) (<-chan error, error)
}

// DeviceModule exposes the device state and command dispatch to scripts.
//
// Readers return plain tables. Dispatch functions return true when the
// command was accepted, or nil and a message when it was rejected; write
// failures are only logged.
type DeviceModule struct {
	store    *device.Store
	dispatch Dispatcher
}

// NewDeviceModule creates the device module.
func NewDeviceModule(store *device.Store, d Dispatcher) *DeviceModule {
	return &DeviceModule{store: store, dispatch: d}
}

// Loader is the module loader for Lua
func (m *DeviceModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetFuncs(mod, map[string]lua.LGFunction{
		"status":   m.status,
		"snapshot": m.snapshot,
		"latest":   m.latest,
		"history":  m.history,
		"reading":  m.reading,
		"position": m.position,
		"slots":    m.slots,
		"light":    m.light,
		"model":    m.model,
		"camera":   m.camera,

		"read_metric": m.readMetric,
		"move":        m.move,
		"home":        m.issue(func(*lua.LState) command.Command { return command.ReturnHome() }),
		"stop":        m.issue(func(*lua.LState) command.Command { return command.EmergencyStop() }),
		"set_intensity": m.issue(func(L *lua.LState) command.Command {
			return command.SetLightIntensity(L.CheckInt(1))
		}),
		"set_auto": m.issue(func(L *lua.LState) command.Command {
			return command.SetLightAuto(L.CheckBool(1))
		}),
		"set_light": m.issue(func(L *lua.LState) command.Command {
			return command.SetLightOn(L.CheckBool(1))
		}),
		"set_model_status": m.issue(func(L *lua.LState) command.Command {
			return command.SetModelStatus(channel.ModelStatus(L.CheckString(1)))
		}),
	})

	L.Push(mod)
	return 1
}

func checkMetric(L *lua.LState, n int) channel.Metric {
	metric, err := channel.ParseMetric(L.CheckString(n))
	if err != nil {
		L.ArgError(n, err.Error())
	}
	return metric
}

func (m *DeviceModule) status(L *lua.LState) int {
	L.Push(lua.LString(m.store.Status().String()))
	return 1
}

func (m *DeviceModule) snapshot(L *lua.LState) int {
	tbl := L.NewTable()
	for metric, v := range m.store.Snapshot() {
		tbl.RawSetString(string(metric), lua.LNumber(v))
	}
	L.Push(tbl)
	return 1
}

// latest(metric) -> value, timestamp_ms | nil
func (m *DeviceModule) latest(L *lua.LState) int {
	last := m.store.LastN(checkMetric(L, 1), 1)
	if len(last) == 0 {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(last[0].Value))
	L.Push(lua.LNumber(last[0].Timestamp.UnixMilli()))
	return 2
}

// history(metric, n) -> {{t = ms, v = value}, ...} oldest first
func (m *DeviceModule) history(L *lua.LState) int {
	metric := checkMetric(L, 1)
	n := L.OptInt(2, 10)

	tbl := L.NewTable()
	for _, r := range m.store.LastN(metric, n) {
		point := L.NewTable()
		point.RawSetString("t", lua.LNumber(r.Timestamp.UnixMilli()))
		point.RawSetString("v", lua.LNumber(r.Value))
		tbl.Append(point)
	}
	L.Push(tbl)
	return 1
}

func (m *DeviceModule) reading(L *lua.LState) int {
	L.Push(lua.LBool(m.store.Reading(checkMetric(L, 1))))
	return 1
}

func (m *DeviceModule) position(L *lua.LState) int {
	pos := m.store.ActuatorPosition()
	L.Push(MapToLuaTable(L, map[string]any{
		"slot":        pos.CurrentSlot,
		"phase":       pos.Phase.String(),
		"last_action": pos.LastAction,
	}))
	return 1
}

func (m *DeviceModule) slots(L *lua.LState) int {
	tbl := L.NewTable()
	for _, s := range m.store.Slots() {
		tbl.Append(MapToLuaTable(L, map[string]any{
			"id":     s.ID,
			"label":  s.Label,
			"active": s.Active,
		}))
	}
	L.Push(tbl)
	return 1
}

func (m *DeviceModule) light(L *lua.LState) int {
	cfg := m.store.LightConfig()
	L.Push(MapToLuaTable(L, map[string]any{
		"intensity": cfg.IntensityPercent,
		"auto":      cfg.Auto,
		"on":        cfg.On,
	}))
	return 1
}

func (m *DeviceModule) model(L *lua.LState) int {
	rec := m.store.Model()
	if rec == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(MapToLuaTable(L, map[string]any{
		"name":              rec.Name,
		"version":           rec.Version,
		"status":            string(rec.Status),
		"accuracy":          rec.Accuracy,
		"health_score":      rec.Predictions.HealthScore,
		"readiness":         rec.Predictions.FruitingReadiness,
		"estimated_harvest": rec.Predictions.EstimatedHarvestDate,
	}))
	return 1
}

func (m *DeviceModule) camera(L *lua.LState) int {
	L.Push(lua.LString(m.store.CameraURL()))
	return 1
}

func (m *DeviceModule) readMetric(L *lua.LState) int {
	return m.send(L, command.ReadMetric(checkMetric(L, 1)))
}

func (m *DeviceModule) move(L *lua.LState) int {
	return m.send(L, command.MoveActuator(L.CheckInt(1)))
}

func (m *DeviceModule) issue(build func(*lua.LState) command.Command) lua.LGFunction {
	return func(L *lua.LState) int {
		return m.send(L, build(L))
	}
}

func (m *DeviceModule) send(L *lua.LState, cmd command.Command) int {
	if m.dispatch == nil {
		L.Push(lua.LNil)
		L.Push(lua.LString("commands are disabled"))
		return 2
	}

	result, err := m.dispatch.Dispatch(cmd)
	if err != nil {
		log.Debug().Err(err).Str("command", cmd.String()).Str("source", "lua").Msg("Script command rejected")
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}

	go func() {
		if err := <-result; err != nil {
			log.Warn().Err(err).Str("command", cmd.String()).Str("source", "lua").Msg("Script command failed")
		}
	}()

	L.Push(lua.LTrue)
	return 1
}
