package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/sporewatch/internal/actuator"
	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/clock"
	"github.com/dokzlo13/sporewatch/internal/command"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
	"github.com/dokzlo13/sporewatch/internal/remote"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	issued []command.Command
	reject error
}

func (d *recordingDispatcher) Dispatch(cmd command.Command) (<-chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reject != nil {
		return nil, d.reject
	}
	d.issued = append(d.issued, cmd)
	res := make(chan error, 1)
	res <- nil
	close(res)
	return res, nil
}

func (d *recordingDispatcher) commands() []command.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]command.Command(nil), d.issued...)
}

func newRuntime(t *testing.T, script string) (*Runtime, *device.Store, *recordingDispatcher) {
	t.Helper()
	store := device.New(remote.NewMemory(), device.Options{Clock: clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))})
	t.Cleanup(store.Close)

	disp := &recordingDispatcher{}
	r := NewRuntime(NewDeviceModule(store, disp))
	if err := r.LoadString(script); err != nil {
		t.Fatalf("LoadString() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(func() {
		cancel()
		r.Close()
		r.Wait()
	})
	return r, store, disp
}

// eval runs a Lua expression on the worker and returns its value.
func eval(t *testing.T, r *Runtime, expr string) any {
	t.Helper()
	var out any
	err := r.DoSyncWithResult(context.Background(), func(context.Context) error {
		if err := r.L.DoString("__eval = " + expr); err != nil {
			return err
		}
		out = LuaToGo(r.L.GetGlobal("__eval"))
		return nil
	})
	if err != nil {
		t.Fatalf("eval(%s) error = %v", expr, err)
	}
	return out
}

func TestDeviceReaders(t *testing.T) {
	r, store, _ := newRuntime(t, `device = require("device")`)

	store.Submit("", func(st *device.State) {
		st.Light = channel.LightConfig{IntensityPercent: 45, On: true}
		st.Position = actuator.Position{CurrentSlot: 2, Phase: actuator.PhaseIdle, LastAction: "Arrived at Plot 2"}
		st.Snapshot = channel.Snapshot{channel.MetricCO2: 850}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Sync(ctx); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		expr string
		want any
	}{
		{`device.light().intensity`, 45.0},
		{`device.light().on`, true},
		{`device.position().slot`, 2.0},
		{`device.position().phase`, "idle"},
		{`device.snapshot().co2`, 850.0},
		{`#device.slots()`, 6.0},
		{`device.slots()[5].active`, false},
		{`device.model()`, nil},
		{`device.reading("ph")`, false},
		{`device.status()`, "loading"},
		{`device.latest("humidity")`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if got := eval(t, r, tt.expr); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestDeviceCommands(t *testing.T) {
	r, _, disp := newRuntime(t, `device = require("device")`)

	for _, call := range []string{
		`device.read_metric("co2")`,
		`device.move(3)`,
		`device.home()`,
		`device.stop()`,
		`device.set_intensity(70)`,
		`device.set_auto(true)`,
		`device.set_light(false)`,
		`device.set_model_status("inactive")`,
	} {
		if got := eval(t, r, call); got != true {
			t.Errorf("%s = %v, want true", call, got)
		}
	}

	want := []command.Command{
		command.ReadMetric(channel.MetricCO2),
		command.MoveActuator(3),
		command.ReturnHome(),
		command.EmergencyStop(),
		command.SetLightIntensity(70),
		command.SetLightAuto(true),
		command.SetLightOn(false),
		command.SetModelStatus(channel.ModelInactive),
	}
	got := disp.commands()
	if len(got) != len(want) {
		t.Fatalf("issued %d commands, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRejectedCommandReturnsMessage(t *testing.T) {
	r, _, disp := newRuntime(t, `
device = require("device")
function try_move()
  local ok, err = device.move(1)
  return tostring(ok) .. ":" .. tostring(err)
end`)
	disp.reject = actuator.ErrSameSlot

	got := eval(t, r, `try_move()`)
	want := fmt.Sprintf("nil:%s", actuator.ErrSameSlot)
	if got != want {
		t.Errorf("try_move() = %v, want %v", got, want)
	}
}

func TestBadMetricRaises(t *testing.T) {
	r, _, _ := newRuntime(t, `device = require("device")`)
	got := eval(t, r, `select(1, pcall(device.read_metric, "radon"))`)
	if got != false {
		t.Errorf("pcall(read_metric) = %v, want false", got)
	}
}

func TestHooksFollowBus(t *testing.T) {
	r, _, disp := newRuntime(t, `
local log = require("log")
device = require("device")
changes = {}
stages = {}
status = ""

function on_change(aspect)
  changes[#changes + 1] = aspect
  if aspect == "snapshot" then
    device.set_light(true)
  end
  if aspect == "boom" then
    error("script bug")
  end
end

function on_status(s)
  status = s
end

function on_command(stage, info)
  stages[#stages + 1] = stage .. "/" .. info.kind .. "/" .. info.aspect
  log.info("Command stage", {stage = stage})
end`)

	bus := eventbus.NewWithConfig(1, 16)
	r.Watch(context.Background(), bus)

	bus.Publish(eventbus.Event{Type: eventbus.EventTypeAspectChanged, Aspect: "boom"})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeAspectChanged, Aspect: "snapshot"})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeStatusChanged, Aspect: "store", Data: map[string]any{"status": "ready"}})
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeCommand, Aspect: "light", Data: map[string]any{
		"stage": "written", "kind": "set_light_on", "command_id": "c1", "at": time.Now(),
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bus.Close(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for eval(t, r, `#stages`) != 1.0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := eval(t, r, `table.concat(changes, ",")`); got != "boom,snapshot" {
		t.Errorf("changes = %v", got)
	}
	if got := eval(t, r, `status`); got != "ready" {
		t.Errorf("status = %v", got)
	}
	if got := eval(t, r, `stages[1]`); got != "written/set_light_on/light" {
		t.Errorf("stages[1] = %v", got)
	}
	if cmds := disp.commands(); len(cmds) != 1 || cmds[0] != command.SetLightOn(true) {
		t.Errorf("commands = %v", cmds)
	}
}

func TestLoadErrors(t *testing.T) {
	r := NewRuntime(nil)
	defer r.L.Close()
	if err := r.LoadString(`this is not lua`); err == nil {
		t.Error("LoadString() accepted invalid source")
	}
	if err := r.LoadScript("/does/not/exist.lua"); err == nil {
		t.Error("LoadScript() accepted a missing file")
	}
}

func TestClosedRuntimeRejectsWork(t *testing.T) {
	r, _, _ := newRuntime(t, ``)
	r.Close()
	err := r.DoSyncWithResult(context.Background(), func(context.Context) error { return nil })
	if err != nil && !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("DoSyncWithResult() after Close error = %v", err)
	}
	if r.Do(context.Background(), func(context.Context) {}) {
		t.Error("Do() after Close accepted work")
	}
}

func TestConvertRoundTrip(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{
		"name":   "fruiting",
		"score":  0.92,
		"active": true,
		"list":   []any{"a", "b"},
	}
	out, ok := LuaToGo(MapToLuaTable(L, in)).(map[string]any)
	if !ok {
		t.Fatal("table did not convert back to a map")
	}
	if out["name"] != "fruiting" || out["score"] != 0.92 || out["active"] != true {
		t.Errorf("round trip = %v", out)
	}
	if list, ok := out["list"].([]any); !ok || len(list) != 2 || list[1] != "b" {
		t.Errorf("list = %v", out["list"])
	}
}
