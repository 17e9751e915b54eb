package simulator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dokzlo13/sporewatch/internal/channel"
	"github.com/dokzlo13/sporewatch/internal/remote"
)

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

func armAt(mem *remote.Memory) (slot int, status, action string) {
	var pos struct {
		CurrentPlot int    `json:"currentPlot"`
		Status      string `json:"status"`
		LastAction  string `json:"lastAction"`
	}
	_ = json.Unmarshal(mem.Get("robotArm/position"), &pos)
	return pos.CurrentPlot, pos.Status, pos.LastAction
}

func start(t *testing.T, opts Options) *remote.Memory {
	t.Helper()
	mem := remote.NewMemory()
	sim := New(mem, opts)
	ctx, cancel := context.WithCancel(context.Background())
	if err := sim.Seed(ctx); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := sim.Run(ctx); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()
	eventually(t, "simulator subscribed", func() bool { return mem.Subscribers("robotArm/command") == 1 })
	t.Cleanup(func() {
		cancel()
		<-done
		mem.Close()
	})
	return mem
}

func TestSeedPublishesLayout(t *testing.T) {
	mem := start(t, Options{Backfill: 4})

	var plots []map[string]any
	if err := json.Unmarshal(mem.Get("plots"), &plots); err != nil || len(plots) != 6 {
		t.Fatalf("plots = %s (%v)", mem.Get("plots"), err)
	}
	if plots[4]["status"] != "inactive" {
		t.Errorf("plot 5 status = %v, want inactive", plots[4]["status"])
	}

	if slot, status, _ := armAt(mem); slot != 1 || status != "idle" {
		t.Errorf("arm = %d %s, want 1 idle", slot, status)
	}

	var history map[string]any
	if err := json.Unmarshal(mem.Get(string(channel.HistoryKey(channel.MetricCO2))), &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 5 {
		t.Errorf("co2 history = %d readings, want 5", len(history))
	}

	var snap map[string]float64
	if err := json.Unmarshal(mem.Get("sensors/current"), &snap); err != nil || len(snap) != len(channel.Metrics) {
		t.Errorf("snapshot = %s (%v)", mem.Get("sensors/current"), err)
	}
}

func TestArmFollowsCommands(t *testing.T) {
	mem := start(t, Options{MoveTransit: 20 * time.Millisecond, HomeTransit: 10 * time.Millisecond})
	ctx := context.Background()

	if err := mem.Set(ctx, "robotArm/command", map[string]any{"action": "move", "targetPlot": 3}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "arrival", func() bool {
		slot, status, action := armAt(mem)
		return slot == 3 && status == "idle" && action == "Arrived at Plot 3"
	})

	if err := mem.Set(ctx, "robotArm/command", map[string]any{"action": "home"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "home", func() bool {
		slot, _, action := armAt(mem)
		return slot == 1 && action == "Returned to home position"
	})
}

func TestStopCancelsMove(t *testing.T) {
	mem := start(t, Options{MoveTransit: time.Hour})
	ctx := context.Background()

	if err := mem.Set(ctx, "robotArm/command", map[string]any{"action": "move", "targetPlot": 4}); err != nil {
		t.Fatal(err)
	}
	if err := mem.Set(ctx, "robotArm/command", map[string]any{"action": "stop"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "stop reported", func() bool {
		_, _, action := armAt(mem)
		return action == "Emergency stop activated"
	})
	if slot, status, _ := armAt(mem); slot != 1 || status != "idle" {
		t.Errorf("arm = %d %s, want 1 idle", slot, status)
	}
}

func TestTriggerAnswersWithReading(t *testing.T) {
	mem := start(t, Options{ReadDelay: 5 * time.Millisecond})
	key := string(channel.HistoryKey(channel.MetricPH))

	count := func() int {
		var history map[string]any
		_ = json.Unmarshal(mem.Get(key), &history)
		return len(history)
	}
	before := count()

	if err := mem.Set(context.Background(), "sensors/trigger/ph", map[string]any{"requestedAt": time.Now().UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "fresh ph reading", func() bool { return count() == before+1 })
}
