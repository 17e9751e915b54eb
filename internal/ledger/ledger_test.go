package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/dokzlo13/sporewatch/internal/db"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestFirstOutcomeWins(t *testing.T) {
	l := newLedger(t)
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	rows := []Entry{
		{CommandID: "c1", Stage: StageIssued, Kind: "move_actuator", Aspect: "actuator", Timestamp: at},
		{CommandID: "c1", Stage: StageWritten, Kind: "move_actuator", Aspect: "actuator", Timestamp: at.Add(10 * time.Millisecond)},
		{CommandID: "c1", Stage: StageConfirmed, Kind: "move_actuator", Aspect: "actuator", Timestamp: at.Add(time.Second)},
		// A timer that fired late must not overwrite the confirmation.
		{CommandID: "c1", Stage: StageResolved, Kind: "move_actuator", Aspect: "actuator", Timestamp: at.Add(3 * time.Second)},
	}
	for _, e := range rows {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append(%s) error = %v", e.Stage, err)
		}
	}

	got, err := l.Outcome("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got != StageConfirmed {
		t.Errorf("Outcome() = %q, want %q", got, StageConfirmed)
	}

	history, err := l.History("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("History() = %d rows, want 3", len(history))
	}
	if !history[0].Timestamp.Equal(at) || history[0].Aspect != "actuator" {
		t.Errorf("first row = %+v", history[0])
	}
}

func TestOutcomePending(t *testing.T) {
	l := newLedger(t)
	if err := l.Append(Entry{CommandID: "c2", Stage: StageIssued, Kind: "read_metric"}); err != nil {
		t.Fatal(err)
	}
	got, err := l.Outcome("c2")
	if err != nil || got != "" {
		t.Errorf("Outcome() = %q, %v, want unsettled", got, err)
	}
}

func TestFailuresAreNotDeduplicated(t *testing.T) {
	l := newLedger(t)
	for i := 0; i < 2; i++ {
		if err := l.Append(Entry{CommandID: "c3", Stage: StageFailed, Kind: "set_light_on", Error: "offline"}); err != nil {
			t.Fatal(err)
		}
	}
	history, err := l.History("c3")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].Error != "offline" {
		t.Errorf("History() = %+v", history)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	l := newLedger(t)
	now := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	tests := []struct {
		id  string
		age time.Duration
	}{
		{"old", 40 * 24 * time.Hour},
		{"recent", 2 * time.Hour},
	}
	for _, tt := range tests {
		if err := l.Append(Entry{CommandID: tt.id, Stage: StageIssued, Kind: "return_home", Timestamp: now.Add(-tt.age)}); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := l.DeleteOlderThan(30 * 24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("DeleteOlderThan() = %d, want 1", deleted)
	}
	recent, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].CommandID != "recent" {
		t.Errorf("Recent() = %+v", recent)
	}
}

func TestRecordFromBus(t *testing.T) {
	l := newLedger(t)
	bus := eventbus.NewWithConfig(1, 16)
	l.Record(bus)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{
		Type:   eventbus.EventTypeCommand,
		Aspect: "light",
		Data:   map[string]any{"stage": "issued", "command_id": "c4", "kind": "set_light_on", "at": at},
	})
	bus.Publish(eventbus.Event{
		Type:   eventbus.EventTypeCommand,
		Aspect: "light",
		Data:   map[string]any{"stage": "failed", "command_id": "c4", "kind": "set_light_on", "at": at, "error": "denied"},
	})
	// Malformed events are skipped.
	bus.Publish(eventbus.Event{Type: eventbus.EventTypeCommand, Data: map[string]any{"stage": "issued"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bus.Close(ctx)

	history, err := l.History("c4")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("History() = %d rows, want 2", len(history))
	}
	if history[1].Stage != StageFailed || history[1].Error != "denied" || history[1].Aspect != "light" {
		t.Errorf("failed row = %+v", history[1])
	}
}
