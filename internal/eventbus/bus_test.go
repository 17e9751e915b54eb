package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishRoutesByType(t *testing.T) {
	b := NewWithConfig(2, 16)
	defer b.Close(context.Background())

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	wg.Add(2)
	record := func(e Event) {
		mu.Lock()
		got = append(got, string(e.Type)+":"+e.Aspect)
		mu.Unlock()
		wg.Done()
	}
	b.Subscribe(EventTypeAspectChanged, record)
	b.Subscribe(EventTypeCommand, record)

	b.Publish(Event{Type: EventTypeAspectChanged, Aspect: "light"})
	b.Publish(Event{Type: EventTypeStatusChanged, Aspect: "store"})
	b.Publish(Event{Type: EventTypeCommand, Aspect: "actuator"})

	waitGroup(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("handled %v, want 2 events", got)
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	b := NewWithConfig(1, 4)
	defer b.Close(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	b.Subscribe(EventTypeAspectChanged, func(e Event) {
		if e.Aspect == "boom" {
			panic("handler failure")
		}
		wg.Done()
	})

	b.Publish(Event{Type: EventTypeAspectChanged, Aspect: "boom"})
	b.Publish(Event{Type: EventTypeAspectChanged, Aspect: "light"})
	waitGroup(t, &wg)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := NewWithConfig(1, 4)
	called := make(chan struct{}, 1)
	b.Subscribe(EventTypeAspectChanged, func(Event) { called <- struct{}{} })

	b.Close(context.Background())
	b.Close(context.Background())
	b.Publish(Event{Type: EventTypeAspectChanged, Aspect: "light"})

	select {
	case <-called:
		t.Fatal("handler ran after Close")
	case <-time.After(20 * time.Millisecond):
	}
	select {
	case <-b.Closing():
	default:
		t.Error("Closing() not closed after Close")
	}
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}
}
