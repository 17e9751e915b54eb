package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dokzlo13/sporewatch/internal/remote"
)

func newClient(t *testing.T, srv *httptest.Server, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		URL:        srv.URL,
		Auth:       "secret",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"ftp://db", "::nope"} {
		if _, err := New(Config{URL: raw}); err == nil {
			t.Errorf("New(%q) succeeded", raw)
		}
	}
}

func TestSet(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotMethod, gotPath, gotAuth, gotBody = r.Method, r.URL.Path, r.URL.Query().Get("auth"), string(body)
		w.Write(body)
	}))
	defer srv.Close()
	c := newClient(t, srv, nil)

	err := c.Set(context.Background(), "/lightControl/intensity/", 70)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/lightControl/intensity.json" || gotAuth != "secret" || gotBody != "70" {
		t.Errorf("request = %s %s auth=%s body=%s", gotMethod, gotPath, gotAuth, gotBody)
	}
}

func TestSetRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Permission denied"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	c := newClient(t, srv, nil)

	err := c.Set(context.Background(), "robotArm/command", map[string]any{"action": "stop"})
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusUnauthorized {
		t.Fatalf("Set() error = %v, want 401 StatusError", err)
	}
}

func TestPushAndGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			fmt.Fprint(w, `{"name":"-Nx1"}`)
		case http.MethodGet:
			fmt.Fprint(w, `{"ph":6.5}`)
		}
	}))
	defer srv.Close()
	c := newClient(t, srv, nil)

	key, err := c.Push(context.Background(), "sensors/history/ph", map[string]any{"timestamp": 1, "value": 6.5})
	if err != nil || key != "-Nx1" {
		t.Errorf("Push() = %q, %v", key, err)
	}
	data, err := c.Get(context.Background(), "sensors/current")
	if err != nil || string(data) != `{"ph":6.5}` {
		t.Errorf("Get() = %s, %v", data, err)
	}
}

// streamServer serves each connection the frames of the matching script
// entry, then closes it. Later connections block until the request ends.
func streamServer(t *testing.T, scripts ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			http.Error(w, "expected event stream", http.StatusBadRequest)
			return
		}
		n := int(conns.Add(1))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if n <= len(scripts) {
			io.WriteString(w, scripts[n-1])
			w.(http.Flusher).Flush()
			return
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

type collector struct {
	mu     sync.Mutex
	events []remote.Event
}

func (c *collector) add(ev remote.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) wait(t *testing.T, n int) []remote.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		if len(c.events) >= n {
			out := append([]remote.Event(nil), c.events...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events", n)
	return nil
}

func TestSubscribeParsesFrames(t *testing.T) {
	srv, _ := streamServer(t,
		": hello\n\n"+
			"event: put\ndata: {\"path\":\"/\",\"data\":{\"currentPlot\":1,\"status\":\"idle\"}}\n\n"+
			"event: keep-alive\ndata: null\n\n"+
			"event: patch\ndata: {\"path\":\"/\",\"data\":{\"status\":\"moving\"}}\n\n"+
			"event: put\ndata: {not json}\n\n"+
			"event: put\ndata: {\"path\":\"/lastAction\",\"data\":null}\n\n",
	)
	c := newClient(t, srv, nil)

	var got collector
	unsubscribe, err := c.Subscribe("robotArm/position", got.add)
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	events := got.wait(t, 3)
	want := []remote.Event{
		{Kind: remote.EventPut, Path: "/", Data: json.RawMessage(`{"currentPlot":1,"status":"idle"}`)},
		{Kind: remote.EventPatch, Path: "/", Data: json.RawMessage(`{"status":"moving"}`)},
		{Kind: remote.EventPut, Path: "/lastAction", Data: json.RawMessage(`null`)},
	}
	for i, w := range want {
		if events[i].Kind != w.Kind || events[i].Path != w.Path || string(events[i].Data) != string(w.Data) {
			t.Errorf("event %d = %+v, want %+v", i, events[i], w)
		}
	}
}

func TestSubscribeReconnects(t *testing.T) {
	srv, conns := streamServer(t,
		"event: put\ndata: {\"path\":\"/\",\"data\":1}\n\n",
		"event: cancel\ndata: null\n\n",
		"event: put\ndata: {\"path\":\"/\",\"data\":2}\n\n",
	)
	c := newClient(t, srv, nil)

	var got collector
	unsubscribe, err := c.Subscribe("camera/url", got.add)
	if err != nil {
		t.Fatal(err)
	}

	events := got.wait(t, 2)
	if string(events[0].Data) != "1" || string(events[1].Data) != "2" {
		t.Errorf("events = %+v", events)
	}
	if n := conns.Load(); n < 3 {
		t.Errorf("connections = %d, want at least 3", n)
	}

	unsubscribe()
	unsubscribe()
}

func TestMaxReconnectsIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	fatal := make(chan error, 1)
	c := newClient(t, srv, func(cfg *Config) {
		cfg.MaxReconnects = 2
		cfg.OnFatal = func(err error) { fatal <- err }
	})

	if _, err := c.Subscribe("plots", func(remote.Event) {}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-fatal:
		if !errors.Is(err, ErrMaxReconnectsExceeded) {
			t.Errorf("fatal error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream never gave up")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	srv, _ := streamServer(t)
	c := newClient(t, srv, nil)
	c.Close()
	if _, err := c.Subscribe("plots", func(remote.Event) {}); !errors.Is(err, remote.ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v", err)
	}
}
