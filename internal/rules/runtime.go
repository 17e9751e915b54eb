// Package rules runs an optional Lua automation script against the device
// state. The script reacts to changes through global hooks and issues
// commands through the device module.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/sporewatch/internal/eventbus"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = errors.New("lua runtime closed")

// Hooks the script may define as globals.
const (
	hookChange  = "on_change"
	hookStatus  = "on_status"
	hookCommand = "on_command"
)

// LuaWork represents work to be executed on the Lua VM.
// All Lua execution MUST go through this.
type LuaWork func(ctx context.Context)

// Runtime owns a Lua VM and the only goroutine allowed to touch it.
type Runtime struct {
	L *lua.LState

	workQueue chan LuaWork

	// Closing this channel signals senders to stop
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewRuntime creates a runtime with the log and device modules preloaded.
func NewRuntime(dev *DeviceModule) *Runtime {
	L := lua.NewState()

	r := &Runtime{
		L:         L,
		workQueue: make(chan LuaWork, 100),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	L.PreloadModule("log", NewLogModule().Loader)
	if dev != nil {
		L.PreloadModule("device", dev.Loader)
	}

	return r
}

// LoadScript executes the script file. Must be called before Run.
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}

	log.Info().Msg("Lua script loaded successfully")
	return nil
}

// LoadString executes source. Must be called before Run.
func (r *Runtime) LoadString(source string) error {
	if err := r.L.DoString(source); err != nil {
		return fmt.Errorf("failed to execute Lua source: %w", err)
	}
	return nil
}

// Do queues work without blocking. Returns false if the runtime is closing,
// the queue is full or ctx is done.
func (r *Runtime) Do(ctx context.Context, work LuaWork) bool {
	select {
	case <-r.closing:
		log.Warn().Msg("Lua runtime closing, dropping work")
		return false
	default:
	}

	select {
	case <-ctx.Done():
		log.Warn().Msg("Context cancelled, dropping Lua work")
		return false
	case r.workQueue <- work:
		return true
	default:
		log.Warn().Msg("Lua work queue full, dropping work")
		return false
	}
}

// DoSyncWithResult queues work, waits for space, and waits for the result.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := LuaWork(func(c context.Context) {
		done <- work(c)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Run is the Lua worker loop. It exits when ctx is cancelled or the runtime
// is closed, after draining queued work.
func (r *Runtime) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.drainQueue(ctx)
			return
		case <-r.closing:
			r.drainQueue(ctx)
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

func (r *Runtime) drainQueue(ctx context.Context) {
	for {
		select {
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		default:
			return
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx)
}

// Close stops accepting work. Run drains what is queued and returns.
func (r *Runtime) Close() {
	r.closeOnce.Do(func() {
		close(r.closing)
	})
}

// Wait blocks until Run returned, then releases the Lua state.
func (r *Runtime) Wait() {
	<-r.done
	r.L.Close()
}

// Watch forwards bus events to the script hooks.
//
//	on_change(aspect)           after an aspect of the device state changed
//	on_status(status)           when the store status changes
//	on_command(stage, info)     on every command lifecycle stage
func (r *Runtime) Watch(ctx context.Context, bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeAspectChanged, func(ev eventbus.Event) {
		r.Do(ctx, func(context.Context) {
			r.callHook(hookChange, lua.LString(ev.Aspect))
		})
	})
	bus.Subscribe(eventbus.EventTypeStatusChanged, func(ev eventbus.Event) {
		status, _ := ev.Data["status"].(string)
		r.Do(ctx, func(context.Context) {
			r.callHook(hookStatus, lua.LString(status))
		})
	})
	bus.Subscribe(eventbus.EventTypeCommand, func(ev eventbus.Event) {
		stage, _ := ev.Data["stage"].(string)
		info := make(map[string]any, len(ev.Data)+1)
		for k, v := range ev.Data {
			if k == "at" {
				continue
			}
			info[k] = v
		}
		info["aspect"] = ev.Aspect
		r.Do(ctx, func(context.Context) {
			r.callHook(hookCommand, lua.LString(stage), MapToLuaTable(r.L, info))
		})
	})
}

// callHook calls a global function if the script defined it. Must run on
// the worker goroutine.
func (r *Runtime) callHook(name string, args ...lua.LValue) {
	fn, ok := r.L.GetGlobal(name).(*lua.LFunction)
	if !ok {
		return
	}
	if err := r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		log.Error().Err(err).Str("hook", name).Msg("Lua hook failed")
	}
}
