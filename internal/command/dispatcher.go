package command

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/sporewatch/internal/clock"
	"github.com/dokzlo13/sporewatch/internal/device"
	"github.com/dokzlo13/sporewatch/internal/eventbus"
	"github.com/dokzlo13/sporewatch/internal/remote"
)

// Lifecycle stages announced on the bus.
const (
	StageIssued     = "issued"
	StageWritten    = "written"
	StageFailed     = "failed"
	StageResolved   = "resolved"
	StageSuperseded = "superseded"
	StageConfirmed  = "confirmed"
)

// Options configures a Dispatcher.
type Options struct {
	Timings Timings
	// RateLimit caps store writes per second; zero means unlimited.
	RateLimit float64
	Burst     int
	Bus       *eventbus.Bus
}

// Pending describes a command waiting for confirmation.
type Pending struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	Aspect       device.Aspect `json:"aspect"`
	IssuedAt     time.Time     `json:"issued_at"`
	ResolveAfter time.Duration `json:"resolve_after"`
}

type pendingCommand struct {
	Pending
	timer    *clock.Timer
	undo     func(*device.State)
	fallback func(*device.State, time.Time)
}

type write struct {
	id     string
	kind   Kind
	aspect device.Aspect
	path   string
	value  any
	// revert undoes the optimistic effect if the write fails while the
	// command is still pending.
	revert bool
	result chan<- error
}

// Dispatcher turns commands into store writes with optimistic local state.
type Dispatcher struct {
	store   *device.Store
	remote  remote.Store
	clock   clock.Clock
	timings Timings
	limiter *rate.Limiter
	bus     *eventbus.Bus

	mu      sync.Mutex
	pending map[device.Aspect]*pendingCommand

	wmu     sync.Mutex
	writes  []write
	wnotify chan struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a dispatcher for store that writes to dst.
func New(store *device.Store, dst remote.Store, opts Options) *Dispatcher {
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:   store,
		remote:  dst,
		clock:   store.Clock(),
		timings: opts.Timings.withDefaults(),
		limiter: rate.NewLimiter(limit, burst),
		bus:     opts.Bus,
		pending: make(map[device.Aspect]*pendingCommand),
		wnotify: make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	store.OnRemote(d.confirm)
	go d.writer()
	return d
}

// Dispatch applies cmd optimistically and writes it to the store. The error
// return is only for commands that violate an invariant; nothing is written
// then. Otherwise the channel yields the write outcome once and closes.
func (d *Dispatcher) Dispatch(cmd Command) (<-chan error, error) {
	p, err := d.plan(cmd)
	if err != nil {
		log.Debug().Err(err).Str("command", cmd.String()).Msg("Command rejected")
		return nil, err
	}

	result := make(chan error, 1)
	if p.noop {
		log.Debug().Str("command", cmd.String()).Msg("Command has no effect in current state")
		result <- nil
		close(result)
		return result, nil
	}

	d.wmu.Lock()
	closed := d.closed
	d.wmu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	issuedAt := d.clock.Now()
	log.Info().Str("command_id", id).Str("command", cmd.String()).Msg("Dispatching command")

	accepted := d.store.Submit(p.aspect, func(st *device.State) {
		undo, err := p.optimistic(st)
		if errors.Is(err, errNoEffect) {
			log.Debug().Str("command_id", id).Str("command", cmd.String()).Msg("Command has no effect in current state")
			result <- nil
			close(result)
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("command_id", id).Str("command", cmd.String()).Msg("Command no longer applies")
			d.emit(StageFailed, id, cmd.Kind, p.aspect, err)
			result <- err
			close(result)
			return
		}

		if p.bypass {
			d.cancelPending(p.aspect, StageSuperseded)
		} else {
			d.register(pendingCommand{
				Pending: Pending{
					ID:           id,
					Kind:         cmd.Kind,
					Aspect:       p.aspect,
					IssuedAt:     issuedAt,
					ResolveAfter: p.resolveAfter,
				},
				undo:     undo,
				fallback: p.fallback,
			})
		}
		d.emit(StageIssued, id, cmd.Kind, p.aspect, nil)

		d.enqueue(write{
			id:     id,
			kind:   cmd.Kind,
			aspect: p.aspect,
			path:   p.path,
			value:  p.value(id, issuedAt),
			revert: !p.bypass && undo != nil,
			result: result,
		})
	})
	if !accepted {
		return nil, ErrClosed
	}

	return result, nil
}

// Pending lists the commands waiting for confirmation.
func (d *Dispatcher) Pending() []Pending {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Pending, 0, len(d.pending))
	for _, pc := range d.pending {
		out = append(out, pc.Pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Aspect < out[j].Aspect })
	return out
}

// Close cancels every pending command and fails writes not yet sent.
func (d *Dispatcher) Close() {
	d.wmu.Lock()
	if d.closed {
		d.wmu.Unlock()
		return
	}
	d.closed = true
	queued := d.writes
	d.writes = nil
	d.wmu.Unlock()

	d.cancel()
	for _, w := range queued {
		w.result <- ErrClosed
		close(w.result)
	}

	d.mu.Lock()
	for aspect, pc := range d.pending {
		pc.timer.Stop()
		delete(d.pending, aspect)
	}
	d.mu.Unlock()

	<-d.done
}

// register makes pc the pending command of its aspect, superseding any
// older one. Runs on the update goroutine. The resolve timer is armed by arm
// once the write is acknowledged.
func (d *Dispatcher) register(pc pendingCommand) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.pending[pc.Aspect]; ok {
		old.timer.Stop()
		log.Debug().Str("command_id", old.ID).Str("by", pc.ID).Msg("Pending command superseded")
		d.emit(StageSuperseded, old.ID, old.Kind, old.Aspect, nil)
	}
	d.pending[pc.Aspect] = &pc
}

// arm starts the resolve timer of command id after its write succeeded.
// Superseded, confirmed and bypassing commands have no entry and are skipped.
func (d *Dispatcher) arm(aspect device.Aspect, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pc, ok := d.pending[aspect]
	if !ok || pc.ID != id || pc.timer != nil {
		return
	}
	pc.timer = d.clock.AfterFunc(pc.ResolveAfter, func() {
		d.store.Submit(aspect, func(st *device.State) {
			d.expire(st, aspect, id)
		})
	})
}

// expire applies the fallback of the command id if it is still the pending
// one for aspect. Timers stopped too late land here and are ignored.
func (d *Dispatcher) expire(st *device.State, aspect device.Aspect, id string) {
	d.mu.Lock()
	pc, ok := d.pending[aspect]
	if !ok || pc.ID != id {
		d.mu.Unlock()
		log.Debug().Str("command_id", id).Msg("Ignoring stale command timer")
		return
	}
	delete(d.pending, aspect)
	d.mu.Unlock()

	if pc.fallback != nil {
		pc.fallback(st, d.clock.Now())
	}
	log.Debug().Str("command_id", id).Str("aspect", string(aspect)).Msg("Command resolved by timeout")
	d.emit(StageResolved, id, pc.Kind, aspect, nil)
}

// cancelPending drops the pending command of aspect without running its
// fallback.
func (d *Dispatcher) cancelPending(aspect device.Aspect, stage string) {
	d.mu.Lock()
	pc, ok := d.pending[aspect]
	if ok {
		pc.timer.Stop()
		delete(d.pending, aspect)
	}
	d.mu.Unlock()

	if ok {
		d.emit(stage, pc.ID, pc.Kind, aspect, nil)
	}
}

// confirm is the store's remote observer: ground truth for an aspect wins
// over whatever command is pending on it.
func (d *Dispatcher) confirm(aspects []device.Aspect) {
	for _, a := range aspects {
		d.cancelPending(a, StageConfirmed)
	}
}

func (d *Dispatcher) enqueue(w write) {
	d.wmu.Lock()
	if d.closed {
		d.wmu.Unlock()
		w.result <- ErrClosed
		close(w.result)
		return
	}
	d.writes = append(d.writes, w)
	d.wmu.Unlock()

	select {
	case d.wnotify <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (write, bool) {
	d.wmu.Lock()
	defer d.wmu.Unlock()
	if len(d.writes) == 0 {
		return write{}, false
	}
	w := d.writes[0]
	d.writes[0] = write{}
	d.writes = d.writes[1:]
	return w, true
}

// writer sends writes one at a time so the store sees them in dispatch
// order.
func (d *Dispatcher) writer() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.wnotify:
		}
		for {
			w, ok := d.next()
			if !ok {
				break
			}
			d.send(w)
		}
	}
}

func (d *Dispatcher) send(w write) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timings.WriteTimeout)
	defer cancel()

	err := d.limiter.Wait(ctx)
	if err == nil {
		err = d.remote.Set(ctx, w.path, w.value)
	}

	if err != nil {
		log.Error().Err(err).Str("command_id", w.id).Str("kind", string(w.kind)).Str("path", w.path).Msg("Command write failed")
		d.emit(StageFailed, w.id, w.kind, w.aspect, err)
		if w.revert {
			d.store.Submit(w.aspect, func(st *device.State) {
				d.revert(st, w.aspect, w.id)
			})
		}
	} else {
		log.Debug().Str("command_id", w.id).Str("path", w.path).Msg("Command written")
		d.arm(w.aspect, w.id)
		d.emit(StageWritten, w.id, w.kind, w.aspect, nil)
	}

	w.result <- err
	close(w.result)
}

// revert undoes a failed command's optimistic effect if nothing newer
// replaced it in the meantime.
func (d *Dispatcher) revert(st *device.State, aspect device.Aspect, id string) {
	d.mu.Lock()
	pc, ok := d.pending[aspect]
	if !ok || pc.ID != id {
		d.mu.Unlock()
		return
	}
	pc.timer.Stop()
	delete(d.pending, aspect)
	d.mu.Unlock()

	if pc.undo != nil {
		pc.undo(st)
	}
	log.Info().Str("command_id", id).Str("aspect", string(aspect)).Msg("Reverted optimistic state after failed write")
}

func (d *Dispatcher) emit(stage, id string, kind Kind, aspect device.Aspect, err error) {
	if d.bus == nil {
		return
	}
	data := map[string]any{
		"stage":      stage,
		"command_id": id,
		"kind":       string(kind),
		"at":         d.clock.Now(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.EventTypeCommand, Aspect: string(aspect), Data: data})
}
