// Package timesync keeps the peripheral's clock aligned with the host's by
// sending bursts of timestamped training messages until the peripheral
// reports it no longer needs synchronization.
package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/ble/protocol"
	"github.com/chaz8081/bletrigger/internal/fsm"
)

// Training protocol constants. The interval matches the link's expected
// connection interval.
const (
	TrainingMessages = 3
	TrainingInterval = 20 * time.Millisecond
	ResponseTimeout  = 500 * time.Millisecond
	TrainingAttempts = 3
	TrainingBackoff  = time.Second
)

// Syncer runs the clock-sync protocol against one link at a time.
type Syncer struct {
	params params

	states  *fsm.Stream[State]
	running atomic.Bool

	mu     sync.Mutex
	active *syncRun
}

// NewSyncer returns a detached Syncer.
func NewSyncer() *Syncer {
	return &Syncer{
		params: defaultParams,
		states: fsm.NewStream[State](Detached{}, fsm.Equal[State]),
	}
}

// State returns the current state.
func (s *Syncer) State() State { return s.states.Get() }

// Subscribe streams distinct states, starting with the current one.
func (s *Syncer) Subscribe() *fsm.Subscription[State] { return s.states.Subscribe() }

// Wait blocks until the state satisfies pred.
func (s *Syncer) Wait(ctx context.Context, pred func(State) bool) (State, error) {
	return s.states.Wait(ctx, pred)
}

// Trigger re-sends a training burst. While Synced the state does not
// change; after a failure training starts over. Triggering while training,
// or with no link attached, is ErrIllegalState.
func (s *Syncer) Trigger(ctx context.Context) error {
	s.mu.Lock()
	run := s.active
	s.mu.Unlock()
	if run == nil {
		return fmt.Errorf("%w: trigger while %s", ErrIllegalState, Detached{})
	}

	req := triggerRequest{reply: make(chan error, 1)}
	run.events.Post(req)
	select {
	case err := <-req.reply:
		return err
	case <-run.done:
		return fmt.Errorf("%w: trigger while %s", ErrIllegalState, Detached{})
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run attaches to g and runs the protocol until ctx ends or the link goes
// away, then returns to Detached. Only one Run may be active.
func (s *Syncer) Run(ctx context.Context, g *ble.GATT) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: already attached", ErrIllegalState)
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	run := &syncRun{
		syncer: s,
		gatt:   g,
		ctx:    ctx,
		events: fsm.NewMailbox[any](),
		state:  Attaching{},
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.active = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		cancel()
		run.stop()
		close(run.done)
		s.set(Detached{})
	}()

	s.set(Attaching{})
	return run.loop()
}

func (s *Syncer) set(st State) {
	if s.states.Set(st) {
		slog.Info("[SYNC] state", "state", st)
	}
}

type triggerRequest struct {
	reply chan error
}

// syncRun is the state owned by one Run call.
type syncRun struct {
	syncer *Syncer
	gatt   *ble.GATT
	ctx    context.Context
	events *fsm.Mailbox[any]
	done   chan struct{}

	state     State
	gen       uint64
	jobCancel context.CancelFunc
	timer     *time.Timer
}

func (r *syncRun) loop() error {
	sub, err := r.gatt.Subscribe(r.ctx, protocol.TimeSyncService, protocol.NeedsSync, func(v []byte) {
		r.events.Post(r.decode(v))
	})
	if err != nil {
		return fmt.Errorf("timesync: subscribe needs-sync: %w", err)
	}
	defer sub.Cancel()

	v, err := r.gatt.Read(r.ctx, protocol.TimeSyncService, protocol.NeedsSync)
	if err != nil {
		return fmt.Errorf("timesync: read needs-sync: %w", err)
	}
	r.handle(r.decode(v))

	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-sub.Done():
			return ErrDetached
		case <-r.events.Ready():
			for _, ev := range r.events.Drain() {
				r.handle(ev)
			}
		}
	}
}

func (r *syncRun) decode(v []byte) event {
	b, err := protocol.DecodeBool(v)
	if err != nil {
		slog.Warn("[SYNC] bad needs-sync value", "error", err)
		return needsSync{value: true}
	}
	return needsSync{value: b}
}

func (r *syncRun) handle(msg any) {
	var ev event
	var reply chan error
	switch m := msg.(type) {
	case triggerRequest:
		ev, reply = trigger{}, m.reply
	case burstSent:
		if m.gen != r.gen {
			return
		}
		if m.err != nil {
			slog.Warn("[SYNC] training burst failed", "error", m.err)
		}
		ev = m
	case responseTimeout:
		if m.gen != r.gen {
			return
		}
		slog.Debug("[SYNC] no response to training burst")
		ev = m
	case event:
		ev = m
	default:
		return
	}

	next, effects, err := transition(r.syncer.params, r.state, ev)
	if reply != nil {
		reply <- err
	}
	if err != nil {
		return
	}
	for _, eff := range effects {
		r.execute(eff)
	}
	r.state = next
	r.syncer.set(next)
}

func (r *syncRun) execute(eff effect) {
	switch e := eff.(type) {
	case sendBurst:
		r.stop()
		r.gen++
		gen := r.gen
		ctx, cancel := context.WithCancel(r.ctx)
		r.jobCancel = cancel
		go func() {
			err := r.burst(ctx, e.delay)
			if ctx.Err() == nil {
				r.events.Post(burstSent{gen: gen, err: err})
			}
		}()
	case armResponse:
		gen := r.gen
		r.timer = time.AfterFunc(r.syncer.params.responseTimeout, func() {
			r.events.Post(responseTimeout{gen: gen})
		})
	case cancelTraining:
		r.stop()
		r.gen++
	}
}

// stop cancels the running burst and response timer.
func (r *syncRun) stop() {
	if r.jobCancel != nil {
		r.jobCancel()
		r.jobCancel = nil
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// burst sends the training messages at precomputed fire times. Each
// payload is its own fire time.
func (r *syncRun) burst(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	p := r.syncer.params
	start := time.Now().Add(p.interval)
	for i := 0; i < p.messages; i++ {
		fire := start.Add(time.Duration(i) * p.interval)
		payload := protocol.EncodeTimestamp(Timestamp(fire))
		if err := WaitUntil(ctx, fire); err != nil {
			return err
		}
		if err := r.gatt.Write(ctx, protocol.TimeSyncService, protocol.ReferenceTimestamp, payload, false); err != nil {
			return fmt.Errorf("timesync: training message %d: %w", i+1, err)
		}
	}
	slog.Debug("[SYNC] training burst sent", "messages", p.messages)
	return nil
}
