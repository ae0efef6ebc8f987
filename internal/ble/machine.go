package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/bletrigger/internal/fsm"
)

const (
	// AttemptTimeout bounds one connect attempt, from open to link-up and
	// from link-up to discovered services.
	AttemptTimeout = 3 * time.Second

	// DefaultRetryCount is the number of connect attempts per Connect call.
	DefaultRetryCount = 3
)

// Machine owns the link to one peripheral at a time: it opens sessions,
// retries failed attempts, runs service discovery after link-up and
// classifies disconnects. All state changes happen on the Run goroutine;
// the request methods only post events and never block on it.
type Machine struct {
	transport Transport
	timeout   time.Duration

	events *fsm.Mailbox[event]
	states *fsm.Stream[State]

	// owned by the Run goroutine
	state   State
	gen     uint64
	timer   *time.Timer
	pending chan connectOutcome
}

// NewMachine returns a disconnected Machine. Run must be started for it to
// process requests.
func NewMachine(transport Transport) *Machine {
	initial := Disconnected{}
	return &Machine{
		transport: transport,
		timeout:   AttemptTimeout,
		events:    fsm.NewMailbox[event](),
		states:    fsm.NewStream[State](initial, sameState),
		state:     initial,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.states.Get()
}

// Subscribe streams distinct states, starting with the current one.
func (m *Machine) Subscribe() *fsm.Subscription[State] {
	return m.states.Subscribe()
}

// Wait blocks until the state satisfies pred.
func (m *Machine) Wait(ctx context.Context, pred func(State) bool) (State, error) {
	return m.states.Wait(ctx, pred)
}

// Disconnect tears down any link. The machine ends in Disconnected with no
// cause.
func (m *Machine) Disconnect() {
	m.events.Post(disconnectRequest{})
}

// DisconnectWithCause tears down any link and records cause in the
// resulting Disconnected state.
func (m *Machine) DisconnectWithCause(cause error) {
	m.events.Post(disconnectRequest{cause: cause})
}

// Connect starts connecting to address with up to retryCount attempts and
// waits for the outcome. If ctx ends first the attempt is abandoned.
func (m *Machine) Connect(ctx context.Context, address string, retryCount int) (*Session, error) {
	if retryCount < 1 {
		return nil, fmt.Errorf("ble: retry count must be >= 1, got %d", retryCount)
	}

	if st := m.State(); !IsDisconnected(st) {
		return nil, fmt.Errorf("%w: connect while %s", ErrIllegalState, st)
	}
	reply := make(chan connectOutcome, 1)
	m.events.Post(connectRequest{address: address, retryCount: retryCount, reply: reply})

	select {
	case out := <-reply:
		if out.err != nil {
			return nil, out.err
		}
		switch st := out.state.(type) {
		case Connected:
			return st.Session, nil
		case Disconnected:
			if st.Cause != nil {
				return nil, fmt.Errorf("ble: connect to %s: %w", address, st.Cause)
			}
			return nil, fmt.Errorf("ble: connect to %s: %w", address, ErrDisconnected)
		default:
			return nil, fmt.Errorf("%w: connect while %s", ErrIllegalState, st)
		}
	case <-ctx.Done():
		m.Disconnect()
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	}
}

// Run processes events until ctx ends. On exit any live session is closed
// and the machine is left Disconnected.
func (m *Machine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-m.events.Ready():
			for _, ev := range m.events.Drain() {
				m.handle(ev)
			}
		}
	}
}

func (m *Machine) shutdown() {
	m.stopTimer()
	switch st := m.state.(type) {
	case Connecting:
		if st.Session != nil {
			st.Session.close()
		}
	case Connected:
		st.Session.close()
	}
	m.state = Disconnected{}
	m.states.Set(m.state)
	m.settle()
}

func (m *Machine) handle(ev event) {
	if m.stale(ev) {
		return
	}
	if cr, ok := ev.(connectRequest); ok {
		if !IsDisconnected(m.state) {
			// Lost a race with another Connect.
			if cr.reply != nil {
				cr.reply <- connectOutcome{err: fmt.Errorf("%w: connect while %s", ErrIllegalState, m.state)}
			}
			return
		}
		m.pending = cr.reply
	}
	for ev != nil {
		prev := m.state
		next, effects := transition(m.state, ev)
		ev = nil
		for _, eff := range effects {
			if follow := m.execute(&next, eff); follow != nil {
				ev = follow
			}
		}
		m.state = next
		if c, ok := next.(Connected); ok {
			c.Session.setSignature(c.Signature)
		}
		if c, ok := next.(Connecting); ok && c.Session == nil {
			continue
		}
		if m.states.Set(next) {
			slog.Debug("[BLE] state", "from", prev, "to", next)
		}
		m.settle()
	}
}

// settle answers the pending connect request once the machine has
// published Connected or Disconnected. The answer does not depend on the state
// stream, where a repeated outcome would be suppressed as a duplicate.
func (m *Machine) settle() {
	if m.pending == nil {
		return
	}
	switch m.state.(type) {
	case Connected, Disconnected:
		m.pending <- connectOutcome{state: m.state}
		m.pending = nil
	}
}

// stale reports whether ev belongs to a session that is no longer current.
func (m *Machine) stale(ev event) bool {
	var gen uint64
	switch e := ev.(type) {
	case linkChanged:
		gen = e.gen
	case servicesResult:
		gen = e.gen
	case attemptTimeout:
		gen = e.gen
	case openFailed:
		gen = e.gen
	default:
		return false
	}
	if gen != m.gen {
		return true
	}
	switch m.state.(type) {
	case Connecting, Connected:
		return false
	default:
		return true
	}
}

func (m *Machine) execute(next *State, eff effect) event {
	switch e := eff.(type) {
	case openSession:
		m.gen++
		gen := m.gen
		gatt := newGATT()
		link, err := m.transport.Open(e.address, m.sink(gen, gatt))
		if err != nil {
			slog.Warn("[BLE] open failed", "address", e.address, "error", err)
			return openFailed{gen: gen, err: err}
		}
		gatt.attach(link)
		session := newSession(e.address, gen, gatt, link)
		if c, ok := (*next).(Connecting); ok {
			c.Session = session
			*next = c
		}
		slog.Info("[BLE] connecting", "address", e.address)
	case closeSession:
		if e.session != nil {
			e.session.close()
		}
	case discoverServices:
		if err := e.session.link.DiscoverServices(); err != nil {
			return servicesResult{gen: e.session.gen, err: err}
		}
	case armTimer:
		m.stopTimer()
		gen := m.gen
		m.timer = time.AfterFunc(m.timeout, func() {
			m.events.Post(attemptTimeout{gen: gen})
		})
	case stopTimer:
		m.stopTimer()
	}
	return nil
}

func (m *Machine) stopTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// sink adapts transport callbacks for one session generation. Link and
// discovery events go through the mailbox; attribute results go straight
// to the executor so a blocked operation never waits on the run loop.
func (m *Machine) sink(gen uint64, gatt *GATT) func(Event) {
	return func(ev Event) {
		switch e := ev.(type) {
		case LinkStateChanged:
			m.events.Post(linkChanged{gen: gen, connected: e.Connected, status: e.Status})
		case ServicesDiscovered:
			m.events.Post(servicesResult{gen: gen, signature: e.Signature, err: e.Err})
		default:
			gatt.deliver(ev)
		}
	}
}

// IsConnected reports whether s is Connected.
func IsConnected(s State) bool {
	_, ok := s.(Connected)
	return ok
}

// IsDisconnected reports whether s is Disconnected.
func IsDisconnected(s State) bool {
	_, ok := s.(Disconnected)
	return ok
}

// CauseOf returns the cause carried by a Disconnected state.
func CauseOf(s State) error {
	if d, ok := s.(Disconnected); ok {
		return d.Cause
	}
	return nil
}

// Retriable reports whether err is worth another connect attempt later.
// Preconditions are not.
func Retriable(err error) bool {
	return !errors.Is(err, ErrRadioUnavailable) && !errors.Is(err, ErrPermissionDenied) &&
		!errors.Is(err, ErrUnsupported)
}
