package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/ble/protocol"
	"github.com/chaz8081/bletrigger/internal/fsm"
)

const (
	// AssociationTimeout bounds a request for association candidates.
	AssociationTimeout = 10 * time.Second
	// ConnectTimeout bounds connecting to and validating one candidate.
	ConnectTimeout = 10 * time.Second
	// DisconnectTimeout bounds tearing down a rejected candidate.
	DisconnectTimeout = 5 * time.Second
	// ScanTimeout is the default radio scan duration.
	ScanTimeout = 10 * time.Second

	// DefaultAssociationAttempts is how many fresh association requests a
	// Coordinator makes before giving up.
	DefaultAssociationAttempts = 3
)

// ErrBusy is returned when Discover is called while a call is running.
var ErrBusy = errors.New("discovery: already running")

// Options configure both discovery flavors.
type Options struct {
	// Address, when set, restricts discovery to that peripheral.
	Address string
	// RetryCount is passed to ble.Machine.Connect for each candidate.
	RetryCount int
	// Signature is the attribute layout a candidate must expose. Defaults
	// to protocol.RequiredSignature.
	Signature protocol.Signature
	// Rejects excludes peripherals that recently rejected this central.
	Rejects *RejectList

	// ScanTimeout bounds the Scanner's radio scan.
	ScanTimeout time.Duration
	// StopAfterFirst ends the Scanner's radio scan at the first match.
	StopAfterFirst bool
	// AssociationAttempts bounds the Coordinator's fresh association
	// requests per Discover call.
	AssociationAttempts int
}

func (o Options) withDefaults() Options {
	if o.RetryCount < 1 {
		o.RetryCount = ble.DefaultRetryCount
	}
	if o.Signature == nil {
		o.Signature = protocol.RequiredSignature()
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = ScanTimeout
	}
	if o.AssociationAttempts < 1 {
		o.AssociationAttempts = DefaultAssociationAttempts
	}
	return o
}

// flow holds what both flavors share: probing candidates through the
// connection machine and publishing state.
type flow struct {
	machine *ble.Machine
	opts    Options

	connectTimeout    time.Duration
	disconnectTimeout time.Duration

	running atomic.Bool
	states  *fsm.Stream[State]
}

func newFlow(machine *ble.Machine, opts Options) flow {
	return flow{
		machine:           machine,
		opts:              opts.withDefaults(),
		connectTimeout:    ConnectTimeout,
		disconnectTimeout: DisconnectTimeout,
		states:            fsm.NewStream[State](Idle{}, fsm.Equal[State]),
	}
}

// State returns the current discovery state.
func (f *flow) State() State { return f.states.Get() }

// Subscribe streams distinct discovery states.
func (f *flow) Subscribe() *fsm.Subscription[State] { return f.states.Subscribe() }

func (f *flow) set(s State) {
	if f.states.Set(s) {
		slog.Debug("[DISCOVERY] state", "state", s)
	}
}

// begin claims the flow for one Discover call. The returned func publishes
// the outcome as Idle and releases it.
func (f *flow) begin() (func(*ble.Session, error), error) {
	if !f.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return func(sess *ble.Session, err error) {
		var addr string
		if sess != nil {
			addr = sess.Address()
			slog.Info("[DISCOVERY] device accepted", "address", addr)
		} else if err != nil {
			slog.Warn("[DISCOVERY] failed", "error", err)
		}
		f.set(Idle{Address: addr, Err: err})
		f.running.Store(false)
	}, nil
}

// eligible applies the address predicate and the reject list.
func (f *flow) eligible(address string) bool {
	if f.opts.Address != "" && !strings.EqualFold(address, f.opts.Address) {
		return false
	}
	return f.opts.Rejects == nil || !f.opts.Rejects.Rejected(address)
}

// probe connects to address and validates its attributes. On failure the
// link is torn down before probe returns.
func (f *flow) probe(ctx context.Context, address string) (*ble.Session, error) {
	f.set(Connecting{Address: address})

	cctx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()
	sess, err := f.machine.Connect(cctx, address, f.opts.RetryCount)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: connecting to %s", ErrTimeout, address)
		}
		f.teardown(ctx, address, err)
		return nil, err
	}

	if err := f.opts.Signature.SatisfiedBy(sess.Signature()); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrSignatureMismatch, address, err)
		f.teardown(ctx, address, err)
		return nil, err
	}
	return sess, nil
}

// teardown disconnects a rejected candidate and waits, bounded, for the
// machine to settle.
func (f *flow) teardown(ctx context.Context, address string, reason error) {
	f.set(Disconnecting{Address: address, Reason: reason})
	f.machine.Disconnect()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.disconnectTimeout)
	defer cancel()
	if _, err := f.machine.Wait(wctx, ble.IsDisconnected); err != nil {
		slog.Warn("[DISCOVERY] disconnect did not complete", "address", address, "error", err)
	}
}

// fatal reports whether err ends discovery instead of moving on to the
// next candidate.
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || !ble.Retriable(err)
}
