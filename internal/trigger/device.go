// Package trigger is the public face of the client. A Device composes the
// connection machine, discovery, clock sync and supervision into one state
// stream and sends trigger events to the connected peripheral.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble"
	"github.com/chaz8081/bletrigger/internal/ble/protocol"
	"github.com/chaz8081/bletrigger/internal/discovery"
	"github.com/chaz8081/bletrigger/internal/fsm"
	"github.com/chaz8081/bletrigger/internal/supervisor"
	"github.com/chaz8081/bletrigger/internal/timesync"
)

// DefaultNormalizationDelay is added to every event's fire time to absorb
// link latency.
const DefaultNormalizationDelay = 200 * time.Millisecond

// Config configures a Device.
type Config struct {
	NormalizationDelay time.Duration
	// AutoReconnect keeps the device connected under a Supervisor.
	AutoReconnect bool
	// RetryCount is the number of connect attempts per candidate.
	RetryCount int
	// Discovery configures candidate selection. Rejects is managed by the
	// Device.
	Discovery discovery.Options
	// Pairing selects discovery through persisted associations. Without
	// it the Device scans.
	Pairing discovery.PairingPort
}

// Device is the coordinating facade for one trigger peripheral.
type Device struct {
	cfg        Config
	transport  ble.Transport
	machine    *ble.Machine
	discoverer discovery.Discoverer
	syncer     *timesync.Syncer
	rejects    *discovery.RejectList
	supervisor *supervisor.Supervisor

	states *fsm.Stream[State]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	enabled      bool
	establishing bool
	cause        error
	session      *ble.Session
	info         DeviceInfo
	detach       context.CancelFunc
	detached     chan struct{}
	syncDone     chan struct{}
	supCancel    context.CancelFunc
	supDone      chan struct{}
	closed       bool
}

// New returns a disconnected Device using transport. Close releases it.
func New(transport ble.Transport, cfg Config) *Device {
	if cfg.NormalizationDelay <= 0 {
		cfg.NormalizationDelay = DefaultNormalizationDelay
	}
	if cfg.RetryCount < 1 {
		cfg.RetryCount = ble.DefaultRetryCount
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		cfg:       cfg,
		transport: transport,
		machine:   ble.NewMachine(transport),
		syncer:    timesync.NewSyncer(),
		rejects:   discovery.NewRejectList(),
		states:    fsm.NewStream[State](Disconnected{}, fsm.Equal[State]),
		ctx:       ctx,
		cancel:    cancel,
	}

	opts := cfg.Discovery
	opts.Rejects = d.rejects
	opts.RetryCount = cfg.RetryCount
	if cfg.Pairing != nil {
		d.discoverer = discovery.NewCoordinator(d.machine, cfg.Pairing, opts)
	} else {
		d.discoverer = discovery.NewScanner(transport, d.machine, opts)
	}
	d.supervisor = supervisor.New(d)

	machineStates := d.machine.Subscribe()
	syncStates := d.syncer.Subscribe()
	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		_ = d.machine.Run(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.watchMachine(ctx, machineStates)
	}()
	go func() {
		defer d.wg.Done()
		defer syncStates.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-syncStates.C():
				d.publish()
			}
		}
	}()
	return d
}

// State returns the current state.
func (d *Device) State() State { return d.states.Get() }

// Subscribe streams distinct states, starting with the current one.
func (d *Device) Subscribe() *fsm.Subscription[State] { return d.states.Subscribe() }

// Wait blocks until the state satisfies pred.
func (d *Device) Wait(ctx context.Context, pred func(State) bool) (State, error) {
	return d.states.Wait(ctx, pred)
}

// Rejected lists the peripherals that recently rejected this central.
func (d *Device) Rejected() []discovery.RejectEntry { return d.rejects.Entries() }

// Connect connects headlessly. With AutoReconnect it starts supervision
// and returns at once; otherwise it makes a single attempt.
func (d *Device) Connect(ctx context.Context) error {
	if d.cfg.AutoReconnect {
		return d.startSupervisor()
	}
	return d.Establish(ctx, nil)
}

// ConnectInteractive connects with ui available for choosing a new
// peripheral. An open interaction request of the supervisor is resolved
// with ui instead of starting a separate attempt.
func (d *Device) ConnectInteractive(ctx context.Context, ui discovery.Interactor) error {
	if d.supervisor.HasOpenInteractionRequest() {
		return d.supervisor.ResolveInteractionRequest(ctx, ui)
	}
	if err := d.Establish(ctx, ui); err != nil {
		return err
	}
	if d.cfg.AutoReconnect {
		return d.startSupervisor()
	}
	return nil
}

// HasOpenInteractionRequest reports whether reconnecting is waiting for
// the user.
func (d *Device) HasOpenInteractionRequest() bool {
	return d.supervisor.HasOpenInteractionRequest()
}

// ResolveInteractionRequest completes the supervisor's open interaction
// request with ui and returns the outcome of the attempt.
func (d *Device) ResolveInteractionRequest(ctx context.Context, ui discovery.Interactor) error {
	return d.supervisor.ResolveInteractionRequest(ctx, ui)
}

// Disconnect stops supervision and tears down the link. The device ends
// Disconnected with no cause.
func (d *Device) Disconnect() {
	d.stopSupervisor()
	d.mu.Lock()
	d.cause = nil
	d.mu.Unlock()
	d.machine.Disconnect()
	d.publish()
}

// Close disconnects and stops all background work.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.stopSupervisor()
	d.cancel()
	d.wg.Wait()
	d.handleDisconnected(nil)
	return nil
}

// SendEvent asks the peripheral to fire at now plus the normalization
// delay. When synced, the fire time is sent as a target timestamp. When
// not, the host waits until the fire time and writes an immediate trigger,
// which is less accurate by the link latency.
func (d *Device) SendEvent(ctx context.Context) error {
	d.mu.Lock()
	sess := d.session
	d.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("trigger: send event: %w", ble.ErrNotConnected)
	}

	fire := time.Now().Add(d.cfg.NormalizationDelay)
	g := sess.GATT()
	if timesync.IsSynced(d.syncer.State()) {
		ts := timesync.Timestamp(fire)
		if err := g.Write(ctx, protocol.OutputService, protocol.TargetTimestamp, protocol.EncodeTimestamp(ts), false); err != nil {
			return fmt.Errorf("trigger: send event: %w", err)
		}
		slog.Debug("[DEVICE] event scheduled", "timestamp", ts)
		return nil
	}

	if err := timesync.WaitUntil(ctx, fire); err != nil {
		return err
	}
	if err := g.Write(ctx, protocol.OutputService, protocol.TriggerTimer, []byte{protocol.TriggerValue}, false); err != nil {
		return fmt.Errorf("trigger: send fallback trigger: %w", err)
	}
	slog.Debug("[DEVICE] fallback trigger sent")
	return nil
}

// TriggerSync re-runs clock-sync training.
func (d *Device) TriggerSync(ctx context.Context) error {
	return d.syncer.Trigger(ctx)
}

var _ supervisor.Connector = (*Device)(nil)

// Establish runs one discovery and connect attempt and attaches to the
// resulting session. It returns nil at once when already connected.
func (d *Device) Establish(ctx context.Context, ui discovery.Interactor) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return ErrClosed
	case d.session != nil:
		d.mu.Unlock()
		return nil
	case d.establishing:
		d.mu.Unlock()
		return discovery.ErrBusy
	}
	d.establishing = true
	enabled := d.enabled
	d.mu.Unlock()
	d.publish()

	err := d.establish(ctx, ui, enabled)

	d.mu.Lock()
	d.establishing = false
	if err != nil {
		d.cause = err
	} else {
		d.cause = nil
	}
	d.mu.Unlock()
	d.publish()
	return err
}

func (d *Device) establish(ctx context.Context, ui discovery.Interactor, enabled bool) error {
	if !enabled {
		if err := d.transport.Enable(); err != nil {
			return fmt.Errorf("trigger: enable adapter: %w", err)
		}
		d.mu.Lock()
		d.enabled = true
		d.mu.Unlock()
	}

	sess, err := d.discoverer.Discover(ctx, ui)
	if err != nil {
		return err
	}
	if err := d.attach(ctx, sess); err != nil {
		if !errors.Is(err, ErrConnectionRejected) {
			d.machine.Disconnect()
		}
		return err
	}
	return nil
}

// attach reads device information, watches connection options and starts
// clock sync on a validated session.
func (d *Device) attach(ctx context.Context, sess *ble.Session) error {
	g := sess.GATT()

	hw, err := g.Read(ctx, protocol.DeviceInfoService, protocol.HardwareRevision)
	if err != nil {
		return fmt.Errorf("trigger: read hardware revision: %w", err)
	}
	sw, err := g.Read(ctx, protocol.DeviceInfoService, protocol.SoftwareRevision)
	if err != nil {
		return fmt.Errorf("trigger: read software revision: %w", err)
	}
	info := DeviceInfo{Address: sess.Address(), HardwareRevision: string(hw), SoftwareRevision: string(sw)}

	_, err = g.Subscribe(ctx, protocol.LinkService, protocol.ConnectionOptions, func(v []byte) {
		if rejected(v) {
			go d.reject(sess)
		}
	})
	if err != nil {
		return fmt.Errorf("trigger: subscribe connection options: %w", err)
	}
	v, err := g.Read(ctx, protocol.LinkService, protocol.ConnectionOptions)
	if err != nil {
		return fmt.Errorf("trigger: read connection options: %w", err)
	}

	actx, cancel := context.WithCancel(d.ctx)
	detached := make(chan struct{})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return ErrClosed
	}
	d.session = sess
	d.info = info
	d.detach = cancel
	d.detached = detached
	d.mu.Unlock()

	// The link may have dropped before the session was recorded.
	if st := d.machine.State(); !ble.IsConnected(st) {
		cause := ble.CauseOf(st)
		d.handleDisconnected(cause)
		if cause == nil {
			cause = ble.ErrNotConnected
		}
		return fmt.Errorf("trigger: attach: %w", cause)
	}

	if rejected(v) {
		d.reject(sess)
		return ErrConnectionRejected
	}

	// The previous run was cancelled on detach and ends promptly.
	d.mu.Lock()
	prev := d.syncDone
	done := make(chan struct{})
	d.syncDone = done
	d.wg.Add(1)
	d.mu.Unlock()
	if prev != nil {
		<-prev
	}
	go func() {
		defer d.wg.Done()
		defer close(done)
		if err := d.syncer.Run(actx, g); err != nil && !errors.Is(err, timesync.ErrDetached) {
			slog.Warn("[DEVICE] clock sync stopped", "error", err)
		}
	}()

	slog.Info("[DEVICE] connected", "address", info.Address,
		"hardware", info.HardwareRevision, "software", info.SoftwareRevision)
	return nil
}

func rejected(v []byte) bool {
	opts, err := protocol.DecodeOptions(v)
	if err != nil {
		slog.Warn("[DEVICE] bad connection options value", "error", err)
		return false
	}
	return opts.Has(protocol.OptionReject)
}

// reject records the peer on the reject list and disconnects with
// ErrConnectionRejected.
func (d *Device) reject(sess *ble.Session) {
	d.mu.Lock()
	current := d.session == sess
	d.mu.Unlock()
	if !current {
		return
	}
	slog.Warn("[DEVICE] connection rejected by device", "address", sess.Address(), "ttl", discovery.RejectTTL)
	d.rejects.Add(sess.Address())
	d.machine.DisconnectWithCause(ErrConnectionRejected)
}

// WaitDisconnected blocks until the attached session goes away.
func (d *Device) WaitDisconnected(ctx context.Context) error {
	d.mu.Lock()
	ch := d.detached
	attached := d.session != nil
	d.mu.Unlock()
	if !attached {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) watchMachine(ctx context.Context, sub *fsm.Subscription[ble.State]) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-sub.C():
			if dis, ok := st.(ble.Disconnected); ok {
				d.handleDisconnected(dis.Cause)
			}
			d.publish()
		}
	}
}

// handleDisconnected detaches from a session the machine has closed.
func (d *Device) handleDisconnected(cause error) {
	d.mu.Lock()
	if d.session == nil {
		d.mu.Unlock()
		return
	}
	slog.Info("[DEVICE] disconnected", "address", d.session.Address(), "cause", cause)
	d.session = nil
	d.info = DeviceInfo{}
	d.detach()
	close(d.detached)
	d.cause = cause
	d.mu.Unlock()
}

// publish recomputes the public state from the parts. It sets the stream
// under d.mu so concurrent publishers cannot reorder states.
func (d *Device) publish() {
	d.mu.Lock()
	var st State
	switch {
	case d.session != nil:
		st = Connected{Info: d.info, Synced: timesync.IsSynced(d.syncer.State())}
	case d.establishing:
		st = Connecting{}
	case !ble.IsDisconnected(d.machine.State()):
		st = Connecting{}
	default:
		st = Disconnected{Cause: d.cause}
	}
	changed := d.states.Set(st)
	d.mu.Unlock()

	if changed {
		slog.Info("[DEVICE] state", "state", st)
	}
}

func (d *Device) startSupervisor() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.supCancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(d.ctx)
	done := make(chan struct{})
	d.supCancel = cancel
	d.supDone = done
	go func() {
		defer close(done)
		err := d.supervisor.Run(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("[DEVICE] supervision stopped", "error", err)
		}
		d.mu.Lock()
		if d.supDone == done {
			d.supCancel = nil
			d.supDone = nil
		}
		d.mu.Unlock()
	}()
	return nil
}

func (d *Device) stopSupervisor() {
	d.mu.Lock()
	cancel, done := d.supCancel, d.supDone
	d.supCancel, d.supDone = nil, nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
