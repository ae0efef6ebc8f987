package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func startMachine(t *testing.T, tr Transport, timeout time.Duration) (*Machine, context.CancelFunc) {
	t.Helper()
	m := NewMachine(tr)
	m.timeout = timeout
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, cancel
}

func waitState(t *testing.T, m *Machine, pred func(State) bool) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := m.Wait(ctx, pred)
	if err != nil {
		t.Fatalf("timed out waiting for state, last = %v", m.State())
	}
	return s
}

func TestMachineConnect(t *testing.T) {
	tr := &mockTransport{}
	m, _ := startMachine(t, tr, time.Second)

	sess, err := m.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", 3)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if sess.Address() != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Address() = %q", sess.Address())
	}
	if sess.Signature() == nil {
		t.Error("Signature() should be set once connected")
	}
	if !IsConnected(m.State()) {
		t.Errorf("State() = %v, want Connected", m.State())
	}
}

func TestMachineRetryCountTimeouts(t *testing.T) {
	for _, retryCount := range []int{1, 2, 3} {
		tr := &mockTransport{silent: true}
		m, _ := startMachine(t, tr, 30*time.Millisecond)

		_, err := m.Connect(context.Background(), "AA", retryCount)
		if !errors.Is(err, ErrNoAttemptsLeft) {
			t.Fatalf("retryCount=%d: Connect() error = %v, want ErrNoAttemptsLeft", retryCount, err)
		}
		links := tr.opened()
		if len(links) != retryCount {
			t.Errorf("retryCount=%d: opened %d links, want %d", retryCount, len(links), retryCount)
		}
		for i, l := range links {
			if n := l.closeCount(); n != 1 {
				t.Errorf("retryCount=%d: link %d closed %d times, want 1", retryCount, i, n)
			}
		}
	}
}

func TestMachineDiscoveryFailureRetries(t *testing.T) {
	tr := &mockTransport{discoverErr: errors.New("gatt error")}
	m, _ := startMachine(t, tr, 30*time.Millisecond)

	_, err := m.Connect(context.Background(), "AA", 2)
	if !errors.Is(err, ErrNoAttemptsLeft) {
		t.Fatalf("Connect() error = %v, want ErrNoAttemptsLeft", err)
	}
	if n := len(tr.opened()); n != 2 {
		t.Errorf("opened %d links, want 2", n)
	}
}

func TestMachineOpenPreconditionFailsFast(t *testing.T) {
	tr := &mockTransport{openErr: ErrRadioUnavailable}
	m, _ := startMachine(t, tr, 30*time.Millisecond)

	_, err := m.Connect(context.Background(), "AA", 5)
	if !errors.Is(err, ErrRadioUnavailable) {
		t.Fatalf("Connect() error = %v, want ErrRadioUnavailable", err)
	}
}

func TestMachineRepeatedPreconditionFailsFast(t *testing.T) {
	tr := &mockTransport{openErr: ErrRadioUnavailable}
	m, _ := startMachine(t, tr, time.Minute)

	// The second failure leaves the machine in a state equal to the
	// first one; Connect must still return.
	for i := range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := m.Connect(ctx, "AA", 5)
		cancel()
		if !errors.Is(err, ErrRadioUnavailable) {
			t.Fatalf("Connect() #%d error = %v, want ErrRadioUnavailable", i+1, err)
		}
	}
}

func TestMachineDisconnect(t *testing.T) {
	tr := &mockTransport{}
	m, _ := startMachine(t, tr, time.Second)
	if _, err := m.Connect(context.Background(), "AA", 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	m.Disconnect()
	s := waitState(t, m, IsDisconnected)
	if CauseOf(s) != nil {
		t.Errorf("cause = %v, want nil", CauseOf(s))
	}
	if n := tr.opened()[0].closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestMachineDisconnectWithCause(t *testing.T) {
	tr := &mockTransport{}
	m, _ := startMachine(t, tr, time.Second)
	if _, err := m.Connect(context.Background(), "AA", 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	rejected := errors.New("rejected")
	m.DisconnectWithCause(rejected)
	s := waitState(t, m, IsDisconnected)
	if CauseOf(s) != rejected {
		t.Errorf("cause = %v, want %v", CauseOf(s), rejected)
	}
}

func TestMachineClassifiesLinkLoss(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"graceful", StatusRemoteTerminated, func(err error) bool { return err == nil }},
		{"timeout", StatusTimeout, func(err error) bool { return errors.Is(err, ErrLinkTimeout) }},
		{"error", 0x3e, func(err error) bool {
			var le *LinkError
			return errors.As(err, &le)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &mockTransport{}
			m, _ := startMachine(t, tr, time.Second)
			if _, err := m.Connect(context.Background(), "AA", 1); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}

			tr.opened()[0].linkState(false, tt.status)
			s := waitState(t, m, IsDisconnected)
			if !tt.check(CauseOf(s)) {
				t.Errorf("cause = %v", CauseOf(s))
			}
			if n := tr.opened()[0].closeCount(); n != 1 {
				t.Errorf("link closed %d times, want 1", n)
			}
		})
	}
}

func TestMachineConnectWhileConnectedIsIllegal(t *testing.T) {
	tr := &mockTransport{}
	m, _ := startMachine(t, tr, time.Second)
	if _, err := m.Connect(context.Background(), "AA", 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	_, err := m.Connect(context.Background(), "BB", 1)
	if !errors.Is(err, ErrIllegalState) {
		t.Errorf("second Connect() error = %v, want ErrIllegalState", err)
	}
}

func TestMachineRunCancelClosesSessionOnce(t *testing.T) {
	tr := &mockTransport{}
	m, cancel := startMachine(t, tr, time.Second)
	if _, err := m.Connect(context.Background(), "AA", 1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	cancel()
	waitState(t, m, IsDisconnected)
	m.Disconnect()
	time.Sleep(10 * time.Millisecond)

	if n := tr.opened()[0].closeCount(); n != 1 {
		t.Errorf("link closed %d times, want 1", n)
	}
}

func TestMachineIgnoresStaleLinkEvents(t *testing.T) {
	tr := &mockTransport{silent: true}
	m, _ := startMachine(t, tr, 100*time.Millisecond)

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background(), "AA", 3)
		errCh <- err
	}()

	waitState(t, m, func(s State) bool {
		c, ok := s.(Connecting)
		return ok && c.Attempt == 1
	})
	tr.opened()[0].linkState(true, StatusSuccess)

	if err := <-errCh; !errors.Is(err, ErrNoAttemptsLeft) {
		t.Fatalf("Connect() error = %v, want ErrNoAttemptsLeft", err)
	}
	if n := len(tr.opened()[0].recorded("discover")); n != 0 {
		t.Errorf("stale link saw %d discovery requests", n)
	}
}

func TestMachineContextCancelAbandonsAttempt(t *testing.T) {
	tr := &mockTransport{silent: true}
	m, _ := startMachine(t, tr, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Connect(ctx, "AA", 3)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
	waitState(t, m, IsDisconnected)
}
