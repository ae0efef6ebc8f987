package ble

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

func newTestGATT() (*GATT, *mockLink) {
	g := newGATT()
	link := newMockLink(g.deliver)
	g.attach(link)
	return g, link
}

func TestGATTRead(t *testing.T) {
	g, link := newTestGATT()
	hw := Attribute{Service: protocol.DeviceInfoService, Characteristic: protocol.HardwareRevision}
	link.values[hw] = []byte("HW-1.0")

	got, err := g.Read(context.Background(), hw.Service, hw.Characteristic)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "HW-1.0" {
		t.Errorf("Read() = %q, want %q", got, "HW-1.0")
	}
}

func TestGATTMismatchFailsCallAndReleasesSlot(t *testing.T) {
	g, link := newTestGATT()
	wrong := Attribute{Service: protocol.DeviceInfoService, Characteristic: protocol.SoftwareRevision}
	link.reply = func(req request) Event {
		return CharacteristicRead{Attr: wrong, Value: []byte("x")}
	}

	_, err := g.Read(context.Background(), protocol.DeviceInfoService, protocol.HardwareRevision)
	if !errors.Is(err, ErrAttributeMismatch) {
		t.Fatalf("Read() error = %v, want ErrAttributeMismatch", err)
	}

	link.mu.Lock()
	link.reply = nil
	link.mu.Unlock()
	if _, err := g.Read(context.Background(), protocol.DeviceInfoService, protocol.SoftwareRevision); err != nil {
		t.Fatalf("Read() after mismatch error = %v, slot should be released", err)
	}
}

func TestGATTMismatchOnOperationKind(t *testing.T) {
	g, link := newTestGATT()
	link.reply = func(req request) Event {
		return CharacteristicWritten{Attr: req.attr}
	}

	_, err := g.Read(context.Background(), protocol.DeviceInfoService, protocol.HardwareRevision)
	if !errors.Is(err, ErrAttributeMismatch) {
		t.Fatalf("Read() answered by write result error = %v, want ErrAttributeMismatch", err)
	}
}

func TestGATTTimeout(t *testing.T) {
	g, link := newTestGATT()
	g.timeout = 30 * time.Millisecond
	link.reply = func(req request) Event { return nil }

	start := time.Now()
	_, err := g.Read(context.Background(), protocol.DeviceInfoService, protocol.HardwareRevision)
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("Read() error = %v, want ErrOperationTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Read() took %v, timeout not enforced", elapsed)
	}
}

func TestGATTSerializesOperations(t *testing.T) {
	g, link := newTestGATT()

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	link.reply = func(req request) Event {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return CharacteristicWritten{Attr: req.attr}
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Write(context.Background(), protocol.OutputService, protocol.TriggerTimer, []byte{1}, true); err != nil {
				t.Errorf("Write() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max in-flight operations = %d, want 1", maxInFlight)
	}
}

func TestGATTWriteWithoutAck(t *testing.T) {
	g, link := newTestGATT()
	link.reply = func(req request) Event { return nil }

	err := g.Write(context.Background(), protocol.OutputService, protocol.TargetTimestamp, protocol.EncodeUint32(7), false)
	if err != nil {
		t.Fatalf("Write(wantAck=false) error = %v", err)
	}
	if n := len(link.recorded("write-no-response")); n != 1 {
		t.Errorf("write-no-response requests = %d, want 1", n)
	}
}

func TestGATTSubscribeFanOut(t *testing.T) {
	g, link := newTestGATT()
	key := Attribute{Service: protocol.TimeSyncService, Characteristic: protocol.NeedsSync}

	got1 := make(chan []byte, 1)
	got2 := make(chan []byte, 1)
	if _, err := g.Subscribe(context.Background(), key.Service, key.Characteristic, func(v []byte) { got1 <- v }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := g.Subscribe(context.Background(), key.Service, key.Characteristic, func(v []byte) { got2 <- v }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	descs := link.recorded("descriptor")
	if len(descs) == 0 || !bytes.Equal(descs[0].value, protocol.EnableNotification) {
		t.Fatalf("descriptor writes = %v, want enable", descs)
	}
	if descs[0].attr.Descriptor != protocol.ClientConfig {
		t.Errorf("descriptor = %s, want CCCD", descs[0].attr.Descriptor)
	}

	g.deliver(CharacteristicChanged{Attr: key, Value: []byte{1}})
	for i, ch := range []chan []byte{got1, got2} {
		select {
		case v := <-ch:
			if !bytes.Equal(v, []byte{1}) {
				t.Errorf("subscriber %d got %x", i, v)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d not notified", i)
		}
	}
}

func TestGATTUnsubscribeTwiceIsNoOp(t *testing.T) {
	g, link := newTestGATT()
	sub, err := g.Subscribe(context.Background(), protocol.TimeSyncService, protocol.NeedsSync, func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	sub.Cancel()
	sub.Cancel()
	g.Unsubscribe(sub)

	descs := link.recorded("descriptor")
	if len(descs) != 2 {
		t.Fatalf("descriptor writes = %d, want enable + one disable", len(descs))
	}
	if !bytes.Equal(descs[1].value, protocol.DisableNotification) {
		t.Errorf("second descriptor write = %x, want disable", descs[1].value)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Done() should be closed after Cancel")
	}
	if n := g.Subscriptions(); n != 0 {
		t.Errorf("Subscriptions() = %d, want 0", n)
	}
}

func TestGATTUnsubscribeKeepsDescriptorWhileOthersListen(t *testing.T) {
	g, link := newTestGATT()
	a, _ := g.Subscribe(context.Background(), protocol.TimeSyncService, protocol.NeedsSync, func([]byte) {})
	if _, err := g.Subscribe(context.Background(), protocol.TimeSyncService, protocol.NeedsSync, func([]byte) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	a.Cancel()
	for _, d := range link.recorded("descriptor") {
		if bytes.Equal(d.value, protocol.DisableNotification) {
			t.Fatal("notifications disabled while another subscription is live")
		}
	}
}

func TestGATTCloseCancelsSubscriptions(t *testing.T) {
	g, link := newTestGATT()
	sub, err := g.Subscribe(context.Background(), protocol.LinkService, protocol.ConnectionOptions, func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	g.close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not cancelled by close")
	}
	sub.Cancel()
	if n := len(link.recorded("descriptor")); n != 1 {
		t.Errorf("descriptor writes after close = %d, want only the enable", n)
	}
	if _, err := g.Read(context.Background(), protocol.DeviceInfoService, protocol.HardwareRevision); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Read() after close error = %v, want ErrNotConnected", err)
	}
}

func TestGATTCloseFailsPendingOperation(t *testing.T) {
	g, link := newTestGATT()
	link.reply = func(req request) Event { return nil }

	errCh := make(chan error, 1)
	go func() {
		_, err := g.Read(context.Background(), protocol.DeviceInfoService, protocol.HardwareRevision)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	g.close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("pending Read() error = %v, want ErrNotConnected", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending Read() not released by close")
	}
}
