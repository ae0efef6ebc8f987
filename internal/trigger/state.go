package trigger

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionRejected is the disconnect cause when the peripheral
	// asked this central to go away.
	ErrConnectionRejected = errors.New("trigger: connection rejected by device")
	ErrClosed             = errors.New("trigger: device closed")
)

// DeviceInfo identifies the connected peripheral.
type DeviceInfo struct {
	Address          string
	HardwareRevision string
	SoftwareRevision string
}

// State is the public state of a Device.
type State interface {
	isState()
	String() string
}

// Disconnected has no usable connection. Cause is nil after a requested
// or graceful disconnect.
type Disconnected struct {
	Cause error
}

// Connecting is discovering, connecting or validating a peripheral.
type Connecting struct{}

// Connected is ready to send events. Synced reports whether the clock-sync
// protocol has aligned the peripheral's clock.
type Connected struct {
	Info   DeviceInfo
	Synced bool
}

func (Disconnected) isState() {}
func (Connecting) isState()   {}
func (Connected) isState()    {}

func (s Disconnected) String() string {
	if s.Cause != nil {
		return fmt.Sprintf("Disconnected(%v)", s.Cause)
	}
	return "Disconnected"
}

func (Connecting) String() string { return "Connecting" }

func (s Connected) String() string {
	if s.Synced {
		return fmt.Sprintf("Connected(%s, synced)", s.Info.Address)
	}
	return fmt.Sprintf("Connected(%s)", s.Info.Address)
}

// IsConnected reports whether s is Connected.
func IsConnected(s State) bool {
	_, ok := s.(Connected)
	return ok
}

// IsSynced reports whether s is Connected and synced.
func IsSynced(s State) bool {
	c, ok := s.(Connected)
	return ok && c.Synced
}
