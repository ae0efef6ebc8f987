// Package ble is the central-role client core for the trigger peripheral. It
// defines the transport port the platform BLE stack plugs into, serializes
// attribute operations against one link, and owns the link lifecycle.
package ble

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/chaz8081/bletrigger/internal/ble/protocol"
)

// Preconditions reported by a Transport. These are never retried.
var (
	ErrRadioUnavailable = errors.New("ble: radio unavailable")
	ErrPermissionDenied = errors.New("ble: permission denied")
	ErrUnsupported      = errors.New("ble: operation not supported by transport")
)

// GATT status codes carried by LinkStateChanged.
const (
	StatusSuccess          = 0x00
	StatusTimeout          = 0x08
	StatusRemoteTerminated = 0x13
	StatusLocalTerminated  = 0x16
	StatusError            = 0x85
)

// Attribute identifies a characteristic, or a descriptor when Descriptor is
// not uuid.Nil.
type Attribute struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
	Descriptor     uuid.UUID
}

func (a Attribute) String() string {
	s := a.Service.String() + "/" + a.Characteristic.String()
	if a.Descriptor != uuid.Nil {
		s += "/" + a.Descriptor.String()
	}
	return s
}

// Event is delivered asynchronously by a Link. Implementations must not
// block inside the callback that delivers it.
type Event interface {
	transportEvent()
}

// LinkStateChanged reports link-up or link-down.
type LinkStateChanged struct {
	Connected bool
	Status    int
}

// ServicesDiscovered reports the result of Link.DiscoverServices.
type ServicesDiscovered struct {
	Signature protocol.Signature
	Err       error
}

// CharacteristicRead reports the result of Link.ReadCharacteristic.
type CharacteristicRead struct {
	Attr  Attribute
	Value []byte
	Err   error
}

// CharacteristicWritten reports the result of an acknowledged write.
// Writes without response produce no event.
type CharacteristicWritten struct {
	Attr Attribute
	Err  error
}

// DescriptorWritten reports the result of Link.WriteDescriptor.
type DescriptorWritten struct {
	Attr Attribute
	Err  error
}

// CharacteristicChanged carries a notification value.
type CharacteristicChanged struct {
	Attr  Attribute
	Value []byte
}

func (LinkStateChanged) transportEvent()      {}
func (ServicesDiscovered) transportEvent()    {}
func (CharacteristicRead) transportEvent()    {}
func (CharacteristicWritten) transportEvent() {}
func (DescriptorWritten) transportEvent()     {}
func (CharacteristicChanged) transportEvent() {}

// Link is one platform connection to a peripheral. Request methods return
// once the request is issued; results arrive as Events.
type Link interface {
	DiscoverServices() error
	ReadCharacteristic(attr Attribute) error
	WriteCharacteristic(attr Attribute, value []byte, withResponse bool) error
	WriteDescriptor(attr Attribute, value []byte) error
	// Close tears the link down. No events are delivered afterwards.
	Close() error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name     string
	Address  string
	RSSI     int
	Services []uuid.UUID
}

// ScanFilter narrows a scan.
type ScanFilter struct {
	// Service, when set, must be advertised by the device.
	Service uuid.UUID
	// Match, when set, must accept the device.
	Match func(Device) bool
	// StopAfterFirst ends the scan at the first accepted device.
	StopAfterFirst bool
}

// Accepts reports whether d passes the filter.
func (f ScanFilter) Accepts(d Device) bool {
	if f.Service != uuid.Nil {
		found := false
		for _, s := range d.Services {
			if s == f.Service {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return f.Match == nil || f.Match(d)
}

// Transport abstracts the platform's BLE central role.
type Transport interface {
	// Enable powers on the adapter. Errors are preconditions.
	Enable() error
	// Scan discovers peripherals until ctx ends or the filter stops it.
	Scan(ctx context.Context, filter ScanFilter) ([]Device, error)
	// Open begins connecting to address. Link-up and every later result
	// are delivered to events.
	Open(address string, events func(Event)) (Link, error)
}
