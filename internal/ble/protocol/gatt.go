package protocol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBase is the Bluetooth SIG base UUID used to expand 16-bit UUIDs.
const bluetoothBase = "0000%04x-0000-1000-8000-00805f9b34fb"

// UUID16 expands an assigned 16-bit attribute number to its full UUID.
func UUID16(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf(bluetoothBase, short))
}

// Standard attributes.
var (
	DeviceInfoService = UUID16(0x180a)
	HardwareRevision  = UUID16(0x2a27)
	SoftwareRevision  = UUID16(0x2a28)

	// ClientConfig is the client characteristic configuration descriptor.
	ClientConfig = UUID16(0x2902)
)

// Trigger peripheral attributes.
var (
	OutputService   = uuid.MustParse("4f1e0000-9b7c-4d2a-8e5f-0a3c6d1b2e70")
	TargetTimestamp = uuid.MustParse("4f1e0001-9b7c-4d2a-8e5f-0a3c6d1b2e70")
	TriggerTimer    = uuid.MustParse("4f1e0002-9b7c-4d2a-8e5f-0a3c6d1b2e70")

	TimeSyncService    = uuid.MustParse("4f1e0100-9b7c-4d2a-8e5f-0a3c6d1b2e70")
	NeedsSync          = uuid.MustParse("4f1e0101-9b7c-4d2a-8e5f-0a3c6d1b2e70")
	ReferenceTimestamp = uuid.MustParse("4f1e0102-9b7c-4d2a-8e5f-0a3c6d1b2e70")

	LinkService       = uuid.MustParse("4f1e0200-9b7c-4d2a-8e5f-0a3c6d1b2e70")
	ConnectionOptions = uuid.MustParse("4f1e0201-9b7c-4d2a-8e5f-0a3c6d1b2e70")
)

// CCCD values.
var (
	EnableNotification  = []byte{0x01, 0x00}
	DisableNotification = []byte{0x00, 0x00}
)

// TriggerValue is written to TriggerTimer to fire an event immediately.
const TriggerValue byte = 0x01

// Signature maps a service UUID to the characteristic UUIDs it exposes.
type Signature map[uuid.UUID][]uuid.UUID

// RequiredSignature returns the attribute layout a peripheral must expose
// to be accepted.
func RequiredSignature() Signature {
	return Signature{
		DeviceInfoService: {HardwareRevision, SoftwareRevision},
		OutputService:     {TargetTimestamp, TriggerTimer},
		TimeSyncService:   {NeedsSync, ReferenceTimestamp},
		LinkService:       {ConnectionOptions},
	}
}

// Has reports whether the signature contains the characteristic.
func (s Signature) Has(service, characteristic uuid.UUID) bool {
	for _, c := range s[service] {
		if c == characteristic {
			return true
		}
	}
	return false
}

// Missing lists the "service/characteristic" pairs of s absent from discovered.
// The result is sorted.
func (s Signature) Missing(discovered Signature) []string {
	var missing []string
	for svc, chars := range s {
		for _, c := range chars {
			if !discovered.Has(svc, c) {
				missing = append(missing, svc.String()+"/"+c.String())
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// SatisfiedBy returns an error naming the missing attributes when discovered
// does not expose every characteristic in s. Extra services are allowed.
func (s Signature) SatisfiedBy(discovered Signature) error {
	missing := s.Missing(discovered)
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("protocol: missing attributes: %s", strings.Join(missing, ", "))
}
