// Package protocol implements the wire encoding and attribute layout of the
// trigger peripheral's GATT profile.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// TimestampSize is the wire size of a timestamp or bitfield value.
const TimestampSize = 4

// ErrShortValue is returned when an attribute value is too short to decode.
var ErrShortValue = errors.New("protocol: value too short")

// EncodeUint32 encodes v as 4 little-endian bytes.
func EncodeUint32(v uint32) []byte {
	buf := make([]byte, TimestampSize)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

// DecodeUint32 decodes the first 4 bytes of data as a little-endian uint32.
// Trailing bytes are ignored.
func DecodeUint32(data []byte) (uint32, error) {
	if len(data) < TimestampSize {
		return 0, fmt.Errorf("%w: need %d bytes, got %d", ErrShortValue, TimestampSize, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// EncodeBool encodes v as a single byte (0x00 or 0x01).
func EncodeBool(v bool) []byte {
	if v {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// DecodeBool reads the low bit of the first byte. Remaining bytes are ignored.
func DecodeBool(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, fmt.Errorf("%w: empty boolean", ErrShortValue)
	}
	return data[0]&0x01 != 0, nil
}

// EncodeTimestamp encodes a millisecond timestamp for the target-timestamp
// and reference-timestamp characteristics.
func EncodeTimestamp(ms uint32) []byte {
	return EncodeUint32(ms)
}

// Options is the bitfield carried by the connection-options characteristic.
type Options uint32

// OptionReject is set by the peripheral when it wants this central to
// disconnect and stay away for a while.
const OptionReject Options = 1 << 0

// Has reports whether all bits of flag are set.
func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

// DecodeOptions decodes a connection-options value.
func DecodeOptions(data []byte) (Options, error) {
	v, err := DecodeUint32(data)
	if err != nil {
		return 0, fmt.Errorf("protocol: connection options: %w", err)
	}
	return Options(v), nil
}
