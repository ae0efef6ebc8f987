//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse falls back to a write command: the BlueZ backend of
// tinygo bluetooth has no acknowledged characteristic write. The write is
// reported complete once BlueZ accepted it.
func writeWithResponse(c *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
