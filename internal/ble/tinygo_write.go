//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeWithResponse issues an acknowledged write and blocks for the ack.
func writeWithResponse(c *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
