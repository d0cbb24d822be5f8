package ble

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vitaminmoo/casedfu/internal/config"

	"tinygo.org/x/bluetooth"
)

// ErrNotFound is returned when no case bridge advertised during the scan.
var ErrNotFound = errors.New("case bridge not found")

// Connect scans for a device whose advertised name contains name and
// connects to it. The scan gives up after timeout.
func Connect(name string, timeout time.Duration) (bluetooth.Device, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return bluetooth.Device{}, fmt.Errorf("failed to enable Bluetooth: %w", err)
	}

	config.Debugf("Scanning for %q...", name)

	var deviceResult bluetooth.ScanResult
	var found bool

	stop := time.AfterFunc(timeout, func() { _ = adapter.StopScan() })
	defer stop.Stop()

	want := strings.ToLower(name)
	err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		local := result.LocalName()
		if local != "" {
			address, _ := result.Address.MarshalText()
			config.Debugf("  Found: '%s' (%s)", local, string(address))
		}

		if local != "" && strings.Contains(strings.ToLower(local), want) {
			deviceResult = result
			found = true
			_ = adapter.StopScan()
		}
	})
	if err != nil {
		return bluetooth.Device{}, fmt.Errorf("scan error: %w", err)
	}
	if !found {
		return bluetooth.Device{}, fmt.Errorf("%w: no %q within %s", ErrNotFound, name, timeout)
	}

	address, _ := deviceResult.Address.MarshalText()
	config.Debugf("Connecting to %s...", string(address))

	device, err := adapter.Connect(deviceResult.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return bluetooth.Device{}, fmt.Errorf("failed to connect to %s: %w", string(address), err)
	}
	return device, nil
}
