package ble

import (
	"fmt"
	"strings"

	"github.com/vitaminmoo/casedfu/internal/config"

	"tinygo.org/x/bluetooth"
)

// Chars holds the two characteristics of the case bridge service.
type Chars struct {
	Write  *bluetooth.DeviceCharacteristic // frames to the case (6e400002)
	Notify *bluetooth.DeviceCharacteristic // frames from the case (6e400003)
}

// Discover finds the case bridge service and its characteristics.
func Discover(device bluetooth.Device) (*Chars, error) {
	config.Debugf("Discovering services...")

	allServices, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	var service *bluetooth.DeviceService
	for i := range allServices {
		uuidStr := allServices[i].UUID().String()
		if strings.EqualFold(uuidStr, CaseServiceUUID) {
			service = &allServices[i]
			config.Debugf("Found case service: %s", uuidStr)
			break
		}
	}
	if service == nil {
		return nil, fmt.Errorf("case service %s not found", CaseServiceUUID)
	}

	chars, err := service.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover characteristics: %w", err)
	}

	c := &Chars{}
	for i := range chars {
		uuidStr := chars[i].UUID().String()
		config.Debugf("Found characteristic: %s", uuidStr)
		if strings.EqualFold(uuidStr, CaseWriteCharUUID) {
			c.Write = &chars[i]
		}
		if strings.EqualFold(uuidStr, CaseNotifyCharUUID) {
			c.Notify = &chars[i]
		}
	}

	if c.Write == nil {
		return nil, fmt.Errorf("write characteristic not found")
	}
	if c.Notify == nil {
		return nil, fmt.Errorf("notify characteristic not found")
	}
	return c, nil
}
