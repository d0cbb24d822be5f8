package ble

const (
	// CaseServiceUUID is the UART bridge service the case exposes.
	CaseServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"

	// CaseWriteCharUUID is the characteristic for frames to the case
	CaseWriteCharUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"

	// CaseNotifyCharUUID is the characteristic for frames from the case (notify)
	CaseNotifyCharUUID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// DefaultWriteSize fits one write in the minimum ATT MTU.
const DefaultWriteSize = 20
