package util

const (
	// MaxFrameSize is the max number of bytes one frame may accumulate before a terminator arrives
	MaxFrameSize = 120
	// ServiceUUID represents UUID for the ble service advertised by the peripheral
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	// TXCharUUID represents UUID for the ble characteristic the peripheral pushes telemetry on
	TXCharUUID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	// RXCharUUID represents UUID for the ble characteristic the host writes commands to
	RXCharUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
)
