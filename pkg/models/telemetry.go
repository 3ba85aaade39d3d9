package models

// Telemetry is the last value pushed by the peripheral plus the raw frame it was decoded from.
// It is monotonically replaced; no history is retained.
type Telemetry struct {
	Value float64
	Raw   []byte
}
