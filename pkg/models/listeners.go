package models

// StatusHandler is invoked on every status transition, including re-affirmations
type StatusHandler func(ConnectionStatus)

// RawUpdateHandler is invoked for each frame delivery attempt with the payload bytes on success
type RawUpdateHandler func(ok bool, payload []byte)

// TelemetryHandler is invoked with each decoded telemetry value
type TelemetryHandler func(value float64)
