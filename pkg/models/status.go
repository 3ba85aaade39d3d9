package models

// ConnectionStatus is an enum for all possible states of the link with the peripheral
type ConnectionStatus int

const (
	// Disconnected indicates no active link with a peripheral (initial state, re-enterable)
	Disconnected ConnectionStatus = iota
	// Connecting indicates a scan or connection attempt is in progress
	Connecting
	// Connected indicates the radio link with the peripheral is established
	Connected
	// Disconnecting indicates the radio reported an in-progress teardown
	Disconnecting
	// Unauthorized indicates the radio is powered off or the process may not use it
	Unauthorized
)

func (s ConnectionStatus) String() string {
	return []string{"Disconnected", "Connecting", "Connected", "Disconnecting", "Unauthorized"}[s]
}
