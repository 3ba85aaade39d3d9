package wire

import (
	"fmt"
)

// EncodeCommand frames an (id, message) pair for the RX channel as "id:message>".
// This is the grammar the reference firmware parses.
func EncodeCommand(id int, message int) []byte {
	return []byte(fmt.Sprintf("%d:%d%c", id, message, Terminator))
}

// EncodeStream frames a (channel, message) pair as "channel>message<".
// The reference firmware does not understand this grammar; it is kept as a
// distinct operation for peripherals that do. Do not fold it into EncodeCommand.
func EncodeStream(channel int, message int) []byte {
	return []byte(fmt.Sprintf("%d%c%d%c", channel, StreamOpen, message, StreamClose))
}

// EncodeTelemetry frames a value for the TX channel as "0.1234>".
func EncodeTelemetry(value float64) []byte {
	return []byte(fmt.Sprintf("%.4f%c", value, Terminator))
}
