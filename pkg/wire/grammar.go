package wire

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Command is one parsed host-to-peripheral instruction
type Command struct {
	Addr  int
	Value int
}

// ParseTelemetry extracts the numeric value from a telemetry frame payload.
// Only what precedes a secondary terminator counts; a value that does not
// parse decodes to 0 rather than erroring, matching the reference firmware.
func ParseTelemetry(payload string) float64 {
	raw := payload
	if i := strings.IndexByte(payload, Terminator); i >= 0 {
		raw = payload[:i]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseCommand parses an "addr:value" frame payload. A missing colon makes the
// frame malformed and is the only error case; non-numeric fields silently
// decode to 0.
func ParseCommand(payload string) (Command, error) {
	i := strings.IndexByte(payload, ':')
	if i < 0 {
		return Command{}, errors.Errorf("malformed command (no ':' delimiter): %q", payload)
	}
	addr, _ := strconv.Atoi(strings.TrimSpace(payload[:i]))
	value, _ := strconv.Atoi(strings.TrimSpace(payload[i+1:]))
	return Command{Addr: addr, Value: value}, nil
}
