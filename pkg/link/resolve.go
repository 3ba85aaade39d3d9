package link

import (
	"github.com/perigee-io/ble-link/pkg/util"
)

// resolveChannels picks the TX (notify) and RX (write) characteristics from a
// discovery result. First pass matches the well-known identifiers; any channel
// still unresolved falls back to the first characteristic with the right
// capability, which keeps firmware variants with renamed characteristics
// usable. Either return may be nil.
func resolveChannels(chars []Characteristic, opts Options) (tx Characteristic, rx Characteristic) {
	for _, c := range chars {
		if tx == nil && util.StrEqualStrUuid(c.UUID(), opts.TXCharUUID) {
			tx = c
		}
		if rx == nil && util.StrEqualStrUuid(c.UUID(), opts.RXCharUUID) {
			rx = c
		}
	}
	if tx == nil {
		for _, c := range chars {
			if c.Properties().CanNotify() {
				tx = c
				break
			}
		}
	}
	if rx == nil {
		for _, c := range chars {
			if c.Properties().CanWrite() {
				rx = c
				break
			}
		}
	}
	return tx, rx
}
