package link

import (
	"time"

	"github.com/perigee-io/ble-link/pkg/util"
)

const (
	// DefaultScanTimeout bounds how long a scan may run without a match
	DefaultScanTimeout = time.Second * 10
	// DefaultConnectTimeout bounds the dial after a matching advertisement
	DefaultConnectTimeout = time.Second * 10
)

// Options configures one Machine
type Options struct {
	ServiceUUID    string
	TXCharUUID     string
	RXCharUUID     string
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
}

// DefaultOptions returns the well-known service/characteristic identifiers and timeouts
func DefaultOptions() Options {
	return Options{
		ServiceUUID:    util.ServiceUUID,
		TXCharUUID:     util.TXCharUUID,
		RXCharUUID:     util.RXCharUUID,
		ScanTimeout:    DefaultScanTimeout,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.TXCharUUID == "" {
		o.TXCharUUID = d.TXCharUUID
	}
	if o.RXCharUUID == "" {
		o.RXCharUUID = d.RXCharUUID
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	return o
}
