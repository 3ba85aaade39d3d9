package link

import (
	"context"
)

// Property is a bitmask of the capabilities a characteristic advertises
type Property int

const (
	PropertyWrite Property = 1 << iota
	PropertyWriteWithoutResponse
	PropertyNotify
	PropertyIndicate
)

// CanNotify reports whether the characteristic can push values to the host
func (p Property) CanNotify() bool {
	return p&(PropertyNotify|PropertyIndicate) != 0
}

// CanWrite reports whether the characteristic accepts writes in any mode
func (p Property) CanWrite() bool {
	return p&(PropertyWrite|PropertyWriteWithoutResponse) != 0
}

// Central abstracts the host side of the radio: power state, scanning, and
// link establishment. The real implementation wraps the ble stack; tests
// substitute a scripted double.
type Central interface {
	// Ready reports whether the radio is powered on and usable by this process
	Ready() error
	// Scan streams advertisements to h until ctx is done. Duplicates are
	// delivered when allowDup is set; some peripherals repeat adverts rapidly
	// and filtering them out can miss the only window to connect.
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
	// Connect establishes a radio link with the peripheral at addr
	Connect(ctx context.Context, addr string) (Peer, error)
}

// Advertisement is one observed advertisement during a scan
type Advertisement interface {
	Addr() string
	RSSI() int
	HasService(uuid string) bool
}

// Peer is one connected peripheral. The machine records which characteristics
// matter but never owns the underlying radio objects.
type Peer interface {
	Addr() string
	// DiscoverServices discovers all services on the peer, unfiltered
	DiscoverServices() ([]Service, error)
	// Disconnected is closed when the radio link drops, for any reason
	Disconnected() <-chan struct{}
	CancelConnection() error
}

// Service is one discovered service on a connected peer
type Service interface {
	UUID() string
	// DiscoverCharacteristics discovers all characteristics, unfiltered;
	// TX/RX selection happens after results return
	DiscoverCharacteristics() ([]Characteristic, error)
}

// Characteristic is one discovered characteristic on a connected peer
type Characteristic interface {
	UUID() string
	Properties() Property
	// Subscribe registers h for notifications; h may be invoked from any
	// goroutine owned by the transport
	Subscribe(h func(data []byte)) error
	// Write sends data, confirmed when withResponse is set
	Write(data []byte, withResponse bool) error
}
