package link

import (
	"context"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/perigee-io/ble-link/pkg/util"
	"github.com/pkg/errors"
)

const deviceInitTimeout = time.Second * 5

// RealCentral implements Central over the go-ble stack with the default linux
// HCI device. Device setup is deferred to Ready so a powered-off or
// inaccessible radio maps to the Unauthorized status instead of a construction
// failure.
type RealCentral struct {
	mu     sync.Mutex
	device ble.Device
}

func NewRealCentral() *RealCentral {
	return &RealCentral{}
}

func (c *RealCentral) Ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device != nil {
		return nil
	}
	var device ble.Device
	// NewDevice can hang on a wedged HCI socket
	err := util.Timeout(func() error {
		return util.CatchErrs(func() error {
			d, e := linux.NewDevice()
			if e != nil {
				return e
			}
			device = d
			return nil
		})
	}, deviceInitTimeout)
	if err != nil {
		return errors.Wrap(err, "NewDevice issue: ")
	}
	c.device = device
	ble.SetDefaultDevice(device)
	return nil
}

func (c *RealCentral) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	return util.CatchErrs(func() error {
		return ble.Scan(ctx, allowDup, func(a ble.Advertisement) {
			h(&realAdvertisement{a})
		}, nil)
	})
}

func (c *RealCentral) Connect(ctx context.Context, addr string) (Peer, error) {
	var cln ble.Client
	err := util.CatchErrs(func() error {
		var e error
		cln, e = ble.Dial(ctx, ble.NewAddr(addr))
		return e
	})
	if err != nil {
		return nil, errors.Wrap(err, "Dial issue: ")
	}
	return &realPeer{cln: cln}, nil
}

type realAdvertisement struct {
	adv ble.Advertisement
}

func (a *realAdvertisement) Addr() string { return a.adv.Addr().String() }
func (a *realAdvertisement) RSSI() int    { return a.adv.RSSI() }

func (a *realAdvertisement) HasService(uuid string) bool {
	for _, s := range a.adv.Services() {
		if util.UuidEqualStr(s, uuid) {
			return true
		}
	}
	return false
}

type realPeer struct {
	cln ble.Client
}

func (p *realPeer) Addr() string { return p.cln.Addr().String() }

func (p *realPeer) DiscoverServices() ([]Service, error) {
	var services []*ble.Service
	err := util.CatchErrs(func() error {
		var e error
		services, e = p.cln.DiscoverServices(nil)
		return e
	})
	if err != nil {
		return nil, errors.Wrap(err, "DiscoverServices issue: ")
	}
	ret := make([]Service, 0, len(services))
	for _, s := range services {
		ret = append(ret, &realService{cln: p.cln, svc: s})
	}
	return ret, nil
}

func (p *realPeer) Disconnected() <-chan struct{} { return p.cln.Disconnected() }
func (p *realPeer) CancelConnection() error       { return p.cln.CancelConnection() }

type realService struct {
	cln ble.Client
	svc *ble.Service
}

func (s *realService) UUID() string { return s.svc.UUID.String() }

func (s *realService) DiscoverCharacteristics() ([]Characteristic, error) {
	var chars []*ble.Characteristic
	err := util.CatchErrs(func() error {
		var e error
		chars, e = s.cln.DiscoverCharacteristics(nil, s.svc)
		return e
	})
	if err != nil {
		return nil, errors.Wrap(err, "DiscoverCharacteristics issue: ")
	}
	ret := make([]Characteristic, 0, len(chars))
	for _, c := range chars {
		if c.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
			// subscription needs the CCCD resolved
			if _, e := s.cln.DiscoverDescriptors(nil, c); e != nil {
				return nil, errors.Wrap(e, "DiscoverDescriptors issue: ")
			}
		}
		ret = append(ret, &realCharacteristic{cln: s.cln, char: c})
	}
	return ret, nil
}

type realCharacteristic struct {
	cln  ble.Client
	char *ble.Characteristic
}

func (c *realCharacteristic) UUID() string { return c.char.UUID.String() }

func (c *realCharacteristic) Properties() Property {
	var p Property
	if c.char.Property&ble.CharWrite != 0 {
		p |= PropertyWrite
	}
	if c.char.Property&ble.CharWriteNR != 0 {
		p |= PropertyWriteWithoutResponse
	}
	if c.char.Property&ble.CharNotify != 0 {
		p |= PropertyNotify
	}
	if c.char.Property&ble.CharIndicate != 0 {
		p |= PropertyIndicate
	}
	return p
}

func (c *realCharacteristic) Subscribe(h func(data []byte)) error {
	ind := c.char.Property&ble.CharNotify == 0 && c.char.Property&ble.CharIndicate != 0
	return util.CatchErrs(func() error {
		return c.cln.Subscribe(c.char, ind, func(data []byte) {
			h(data)
		})
	})
}

func (c *realCharacteristic) Write(data []byte, withResponse bool) error {
	return util.CatchErrs(func() error {
		return c.cln.WriteCharacteristic(c.char, data, !withResponse)
	})
}
