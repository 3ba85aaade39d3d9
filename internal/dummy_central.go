// Package internal holds scripted transport doubles shared by the package tests.
package internal

import (
	"context"
	"sync"

	"github.com/perigee-io/ble-link/pkg/link"
	"github.com/perigee-io/ble-link/pkg/util"
)

// DummyAdv is a scripted advertisement
type DummyAdv struct {
	Address  string
	Rssi     int
	Services []string
}

func (a DummyAdv) Addr() string { return a.Address }
func (a DummyAdv) RSSI() int    { return a.Rssi }

func (a DummyAdv) HasService(uuid string) bool {
	for _, s := range a.Services {
		if util.StrEqualStrUuid(s, uuid) {
			return true
		}
	}
	return false
}

// DummyCentral is a scripted Central. Tests enqueue advertisements and decide
// what Connect returns.
type DummyCentral struct {
	Mu          sync.Mutex
	ReadyErr    error
	ConnectErr  error
	ConnectGate chan struct{}
	Peer        *DummyPeer
	Advs        []link.Advertisement
	ScanCount   int
	Connected   []string
}

func (c *DummyCentral) Ready() error {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.ReadyErr
}

func (c *DummyCentral) Scan(ctx context.Context, allowDup bool, h func(link.Advertisement)) error {
	c.Mu.Lock()
	c.ScanCount++
	advs := make([]link.Advertisement, len(c.Advs))
	copy(advs, c.Advs)
	c.Mu.Unlock()
	for _, a := range advs {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		h(a)
	}
	<-ctx.Done()
	return nil
}

// Connect blocks on ConnectGate when one is set, so tests can hold a dial in
// flight while the machine moves on.
func (c *DummyCentral) Connect(ctx context.Context, addr string) (link.Peer, error) {
	c.Mu.Lock()
	c.Connected = append(c.Connected, addr)
	gate := c.ConnectGate
	err := c.ConnectErr
	if c.Peer == nil {
		c.Peer = NewDummyPeer(addr)
	}
	peer := c.Peer
	c.Mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return peer, nil
}

// DummyPeer is a scripted connected peripheral
type DummyPeer struct {
	Address      string
	Svcs         []link.Service
	DiscoverErr  error
	dropOnce     sync.Once
	drop         chan struct{}
	Mu           sync.Mutex
	Cancelled    bool
}

func NewDummyPeer(addr string) *DummyPeer {
	return &DummyPeer{Address: addr, drop: make(chan struct{})}
}

func (p *DummyPeer) Addr() string { return p.Address }

func (p *DummyPeer) DiscoverServices() ([]link.Service, error) {
	if p.DiscoverErr != nil {
		return nil, p.DiscoverErr
	}
	return p.Svcs, nil
}

func (p *DummyPeer) Disconnected() <-chan struct{} { return p.drop }

func (p *DummyPeer) CancelConnection() error {
	p.Mu.Lock()
	p.Cancelled = true
	p.Mu.Unlock()
	p.Drop()
	return nil
}

// Drop simulates the radio link going away
func (p *DummyPeer) Drop() {
	p.dropOnce.Do(func() { close(p.drop) })
}

// DummyService is a scripted service
type DummyService struct {
	Uuid        string
	Chars       []link.Characteristic
	DiscoverErr error
}

func (s *DummyService) UUID() string { return s.Uuid }

func (s *DummyService) DiscoverCharacteristics() ([]link.Characteristic, error) {
	if s.DiscoverErr != nil {
		return nil, s.DiscoverErr
	}
	return s.Chars, nil
}

// DummyCharacteristic is a scripted characteristic recording writes and
// exposing the notification sink registered by Subscribe.
type DummyCharacteristic struct {
	Uuid  string
	Props link.Property

	Mu           sync.Mutex
	Writes       [][]byte
	Confirmed    []bool
	WriteErr     error
	WriteGate    chan struct{}
	SubscribeErr error
	Notify       func(data []byte)
}

func (c *DummyCharacteristic) UUID() string              { return c.Uuid }
func (c *DummyCharacteristic) Properties() link.Property { return c.Props }

func (c *DummyCharacteristic) Subscribe(h func(data []byte)) error {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.Notify = h
	return nil
}

// Write blocks on WriteGate when one is set, so tests can observe an
// in-flight write before it completes.
func (c *DummyCharacteristic) Write(data []byte, withResponse bool) error {
	c.Mu.Lock()
	gate := c.WriteGate
	c.Mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.Mu.Lock()
	defer c.Mu.Unlock()
	if c.WriteErr != nil {
		return c.WriteErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.Writes = append(c.Writes, cp)
	c.Confirmed = append(c.Confirmed, withResponse)
	return nil
}

// Push delivers bytes through the registered notification sink
func (c *DummyCharacteristic) Push(data []byte) {
	c.Mu.Lock()
	h := c.Notify
	c.Mu.Unlock()
	if h != nil {
		h(data)
	}
}

// GetTestPeer wires a peer exposing the well-known service with standard TX/RX
// characteristics.
func GetTestPeer(addr string) (*DummyPeer, *DummyCharacteristic, *DummyCharacteristic) {
	tx := &DummyCharacteristic{Uuid: util.TXCharUUID, Props: link.PropertyNotify}
	rx := &DummyCharacteristic{Uuid: util.RXCharUUID, Props: link.PropertyWrite | link.PropertyWriteWithoutResponse}
	peer := NewDummyPeer(addr)
	peer.Svcs = []link.Service{&DummyService{Uuid: util.ServiceUUID, Chars: []link.Characteristic{tx, rx}}}
	return peer, tx, rx
}
