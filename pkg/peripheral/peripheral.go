// Package peripheral implements the other end of the link: a GATT service
// that pushes terminator-delimited telemetry on the TX characteristic and
// decodes command frames written to the RX characteristic, with the same wire
// grammar the host uses.
package peripheral

import (
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/perigee-io/ble-link/pkg/util"
	"github.com/perigee-io/ble-link/pkg/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"
)

// DefaultTelemetryInterval is the cadence telemetry frames are pushed at while
// a subscriber is attached
const DefaultTelemetryInterval = time.Millisecond * 50

// CommandHandler receives each well-formed command written to the RX characteristic
type CommandHandler func(wire.Command)

// Options configures the advertised service
type Options struct {
	ServiceUUID       string
	TXCharUUID        string
	RXCharUUID        string
	TelemetryInterval time.Duration
}

// DefaultOptions returns the well-known identifiers and cadence
func DefaultOptions() Options {
	return Options{
		ServiceUUID:       util.ServiceUUID,
		TXCharUUID:        util.TXCharUUID,
		RXCharUUID:        util.RXCharUUID,
		TelemetryInterval: DefaultTelemetryInterval,
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
	if o.TelemetryInterval <= 0 {
		o.TelemetryInterval = d.TelemetryInterval
	}
	return o
}

// Peripheral is a telemetry-pushing GATT peripheral
type Peripheral struct {
	name    string
	opts    Options
	log     *logrus.Entry
	handler CommandHandler

	decoderMu sync.Mutex
	decoder   *wire.Decoder

	valueMu sync.RWMutex
	value   float64
	push    chan struct{}
}

// New creates a peripheral; handler receives every decoded command.
func New(name string, opts Options, handler CommandHandler) *Peripheral {
	return &Peripheral{
		name:    name,
		opts:    opts.withDefaults(),
		log:     logrus.WithField("component", "peripheral"),
		handler: handler,
		decoder: wire.NewDecoder(),
		push:    make(chan struct{}, 1),
	}
}

// SetValue replaces the current telemetry value and pushes a frame immediately
// rather than waiting for the next tick.
func (p *Peripheral) SetValue(v float64) {
	p.valueMu.Lock()
	p.value = v
	p.valueMu.Unlock()
	select {
	case p.push <- struct{}{}:
	default:
	}
}

// Value returns the current telemetry value.
func (p *Peripheral) Value() float64 {
	p.valueMu.RLock()
	defer p.valueMu.RUnlock()
	return p.value
}

// Run attaches the service to the default device and advertises until the
// process exits.
func (p *Peripheral) Run() error {
	device, err := linux.NewDevice()
	if err != nil {
		return errors.Wrap(err, "NewDevice issue: ")
	}
	ble.SetDefaultDevice(device)
	if err := ble.AddService(p.buildService()); err != nil {
		return errors.Wrap(err, "AddService issue: ")
	}
	p.log.WithField("name", p.name).Info("advertising")
	return ble.AdvertiseNameAndServices(util.MakeINFContext(), p.name, ble.MustParse(p.opts.ServiceUUID))
}

func (p *Peripheral) buildService() *ble.Service {
	service := ble.NewService(ble.MustParse(p.opts.ServiceUUID))
	tx := ble.NewCharacteristic(ble.MustParse(p.opts.TXCharUUID))
	tx.HandleNotify(ble.NotifyHandlerFunc(p.handleNotify))
	service.AddCharacteristic(tx)
	rx := ble.NewCharacteristic(ble.MustParse(p.opts.RXCharUUID))
	rx.HandleWrite(ble.WriteHandlerFunc(p.handleWrite))
	service.AddCharacteristic(rx)
	return service
}

func (p *Peripheral) handleWrite(req ble.Request, rsp ble.ResponseWriter) {
	p.ingest(req.Data())
}

// ingest feeds a chunk from the RX characteristic through the frame decoder
// and dispatches every completed command.
func (p *Peripheral) ingest(data []byte) {
	p.decoderMu.Lock()
	frames := p.decoder.Feed(data)
	p.decoderMu.Unlock()
	for _, frame := range frames {
		cmd, err := wire.ParseCommand(frame)
		if err != nil {
			p.log.WithError(err).Warn("dropping malformed command frame")
			continue
		}
		if p.handler != nil {
			p.handler(cmd)
		}
	}
}

func (p *Peripheral) handleNotify(req ble.Request, n ble.Notifier) {
	p.log.Info("telemetry subscriber attached")
	p.notifyLoop(n.Context(), n)
	p.log.Info("telemetry subscriber detached")
}

func (p *Peripheral) notifyLoop(ctx context.Context, n ble.Notifier) {
	ticker := time.NewTicker(p.opts.TelemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.push:
		}
		if _, err := n.Write(wire.EncodeTelemetry(p.Value())); err != nil {
			p.log.WithError(err).Warn("telemetry notify issue")
			return
		}
	}
}
