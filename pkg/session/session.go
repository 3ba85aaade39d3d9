// Package session exposes the public contract consumed by the UI layer: the
// connect/disconnect/send surface, the published link state, and the three
// notification hooks.
package session

import (
	"sync"

	"github.com/perigee-io/ble-link/pkg/link"
	"github.com/perigee-io/ble-link/pkg/models"
	"github.com/perigee-io/ble-link/pkg/wire"
	"github.com/sirupsen/logrus"
)

// Session is the facade over one peripheral link. All hooks are invoked from
// the goroutine owning the link state machine; none of the operations block.
type Session struct {
	machine *link.Machine
	log     *logrus.Entry

	mu        sync.RWMutex
	decoder   *wire.Decoder
	status    models.ConnectionStatus
	telemetry models.Telemetry
	raw       []byte

	onStatus    models.StatusHandler
	onRaw       models.RawUpdateHandler
	onTelemetry models.TelemetryHandler
}

// New creates a session over the real ble transport.
func New(cfg Config) *Session {
	return NewWithCentral(cfg, link.NewRealCentral())
}

// NewWithCentral creates a session over the provided transport. Used by tests
// and by callers embedding their own transport.
func NewWithCentral(cfg Config, central link.Central) *Session {
	s := &Session{
		log:     logrus.WithField("component", "session"),
		decoder: wire.NewDecoder(),
		status:  models.Disconnected,
	}
	s.machine = link.NewMachine(central, cfg.withDefaults().linkOptions())
	s.machine.OnStatus(s.handleStatus)
	s.machine.OnBytes(s.handleBytes)
	s.machine.Run()
	return s
}

// Close releases the machine goroutine. The session must not be used afterwards.
func (s *Session) Close() {
	s.machine.Close()
}

// Connect requests a connection attempt; the outcome arrives through the
// status hook.
func (s *Session) Connect() { s.machine.Connect() }

// Disconnect requests teardown of the current link, if any.
func (s *Session) Disconnect() { s.machine.Disconnect() }

// IsConnected reports application-level readiness: a peripheral is held, its
// radio link is up, and the RX channel is resolved. Prefer this over Status,
// which may transiently report Connected before the channels are ready.
func (s *Session) IsConnected() bool { return s.machine.IsConnected() }

// SendData frames (id, message) with the command grammar the reference
// firmware parses and requests a confirmed write.
func (s *Session) SendData(id int, message int) {
	s.machine.SendData(wire.EncodeCommand(id, message))
}

// Send frames (channel, message) with the alternate stream grammar. The
// reference firmware does not parse this grammar; see wire.EncodeStream.
func (s *Session) Send(channel int, message int) {
	s.machine.SendStream(wire.EncodeStream(channel, message))
}

// Status returns the last published connection status.
func (s *Session) Status() models.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Telemetry returns the last decoded telemetry value and the frame it came from.
func (s *Session) Telemetry() models.Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telemetry
}

// RawPayload returns the payload of the last completed frame.
func (s *Session) RawPayload() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.raw
}

// OnStatusChange replaces the status hook. At most one subscriber; may be
// replaced at any time.
func (s *Session) OnStatusChange(h models.StatusHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStatus = h
}

// OnRawUpdate replaces the raw payload hook.
func (s *Session) OnRawUpdate(h models.RawUpdateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRaw = h
}

// OnTelemetry replaces the decoded telemetry hook.
func (s *Session) OnTelemetry(h models.TelemetryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTelemetry = h
}

func (s *Session) handleStatus(status models.ConnectionStatus) {
	s.mu.Lock()
	s.status = status
	if status == models.Disconnected {
		// a new session must never start from stale bytes
		s.decoder.Reset()
	}
	h := s.onStatus
	s.mu.Unlock()
	if h != nil {
		h(status)
	}
}

func (s *Session) handleBytes(payload []byte) {
	s.mu.Lock()
	frames := s.decoder.Feed(payload)
	var rawHooks []models.RawUpdateHandler
	var telemetryHooks []models.TelemetryHandler
	var values []float64
	for _, frame := range frames {
		value := wire.ParseTelemetry(frame)
		s.raw = []byte(frame)
		s.telemetry = models.Telemetry{Value: value, Raw: []byte(frame)}
		rawHooks = append(rawHooks, s.onRaw)
		telemetryHooks = append(telemetryHooks, s.onTelemetry)
		values = append(values, value)
	}
	s.mu.Unlock()
	for i, frame := range frames {
		if rawHooks[i] != nil {
			rawHooks[i](true, []byte(frame))
		}
		if telemetryHooks[i] != nil {
			telemetryHooks[i](values[i])
		}
	}
}
