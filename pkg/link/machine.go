package link

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"github.com/perigee-io/ble-link/pkg/models"
	"github.com/perigee-io/ble-link/pkg/util"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errServiceNotFound = errors.New("peer does not expose the expected service")

type eventKind int

const (
	evtConnectRequest eventKind = iota
	evtDisconnectRequest
	evtAdvertisement
	evtScanTimeout
	evtScanFailed
	evtLinkUp
	evtConnectFailed
	evtLinkDown
	evtCharsDiscovered
	evtDiscoveryFailed
	evtWriteRequest
	evtWriteDone
	evtNotification
)

type event struct {
	kind      eventKind
	attempt   string
	adv       Advertisement
	peer      Peer
	chars     []Characteristic
	err       error
	payload   []byte
	confirmed bool
}

// Machine owns the lifecycle of one peripheral link: power check, scan,
// connect, discovery, subscription, teardown. All mutable state is confined to
// a single goroutine; transport callbacks, timer fires, and user commands are
// posted as events and processed in arrival order. Readers observe a published
// snapshot, never the loop-owned fields.
type Machine struct {
	central Central
	opts    Options
	log     *logrus.Entry

	events chan event
	done   chan struct{}

	// loop-owned; never touched outside the event loop
	peer       Peer
	tx         Characteristic
	rx         Characteristic
	target     string
	linkUp     bool
	connecting bool
	scanCancel context.CancelFunc
	scanTimer  *time.Timer
	ignored    mapset.Set
	attemptID  string

	onStatus models.StatusHandler
	onBytes  func(payload []byte)

	// published snapshot, guarded for readers outside the loop
	mu           sync.RWMutex
	status       models.ConnectionStatus
	ready        bool
	pendingWrite bool
}

// NewMachine creates a machine in the Disconnected state. Call Run before
// using it.
func NewMachine(central Central, opts Options) *Machine {
	return &Machine{
		central: central,
		opts:    opts.withDefaults(),
		log:     logrus.WithField("component", "link"),
		events:  make(chan event, 32),
		done:    make(chan struct{}),
		status:  models.Disconnected,
	}
}

// OnStatus sets the status callback, invoked from the owning goroutine on
// every transition including re-affirmations. Set before Run.
func (m *Machine) OnStatus(h models.StatusHandler) { m.onStatus = h }

// OnBytes sets the sink for raw notification bytes from the TX channel,
// invoked from the owning goroutine. Set before Run.
func (m *Machine) OnBytes(h func(payload []byte)) { m.onBytes = h }

// Run starts the owning goroutine.
func (m *Machine) Run() {
	go m.loop()
}

// Close stops the owning goroutine. The machine must not be used afterwards.
func (m *Machine) Close() {
	close(m.done)
}

// Connect requests a connection attempt and returns immediately. A second
// call while already connecting or connected is a no-op.
func (m *Machine) Connect() { m.post(event{kind: evtConnectRequest}) }

// Disconnect requests teardown and returns immediately. The transition to
// Disconnected is optimistic-local; transport confirmation arriving later is
// a no-op re-affirmation. Idempotent when already Disconnected.
func (m *Machine) Disconnect() { m.post(event{kind: evtDisconnectRequest}) }

// SendData frames (id, message) with the command grammar and requests a
// confirmed write on the RX channel.
func (m *Machine) SendData(frame []byte) {
	m.post(event{kind: evtWriteRequest, payload: frame, confirmed: true})
}

// SendStream writes a stream-grammar frame, preferring a confirmed write and
// falling back to unconfirmed when the channel does not support confirmation.
func (m *Machine) SendStream(frame []byte) {
	m.post(event{kind: evtWriteRequest, payload: frame, confirmed: false})
}

// Status returns the last published connection status. Raw status may
// transiently show Connected before the channels are resolved; use
// IsConnected for application-level readiness.
func (m *Machine) Status() models.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsConnected reports true iff a peripheral is held, its radio link is up,
// and the RX channel is resolved.
func (m *Machine) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// PendingWrite reports whether a confirmed write is still awaiting its
// completion event.
func (m *Machine) PendingWrite() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingWrite
}

func (m *Machine) post(evt event) {
	select {
	case m.events <- evt:
	case <-m.done:
	}
}

func (m *Machine) loop() {
	for {
		select {
		case evt := <-m.events:
			m.handle(evt)
			m.publishReady()
		case <-m.done:
			m.stopScan()
			return
		}
	}
}

func (m *Machine) handle(evt event) {
	switch evt.kind {
	case evtConnectRequest:
		m.handleConnectRequest()
	case evtDisconnectRequest:
		m.handleDisconnectRequest()
	case evtAdvertisement:
		m.handleAdvertisement(evt.adv)
	case evtScanTimeout:
		m.handleScanTimeout()
	case evtScanFailed:
		m.handleScanFailed(evt.err)
	case evtLinkUp:
		m.handleLinkUp(evt.attempt, evt.peer)
	case evtConnectFailed:
		m.handleConnectFailed(evt.attempt, evt.err)
	case evtLinkDown:
		m.handleLinkDown(evt.peer)
	case evtCharsDiscovered:
		m.handleCharsDiscovered(evt.peer, evt.chars)
	case evtDiscoveryFailed:
		m.log.WithError(evt.err).Warn("discovery failed; staying radio-connected without channels")
	case evtWriteRequest:
		m.handleWriteRequest(evt.payload, evt.confirmed)
	case evtWriteDone:
		m.setPendingWrite(false)
		if evt.err != nil {
			m.log.WithError(evt.err).Warn("confirmed write failed")
		}
	case evtNotification:
		if m.onBytes != nil {
			m.onBytes(evt.payload)
		}
	}
}

func (m *Machine) handleConnectRequest() {
	if m.connecting || m.peer != nil {
		m.log.Debug("connect ignored: attempt already in progress")
		return
	}
	if err := m.central.Ready(); err != nil {
		m.log.WithError(err).Warn("radio not ready")
		m.setStatus(models.Unauthorized)
		return
	}
	m.attemptID = uuid.New().String()[0:8]
	m.connecting = true
	m.target = ""
	m.ignored = mapset.NewSet()
	m.setStatus(models.Connecting)
	m.startScan()
}

func (m *Machine) startScan() {
	ctx, cancel := context.WithCancel(context.Background())
	m.scanCancel = cancel
	m.scanTimer = time.AfterFunc(m.opts.ScanTimeout, func() {
		m.post(event{kind: evtScanTimeout})
	})
	m.log.WithField("attempt", m.attemptID).Info("scanning for service")
	serviceUUID := m.opts.ServiceUUID
	go func() {
		err := m.central.Scan(ctx, true, func(a Advertisement) {
			if !a.HasService(serviceUUID) {
				return
			}
			m.post(event{kind: evtAdvertisement, adv: a})
		})
		if err != nil && ctx.Err() == nil {
			m.post(event{kind: evtScanFailed, err: err})
		}
	}()
}

func (m *Machine) stopScan() {
	if m.scanCancel != nil {
		m.scanCancel()
		m.scanCancel = nil
	}
	if m.scanTimer != nil {
		m.scanTimer.Stop()
		m.scanTimer = nil
	}
}

func (m *Machine) handleAdvertisement(adv Advertisement) {
	if !m.connecting {
		return
	}
	if m.target != "" {
		// first match already claimed the handle; log each newcomer once
		if m.ignored.Add(adv.Addr()) {
			m.log.WithField("addr", adv.Addr()).Debug("ignoring advertisement, peripheral already targeted")
		}
		return
	}
	m.target = adv.Addr()
	m.ignored.Add(adv.Addr())
	m.stopScan()
	m.log.WithFields(logrus.Fields{"attempt": m.attemptID, "addr": adv.Addr(), "rssi": adv.RSSI()}).Info("peripheral found")
	// radio-link path mirrors a second Connecting while dialing
	m.setStatus(models.Connecting)
	timeout := m.opts.ConnectTimeout
	go func(addr string, attempt string) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		peer, err := m.central.Connect(ctx, addr)
		if err != nil {
			m.post(event{kind: evtConnectFailed, attempt: attempt, err: err})
			return
		}
		m.post(event{kind: evtLinkUp, attempt: attempt, peer: peer})
	}(adv.Addr(), m.attemptID)
}

func (m *Machine) handleScanTimeout() {
	if !m.connecting || m.target != "" {
		return
	}
	m.log.WithField("attempt", m.attemptID).Warn("scan timed out with no matching peripheral")
	m.teardown()
}

func (m *Machine) handleScanFailed(err error) {
	if !m.connecting || m.target != "" {
		return
	}
	m.log.WithError(err).Warn("scan failed")
	m.teardown()
}

func (m *Machine) handleConnectFailed(attempt string, err error) {
	if attempt != m.attemptID || !m.connecting {
		return
	}
	m.log.WithError(err).Warn("connect failed")
	m.teardown()
}

func (m *Machine) handleLinkUp(attempt string, peer Peer) {
	if attempt != m.attemptID || !m.connecting || m.peer != nil {
		// teardown or a fresh attempt raced the dial; drop the stray link
		go peer.CancelConnection()
		return
	}
	m.stopScan()
	m.peer = peer
	m.linkUp = true
	m.connecting = false
	m.setStatus(models.Connected)
	m.log.WithFields(logrus.Fields{"attempt": m.attemptID, "addr": peer.Addr()}).Info("radio link established")
	go func(p Peer) {
		<-p.Disconnected()
		m.post(event{kind: evtLinkDown, peer: p})
	}(peer)
	go m.discover(peer)
}

func (m *Machine) discover(peer Peer) {
	services, err := peer.DiscoverServices()
	if err != nil {
		m.post(event{kind: evtDiscoveryFailed, err: err})
		return
	}
	for _, s := range services {
		if !util.StrEqualStrUuid(s.UUID(), m.opts.ServiceUUID) {
			continue
		}
		chars, err := s.DiscoverCharacteristics()
		if err != nil {
			m.post(event{kind: evtDiscoveryFailed, err: err})
			return
		}
		m.post(event{kind: evtCharsDiscovered, peer: peer, chars: chars})
		return
	}
	m.post(event{kind: evtDiscoveryFailed, err: errServiceNotFound})
}

func (m *Machine) handleCharsDiscovered(peer Peer, chars []Characteristic) {
	if peer != m.peer {
		return
	}
	tx, rx := resolveChannels(chars, m.opts)
	m.tx = tx
	m.rx = rx
	if tx == nil {
		m.log.Warn("no TX channel resolved; telemetry unavailable")
	} else {
		err := tx.Subscribe(func(data []byte) {
			m.post(event{kind: evtNotification, payload: data})
		})
		if err != nil {
			m.log.WithError(err).Warn("TX subscribe failed")
		}
	}
	if rx == nil {
		m.log.Warn("no RX channel resolved; link stays radio-connected but not ready")
	}
}

func (m *Machine) handleLinkDown(peer Peer) {
	if peer != m.peer {
		return
	}
	m.log.WithField("addr", peer.Addr()).Info("radio link lost")
	m.teardown()
}

func (m *Machine) handleDisconnectRequest() {
	if m.Status() == models.Unauthorized {
		// no active peripheral to release
		return
	}
	if !m.connecting && m.peer == nil && m.Status() == models.Disconnected {
		return
	}
	if m.peer != nil {
		peer := m.peer
		go peer.CancelConnection()
	}
	m.teardown()
}

// teardown releases every per-session resource and re-enters Disconnected.
// Spontaneous and requested disconnects share this path.
func (m *Machine) teardown() {
	m.stopScan()
	m.connecting = false
	m.peer = nil
	m.tx = nil
	m.rx = nil
	m.target = ""
	m.linkUp = false
	m.ignored = nil
	m.attemptID = ""
	m.setPendingWrite(false)
	m.setStatus(models.Disconnected)
}

func (m *Machine) handleWriteRequest(frame []byte, confirmed bool) {
	if m.peer == nil || m.rx == nil || !m.linkUp {
		m.log.Warn("write rejected: no connected peripheral with a resolved RX channel")
		m.setPendingWrite(false)
		return
	}
	rx := m.rx
	if confirmed {
		m.writeConfirmed(rx, frame)
		return
	}
	props := rx.Properties()
	switch {
	case props&PropertyWrite != 0:
		m.writeConfirmed(rx, frame)
	case props&PropertyWriteWithoutResponse != 0:
		m.setPendingWrite(false)
		go func() {
			if err := rx.Write(frame, false); err != nil {
				m.log.WithError(err).Warn("unconfirmed write failed")
			}
		}()
	default:
		m.log.Warn("write dropped: RX channel advertises no write capability")
		m.setPendingWrite(false)
	}
}

func (m *Machine) writeConfirmed(rx Characteristic, frame []byte) {
	m.setPendingWrite(true)
	go func() {
		err := rx.Write(frame, true)
		m.post(event{kind: evtWriteDone, err: err})
	}()
}

func (m *Machine) setStatus(status models.ConnectionStatus) {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	if m.onStatus != nil {
		m.onStatus(status)
	}
}

func (m *Machine) setPendingWrite(pending bool) {
	m.mu.Lock()
	m.pendingWrite = pending
	m.mu.Unlock()
}

func (m *Machine) publishReady() {
	m.mu.Lock()
	m.ready = m.peer != nil && m.linkUp && m.rx != nil
	m.mu.Unlock()
}
