package link_test

import (
	"sync"
	"testing"
	"time"

	. "github.com/perigee-io/ble-link/internal"
	"github.com/perigee-io/ble-link/pkg/link"
	"github.com/perigee-io/ble-link/pkg/models"
	"github.com/perigee-io/ble-link/pkg/util"
	"github.com/perigee-io/ble-link/pkg/wire"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

const testAddr = "11:22:33:44:55:66"

func testOptions() link.Options {
	return link.Options{
		ScanTimeout:    time.Millisecond * 200,
		ConnectTimeout: time.Second,
	}
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []models.ConnectionStatus
}

func (r *statusRecorder) record(s models.ConnectionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []models.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConnectionStatus, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 2)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatal("timed out waiting for " + msg)
}

func newConnectedMachine(t *testing.T) (*link.Machine, *DummyCentral, *DummyCharacteristic, *DummyCharacteristic, *statusRecorder) {
	t.Helper()
	peer, tx, rx := GetTestPeer(testAddr)
	central := &DummyCentral{
		Peer: peer,
		Advs: []link.Advertisement{DummyAdv{Address: testAddr, Rssi: -60, Services: []string{util.ServiceUUID}}},
	}
	rec := &statusRecorder{}
	m := link.NewMachine(central, testOptions())
	m.OnStatus(rec.record)
	m.Run()
	t.Cleanup(m.Close)
	m.Connect()
	waitFor(t, "connection ready", m.IsConnected)
	return m, central, tx, rx, rec
}

func TestConnectHappyPath(t *testing.T) {
	m, _, _, _, rec := newConnectedMachine(t)
	assert.Assert(t, m.IsConnected())
	assert.Equal(t, m.Status(), models.Connected)
	statuses := rec.all()
	// scan start and dial each publish Connecting before the link comes up
	assert.DeepEqual(t, statuses, []models.ConnectionStatus{models.Connecting, models.Connecting, models.Connected})
}

func TestConnectIsIdempotentWhileConnecting(t *testing.T) {
	m, central, _, _, _ := newConnectedMachine(t)
	m.Connect()
	time.Sleep(time.Millisecond * 50)
	central.Mu.Lock()
	defer central.Mu.Unlock()
	assert.Equal(t, central.ScanCount, 1)
	assert.Equal(t, len(central.Connected), 1)
	assert.Equal(t, m.Status(), models.Connected)
}

func TestScanTimeoutIsRecoverable(t *testing.T) {
	central := &DummyCentral{}
	rec := &statusRecorder{}
	m := link.NewMachine(central, testOptions())
	m.OnStatus(rec.record)
	m.Run()
	defer m.Close()

	m.Connect()
	waitFor(t, "timeout teardown", func() bool {
		s := rec.all()
		return len(s) >= 2 && s[len(s)-1] == models.Disconnected
	})
	assert.Assert(t, !m.IsConnected())

	// a fresh attempt starts a fresh scan once a peripheral shows up
	peer, _, _ := GetTestPeer(testAddr)
	central.Mu.Lock()
	central.Peer = peer
	central.Advs = []link.Advertisement{DummyAdv{Address: testAddr, Services: []string{util.ServiceUUID}}}
	central.Mu.Unlock()
	m.Connect()
	waitFor(t, "second attempt ready", m.IsConnected)
	central.Mu.Lock()
	defer central.Mu.Unlock()
	assert.Equal(t, central.ScanCount, 2)
}

func TestRadioNotReady(t *testing.T) {
	central := &DummyCentral{ReadyErr: errors.New("hci device is down")}
	rec := &statusRecorder{}
	m := link.NewMachine(central, testOptions())
	m.OnStatus(rec.record)
	m.Run()
	defer m.Close()

	m.Connect()
	waitFor(t, "unauthorized status", func() bool { return m.Status() == models.Unauthorized })
	central.Mu.Lock()
	scans := central.ScanCount
	central.Mu.Unlock()
	assert.Equal(t, scans, 0)

	// disconnect from Unauthorized is a no-op
	m.Disconnect()
	time.Sleep(time.Millisecond * 50)
	assert.Equal(t, m.Status(), models.Unauthorized)
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	central := &DummyCentral{}
	rec := &statusRecorder{}
	m := link.NewMachine(central, testOptions())
	m.OnStatus(rec.record)
	m.Run()
	defer m.Close()

	m.Disconnect()
	time.Sleep(time.Millisecond * 50)
	assert.Equal(t, len(rec.all()), 0)
	assert.Equal(t, m.Status(), models.Disconnected)
}

func TestDisconnectTearsDown(t *testing.T) {
	m, central, _, _, rec := newConnectedMachine(t)
	m.Disconnect()
	waitFor(t, "disconnected status", func() bool { return m.Status() == models.Disconnected })
	assert.Assert(t, !m.IsConnected())
	waitFor(t, "transport disconnect", func() bool {
		central.Peer.Mu.Lock()
		defer central.Peer.Mu.Unlock()
		return central.Peer.Cancelled
	})
	statuses := rec.all()
	assert.Equal(t, statuses[len(statuses)-1], models.Disconnected)
}

func TestSpontaneousDropTearsDown(t *testing.T) {
	m, central, _, _, _ := newConnectedMachine(t)
	central.Peer.Drop()
	waitFor(t, "disconnected status", func() bool { return m.Status() == models.Disconnected })
	assert.Assert(t, !m.IsConnected())
}

func TestStaleDialNotAdoptedByLaterAttempt(t *testing.T) {
	peer, _, _ := GetTestPeer(testAddr)
	gate := make(chan struct{})
	central := &DummyCentral{
		Peer:        peer,
		ConnectGate: gate,
		Advs:        []link.Advertisement{DummyAdv{Address: testAddr, Services: []string{util.ServiceUUID}}},
	}
	// generous timeouts so the second attempt stays in Connecting throughout
	m := link.NewMachine(central, link.Options{ScanTimeout: time.Second * 5, ConnectTimeout: time.Second * 5})
	m.Run()
	defer m.Close()

	m.Connect()
	waitFor(t, "dial in flight", func() bool {
		central.Mu.Lock()
		defer central.Mu.Unlock()
		return len(central.Connected) == 1
	})

	m.Disconnect()
	waitFor(t, "disconnected", func() bool { return m.Status() == models.Disconnected })

	// second attempt scans with nothing to find
	central.Mu.Lock()
	central.Advs = nil
	central.ConnectGate = nil
	central.Mu.Unlock()
	m.Connect()
	waitFor(t, "second scan", func() bool {
		central.Mu.Lock()
		defer central.Mu.Unlock()
		return central.ScanCount == 2
	})
	assert.Equal(t, m.Status(), models.Connecting)

	// the abandoned dial completes now; its link must be dropped, not adopted
	close(gate)
	waitFor(t, "stray link released", func() bool {
		peer.Mu.Lock()
		defer peer.Mu.Unlock()
		return peer.Cancelled
	})
	assert.Assert(t, !m.IsConnected())
	assert.Equal(t, m.Status(), models.Connecting)
}

func TestIsConnectedFalseWithoutRX(t *testing.T) {
	tx := &DummyCharacteristic{Uuid: util.TXCharUUID, Props: link.PropertyNotify}
	peer := NewDummyPeer(testAddr)
	peer.Svcs = []link.Service{&DummyService{Uuid: util.ServiceUUID, Chars: []link.Characteristic{tx}}}
	central := &DummyCentral{
		Peer: peer,
		Advs: []link.Advertisement{DummyAdv{Address: testAddr, Services: []string{util.ServiceUUID}}},
	}
	m := link.NewMachine(central, testOptions())
	m.Run()
	defer m.Close()

	m.Connect()
	waitFor(t, "radio link up", func() bool { return m.Status() == models.Connected })
	waitFor(t, "tx subscription", func() bool {
		tx.Mu.Lock()
		defer tx.Mu.Unlock()
		return tx.Notify != nil
	})
	// radio-connected but not application-ready
	assert.Assert(t, !m.IsConnected())
}

func TestSendDataConfirmedWrite(t *testing.T) {
	m, _, _, rx, _ := newConnectedMachine(t)
	m.SendData(wire.EncodeCommand(3, 7))
	waitFor(t, "write delivery", func() bool {
		rx.Mu.Lock()
		defer rx.Mu.Unlock()
		return len(rx.Writes) == 1
	})
	rx.Mu.Lock()
	defer rx.Mu.Unlock()
	assert.Equal(t, string(rx.Writes[0]), "3:7>")
	assert.Assert(t, rx.Confirmed[0])
	waitFor(t, "pending flag cleared", func() bool { return !m.PendingWrite() })
}

func TestSendDataPendingWhileWriteInFlight(t *testing.T) {
	m, _, _, rx, _ := newConnectedMachine(t)
	gate := make(chan struct{})
	rx.Mu.Lock()
	rx.WriteGate = gate
	rx.Mu.Unlock()

	m.SendData(wire.EncodeCommand(1, 2))
	waitFor(t, "pending flag set", m.PendingWrite)
	rx.Mu.Lock()
	assert.Equal(t, len(rx.Writes), 0)
	rx.Mu.Unlock()

	close(gate)
	waitFor(t, "pending flag cleared", func() bool { return !m.PendingWrite() })
	rx.Mu.Lock()
	defer rx.Mu.Unlock()
	assert.Equal(t, len(rx.Writes), 1)
	assert.Assert(t, rx.Confirmed[0])
}

func TestSendStreamPrefersConfirmed(t *testing.T) {
	m, _, _, rx, _ := newConnectedMachine(t)
	m.SendStream(wire.EncodeStream(2, 9))
	waitFor(t, "write delivery", func() bool {
		rx.Mu.Lock()
		defer rx.Mu.Unlock()
		return len(rx.Writes) == 1
	})
	rx.Mu.Lock()
	defer rx.Mu.Unlock()
	assert.Equal(t, string(rx.Writes[0]), "2>9<")
	assert.Assert(t, rx.Confirmed[0])
}

func TestSendStreamFallsBackToUnconfirmed(t *testing.T) {
	tx := &DummyCharacteristic{Uuid: util.TXCharUUID, Props: link.PropertyNotify}
	rx := &DummyCharacteristic{Uuid: util.RXCharUUID, Props: link.PropertyWriteWithoutResponse}
	peer := NewDummyPeer(testAddr)
	peer.Svcs = []link.Service{&DummyService{Uuid: util.ServiceUUID, Chars: []link.Characteristic{tx, rx}}}
	central := &DummyCentral{
		Peer: peer,
		Advs: []link.Advertisement{DummyAdv{Address: testAddr, Services: []string{util.ServiceUUID}}},
	}
	m := link.NewMachine(central, testOptions())
	m.Run()
	defer m.Close()
	m.Connect()
	waitFor(t, "connection ready", m.IsConnected)

	m.SendStream(wire.EncodeStream(1, 2))
	waitFor(t, "write delivery", func() bool {
		rx.Mu.Lock()
		defer rx.Mu.Unlock()
		return len(rx.Writes) == 1
	})
	rx.Mu.Lock()
	defer rx.Mu.Unlock()
	assert.Assert(t, !rx.Confirmed[0])
	assert.Assert(t, !m.PendingWrite())
}

func TestSendStreamUnwritableChannelDropsSilently(t *testing.T) {
	// RX resolved by identifier even though it advertises no write capability
	tx := &DummyCharacteristic{Uuid: util.TXCharUUID, Props: link.PropertyNotify}
	rx := &DummyCharacteristic{Uuid: util.RXCharUUID, Props: 0}
	peer := NewDummyPeer(testAddr)
	peer.Svcs = []link.Service{&DummyService{Uuid: util.ServiceUUID, Chars: []link.Characteristic{tx, rx}}}
	central := &DummyCentral{
		Peer: peer,
		Advs: []link.Advertisement{DummyAdv{Address: testAddr, Services: []string{util.ServiceUUID}}},
	}
	m := link.NewMachine(central, testOptions())
	m.Run()
	defer m.Close()
	m.Connect()
	waitFor(t, "connection ready", m.IsConnected)

	m.SendStream(wire.EncodeStream(1, 2))
	time.Sleep(time.Millisecond * 50)
	rx.Mu.Lock()
	defer rx.Mu.Unlock()
	assert.Equal(t, len(rx.Writes), 0)
	assert.Assert(t, !m.PendingWrite())
}

func TestSendRejectedWhenNotConnected(t *testing.T) {
	central := &DummyCentral{}
	m := link.NewMachine(central, testOptions())
	m.Run()
	defer m.Close()

	m.SendData(wire.EncodeCommand(1, 1))
	time.Sleep(time.Millisecond * 50)
	assert.Assert(t, !m.PendingWrite())
	assert.Equal(t, m.Status(), models.Disconnected)
}

func TestNotificationsFlowThroughMachine(t *testing.T) {
	peer, tx, _ := GetTestPeer(testAddr)
	central := &DummyCentral{
		Peer: peer,
		Advs: []link.Advertisement{DummyAdv{Address: testAddr, Services: []string{util.ServiceUUID}}},
	}
	var mu sync.Mutex
	var got []byte
	m := link.NewMachine(central, testOptions())
	m.OnBytes(func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload...)
	})
	m.Run()
	defer m.Close()
	m.Connect()
	waitFor(t, "connection ready", m.IsConnected)

	tx.Push([]byte("0.50"))
	tx.Push([]byte("00>"))
	waitFor(t, "notify delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "0.5000>"
	})
}
