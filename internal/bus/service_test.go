package bus

import (
	"bytes"
	"testing"
	"time"

	"github.com/ironpi/spihub/internal/logging"
	"github.com/ironpi/spihub/internal/queue"
	"github.com/ironpi/spihub/internal/sim"
	"github.com/ironpi/spihub/internal/wire"
)

func testChain(t *testing.T, n int, present ...uint8) (*Bus, *sim.Chain) {
	t.Helper()
	infos := make([]DeviceInfo, n)
	for i := range infos {
		infos[i] = DeviceInfo{Model: "iron-pi-io16", Version: "1.0"}
	}
	chain := sim.NewChain(present...)
	return NewWithChain(0, chain, infos), chain
}

func testServicer(broadcast BroadcastFunc) *Servicer {
	return NewServicer(ServicerConfig{
		Gap:       time.Microsecond,
		Broadcast: broadcast,
		Logger:    logging.NewLogger(nil),
	})
}

func TestSelectionOnlyPoll(t *testing.T) {
	b, chain := testChain(t, 2, 1, 2)
	s := testServicer(nil)

	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}

	// With no device primed, the pass selects device 1, polls it naming 2
	// next, then polls 2 directly: the data frame already primed it.
	txs := chain.Transactions()
	want := []wire.Request{
		{TargetID: 0, NextID: 1},
		{TargetID: 1, NextID: 2},
		{TargetID: 2, NextID: 1},
	}
	if len(txs) != len(want) {
		t.Fatalf("transaction count = %d, want %d (%+v)", len(txs), len(want), txs)
	}
	for i, w := range want {
		if txs[i].TargetID != w.TargetID || txs[i].NextID != w.NextID {
			t.Errorf("transaction %d = target %d next %d, want target %d next %d",
				i, txs[i].TargetID, txs[i].NextID, w.TargetID, w.NextID)
		}
	}
	if b.NextDeviceID != 1 {
		t.Errorf("NextDeviceID = %d, want 1", b.NextDeviceID)
	}
}

func TestSingleOutboundMessage(t *testing.T) {
	b, chain := testChain(t, 2, 1, 2)
	b.NextDeviceID = 1

	d1, _ := b.Device(1)
	d1.TxQueue.Enqueue(queue.Entry{ChannelID: 4, Payload: []byte("hello")})

	s := testServicer(nil)
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}

	txs := chain.Transactions()
	if len(txs) != 2 {
		t.Fatalf("transaction count = %d, want 2 (%+v)", len(txs), txs)
	}
	if txs[0].TargetID != 1 || txs[0].NextID != 2 || txs[0].Cmd != wire.CmdMsgToDevice ||
		txs[0].ChannelID != 4 || !bytes.Equal(txs[0].Payload, []byte("hello")) {
		t.Errorf("first transaction = %+v, want target=1 next=2 cmd=1 channel=4 payload=hello", txs[0])
	}
	if txs[1].TargetID != 2 || txs[1].NextID != 1 || txs[1].Cmd != wire.CmdNone {
		t.Errorf("second transaction = %+v, want target=2 next=1 cmd=0", txs[1])
	}
	if d1.TxQueue.Len() != 0 {
		t.Errorf("queue length after pass = %d, want 0", d1.TxQueue.Len())
	}

	got := chain.Received(1)
	if len(got) != 1 || !bytes.Equal(got[0].Payload, []byte("hello")) {
		t.Errorf("device received %+v, want one hello message", got)
	}
}

func TestDrainMultipleOnSameDevice(t *testing.T) {
	b, chain := testChain(t, 2, 1, 2)
	b.NextDeviceID = 1

	d1, _ := b.Device(1)
	for _, p := range []string{"m1", "m2", "m3"} {
		d1.TxQueue.Enqueue(queue.Entry{ChannelID: 1, Payload: []byte(p)})
	}

	s := testServicer(nil)
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}

	txs := chain.Transactions()
	var toOne []wire.Request
	for _, tx := range txs {
		if tx.TargetID == 1 {
			toOne = append(toOne, tx)
		}
	}
	if len(toOne) != 3 {
		t.Fatalf("transactions to device 1 = %d, want 3", len(toOne))
	}
	for i, wantNext := range []uint8{1, 1, 2} {
		if toOne[i].NextID != wantNext {
			t.Errorf("drain transaction %d next = %d, want %d", i, toOne[i].NextID, wantNext)
		}
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if string(toOne[i].Payload) != want {
			t.Errorf("drain transaction %d payload = %q, want %q", i, toOne[i].Payload, want)
		}
	}
}

func TestDedupeReplaceBeforeService(t *testing.T) {
	b, chain := testChain(t, 2, 1, 2)
	b.NextDeviceID = 1

	d1, _ := b.Device(1)
	d1.TxQueue.Enqueue(queue.Entry{DedupeID: 7, ChannelID: 1, Payload: []byte("A")})
	d1.TxQueue.Enqueue(queue.Entry{DedupeID: 7, ChannelID: 1, Payload: []byte("B")})

	s := testServicer(nil)
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}

	var sent []wire.Request
	for _, tx := range chain.Transactions() {
		if tx.Cmd == wire.CmdMsgToDevice {
			sent = append(sent, tx)
		}
	}
	if len(sent) != 1 {
		t.Fatalf("message transactions = %d, want 1", len(sent))
	}
	if !bytes.Equal(sent[0].Payload, []byte("B")) {
		t.Errorf("sent payload = %q, want B", sent[0].Payload)
	}
}

func TestBroadcastFromDevice(t *testing.T) {
	b, chain := testChain(t, 2, 1, 2)
	chain.QueueFromDevice(2, 6, []byte("event"))

	var got []Message
	s := testServicer(func(m Message) { got = append(got, m) })
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(got))
	}
	m := got[0]
	if m.BusID != 0 || m.DeviceID != 2 || m.ChannelID != 6 || !bytes.Equal(m.Payload, []byte("event")) {
		t.Errorf("broadcast = %+v, want bus=0 device=2 channel=6 payload=event", m)
	}
}

func TestWrongResponderID(t *testing.T) {
	b, chain := testChain(t, 2, 1, 2)
	chain.SetResponderID(1, 99)
	chain.QueueFromDevice(1, 3, []byte("spoofed"))

	var got []Message
	s := testServicer(func(m Message) { got = append(got, m) })
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}

	if len(got) != 0 {
		t.Errorf("mismatched responses must not be broadcast, got %+v", got)
	}
	d1, _ := b.Device(1)
	if d1.NextMsgLen != 0 {
		t.Errorf("NextMsgLen = %d, want cleared to 0 after mismatch", d1.NextMsgLen)
	}
}

func TestNextMsgLenRecorded(t *testing.T) {
	b, chain := testChain(t, 2, 1, 2)
	// Two queued outbound messages: the response delivering the first
	// advertises the length of the second.
	chain.QueueFromDevice(1, 2, []byte("first"))
	chain.QueueFromDevice(1, 2, []byte("second-longer"))

	s := testServicer(nil)
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}

	d1, _ := b.Device(1)
	if d1.NextMsgLen != uint16(len("second-longer")) {
		t.Errorf("NextMsgLen = %d, want %d", d1.NextMsgLen, len("second-longer"))
	}
}

func TestDetectionPrunes(t *testing.T) {
	// Declared chain of five, only device 1 present.
	b, _ := testChain(t, 5, 1)

	s := testServicer(nil)
	if err := s.ServiceBus(b, true); err != nil {
		t.Fatalf("detection pass failed: %v", err)
	}

	devices := b.Devices()
	if len(devices) != 1 || devices[0].ID != 1 {
		t.Fatalf("devices after detection = %+v, want [device 1]", devices)
	}
	if _, ok := b.Device(1); !ok {
		t.Error("device 1 missing from map after detection")
	}
	if _, ok := b.Device(2); ok {
		t.Error("pruned device 2 still resolvable")
	}
}

func TestDetectionNoDevices(t *testing.T) {
	b, chain := testChain(t, 5)

	s := testServicer(nil)
	if err := s.ServiceBus(b, true); err != nil {
		t.Fatalf("detection pass failed: %v", err)
	}
	if n := b.NumDevices(); n != 0 {
		t.Fatalf("devices after detection = %d, want 0", n)
	}
	if b.NextDeviceID != 0 {
		t.Errorf("NextDeviceID = %d, want 0 after full prune", b.NextDeviceID)
	}

	// A subsequent pass over an empty chain touches the wire not at all.
	chain.Reset()
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("empty pass failed: %v", err)
	}
	if n := len(chain.Transactions()); n != 0 {
		t.Errorf("empty pass issued %d transactions, want 0", n)
	}
}

func TestNextDeviceInvariantAfterPass(t *testing.T) {
	b, _ := testChain(t, 3, 1, 2, 3)

	s := testServicer(nil)
	if err := s.ServiceBus(b, false); err != nil {
		t.Fatalf("ServiceBus failed: %v", err)
	}
	if _, ok := b.Device(b.NextDeviceID); !ok {
		t.Errorf("NextDeviceID %d does not name a device on the bus", b.NextDeviceID)
	}
}

func TestServicePendingFlag(t *testing.T) {
	b, _ := testChain(t, 1, 1)

	if b.TakePending() {
		t.Error("fresh bus should not be pending")
	}
	b.RequestService()
	if !b.Pending() {
		t.Error("Pending() should report after RequestService")
	}
	if !b.TakePending() {
		t.Error("TakePending should consume the flag")
	}
	if b.TakePending() {
		t.Error("flag should be consumed exactly once")
	}
}
