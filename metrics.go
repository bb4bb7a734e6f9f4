package spihub

import "sync/atomic"

// Metrics tracks broker activity with atomic counters. One Metrics value is
// shared by the service loop and the IPC server; all methods are safe for
// concurrent use.
type Metrics struct {
	transactions     atomic.Uint64
	selections       atomic.Uint64
	decodeErrors     atomic.Uint64
	deviceMismatches atomic.Uint64
	deviceBroadcasts atomic.Uint64
	inboundFrames    atomic.Uint64
	enqueuedMessages atomic.Uint64
	sendErrors       atomic.Uint64
}

// NewMetrics creates a zeroed metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is a point-in-time view of the counters.
type MetricsSnapshot struct {
	Transactions     uint64 `json:"transactions"`
	Selections       uint64 `json:"selections"`
	DecodeErrors     uint64 `json:"decode_errors"`
	DeviceMismatches uint64 `json:"device_mismatches"`
	DeviceBroadcasts uint64 `json:"device_broadcasts"`
	InboundFrames    uint64 `json:"inbound_frames"`
	EnqueuedMessages uint64 `json:"enqueued_messages"`
	SendErrors       uint64 `json:"send_errors"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Transactions:     m.transactions.Load(),
		Selections:       m.selections.Load(),
		DecodeErrors:     m.decodeErrors.Load(),
		DeviceMismatches: m.deviceMismatches.Load(),
		DeviceBroadcasts: m.deviceBroadcasts.Load(),
		InboundFrames:    m.inboundFrames.Load(),
		EnqueuedMessages: m.enqueuedMessages.Load(),
		SendErrors:       m.sendErrors.Load(),
	}
}

// Service-loop observer.

func (m *Metrics) ObserveTransaction(selection bool) {
	m.transactions.Add(1)
	if selection {
		m.selections.Add(1)
	}
}

func (m *Metrics) ObserveDecodeError() {
	m.decodeErrors.Add(1)
}

func (m *Metrics) ObserveDeviceMismatch() {
	m.deviceMismatches.Add(1)
}

func (m *Metrics) ObserveBroadcast() {
	m.deviceBroadcasts.Add(1)
}

// IPC-server observer.

func (m *Metrics) ObserveInboundFrame() {
	m.inboundFrames.Add(1)
}

func (m *Metrics) ObserveEnqueued() {
	m.enqueuedMessages.Add(1)
}

func (m *Metrics) ObserveSendError() {
	m.sendErrors.Add(1)
}
