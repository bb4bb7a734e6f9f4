// Package bus holds the per-bus device model and the service loop that
// drives SPI transactions against the attached chain.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/ironpi/spihub/internal/queue"
)

// Transceiver performs one full-duplex fixed-length exchange on an SPI bus.
// The returned slice has the same length as buf.
type Transceiver interface {
	Exchange(buf []byte) ([]byte, error)
	Close() error
}

// DeviceInfo is the opaque descriptive info advertised in the device list.
type DeviceInfo struct {
	Model   string `json:"model"`
	Version string `json:"version"`
}

// DeclaredChain is the physical topology this broker is built for: one
// controller module followed by four I/O expanders. Device ids are assigned
// by position, starting at 1. The detection pass prunes ids that do not
// answer.
var DeclaredChain = []DeviceInfo{
	{Model: "iron-pi-cm8", Version: "1.0"},
	{Model: "iron-pi-io16", Version: "1.0"},
	{Model: "iron-pi-io16", Version: "1.0"},
	{Model: "iron-pi-io16", Version: "1.0"},
	{Model: "iron-pi-io16", Version: "1.0"},
}

// Device is one chain member on a bus.
type Device struct {
	ID      uint8
	Info    DeviceInfo
	TxQueue *queue.TxQueue

	// NextMsgLen caches the response length the device last advertised for
	// its next frame. Zero means unknown.
	NextMsgLen uint16
}

// Bus is an ordered collection of devices sharing one chip-select-multiplexed
// SPI channel.
type Bus struct {
	ID   int
	Xcvr Transceiver

	mu      sync.Mutex
	devices []*Device
	byID    map[uint8]*Device

	// NextDeviceID is the id of the device expected to respond to the next
	// transaction. Zero means no device is primed. Only the service loop
	// reads or writes it.
	NextDeviceID uint8

	pending atomic.Bool
}

// New builds a bus populated from the declared chain.
func New(id int, xcvr Transceiver) *Bus {
	return NewWithChain(id, xcvr, DeclaredChain)
}

// NewWithChain builds a bus from an explicit chain declaration. Device ids
// are assigned by position, starting at 1.
func NewWithChain(id int, xcvr Transceiver, chain []DeviceInfo) *Bus {
	b := &Bus{
		ID:   id,
		Xcvr: xcvr,
		byID: make(map[uint8]*Device, len(chain)),
	}
	for i, info := range chain {
		d := &Device{
			ID:      uint8(i + 1),
			Info:    info,
			TxQueue: queue.New(),
		}
		b.devices = append(b.devices, d)
		b.byID[d.ID] = d
	}
	return b
}

// Devices returns the current device array in chain order.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, len(b.devices))
	copy(out, b.devices)
	return out
}

// Device resolves a device by id.
func (b *Bus) Device(id uint8) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.byID[id]
	return d, ok
}

// NumDevices returns the number of devices currently on the bus.
func (b *Bus) NumDevices() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.devices)
}

// retain keeps only the devices whose ids are in seen, preserving chain
// order, and rebuilds the id map to match. The next-device hint is reset if
// it no longer names a retained device.
func (b *Bus) retain(seen map[uint8]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.devices[:0]
	byID := make(map[uint8]*Device, len(seen))
	for _, d := range b.devices {
		if seen[d.ID] {
			kept = append(kept, d)
			byID[d.ID] = d
		}
	}
	b.devices = kept
	b.byID = byID
	if _, ok := byID[b.NextDeviceID]; !ok {
		b.NextDeviceID = 0
	}
}

// RequestService marks the bus as needing a service pass. Safe to call from
// interrupt watchers and IPC connection goroutines.
func (b *Bus) RequestService() {
	b.pending.Store(true)
}

// TakePending atomically consumes the service-pending flag.
func (b *Bus) TakePending() bool {
	return b.pending.Swap(false)
}

// Pending reports whether a service request is outstanding.
func (b *Bus) Pending() bool {
	return b.pending.Load()
}
