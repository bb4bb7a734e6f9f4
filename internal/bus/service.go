package bus

import (
	"fmt"
	"time"

	"github.com/ironpi/spihub/internal/logging"
	"github.com/ironpi/spihub/internal/wire"
)

const (
	// DefaultResponseLen is the response payload length assumed for a device
	// that has not yet advertised one.
	DefaultResponseLen uint16 = 40

	// InterMessageGap is the minimum quiet time between two SPI transactions
	// on the same bus. The chain firmware needs it to re-arm its shift
	// register after a hand-off.
	InterMessageGap = 2 * time.Millisecond
)

// Message is a device-originated message handed to the IPC broadcaster.
type Message struct {
	BusID     int
	DeviceID  uint8
	ChannelID uint8
	Payload   []byte
}

// BroadcastFunc receives device-originated messages observed on the wire.
type BroadcastFunc func(Message)

// Observer counts service-loop events. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveTransaction(selection bool)
	ObserveDecodeError()
	ObserveDeviceMismatch()
	ObserveBroadcast()
}

// ServicerConfig configures a Servicer.
type ServicerConfig struct {
	Gap                time.Duration // zero means InterMessageGap
	DefaultResponseLen uint16        // zero means DefaultResponseLen
	Broadcast          BroadcastFunc
	Observer           Observer // may be nil
	Logger             *logging.Logger
}

// Servicer runs service passes over buses. A single Servicer is shared by all
// buses; the broker guarantees at most one pass runs at a time.
type Servicer struct {
	gap        time.Duration
	defaultLen uint16
	broadcast  BroadcastFunc
	observer   Observer
	logger     *logging.Logger
}

// NewServicer creates a service-pass runner.
func NewServicer(config ServicerConfig) *Servicer {
	gap := config.Gap
	if gap == 0 {
		gap = InterMessageGap
	}
	defaultLen := config.DefaultResponseLen
	if defaultLen == 0 {
		defaultLen = DefaultResponseLen
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Servicer{
		gap:        gap,
		defaultLen: defaultLen,
		broadcast:  config.Broadcast,
		observer:   config.Observer,
		logger:     logger,
	}
}

// ServiceBus walks the chain once: it drains queued outbound messages and
// gives every device a chance to deliver an unsolicited one.
//
// The SPI protocol has a one-transaction lookahead: the response read during
// transaction N was staged in reply to the request of transaction N-1, so
// every request names the device expected to answer the next one. A device
// must have been named before it is addressed; when the hint on the bus does
// not match the device about to be polled, a selection request primes it
// first.
//
// In detection mode the pass additionally records which declared devices
// produced a clean matching response and prunes the rest on exit.
func (s *Servicer) ServiceBus(b *Bus, detect bool) error {
	isFirst := true
	var seen map[uint8]bool
	if detect {
		seen = make(map[uint8]bool)
	}

	devices := b.Devices()
	for di, d := range devices {
		if b.NextDeviceID != d.ID {
			// The previously-issued request did not prime this device.
			sel := wire.EncodeRequest(wire.Request{NextID: d.ID}, 0)
			s.pace(&isFirst)
			// The response shifted in here belongs to whichever device was
			// primed before, which need not be d. Discard it.
			if _, err := b.Xcvr.Exchange(sel); err != nil {
				return fmt.Errorf("selection exchange for device %d: %w", d.ID, err)
			}
			if s.observer != nil {
				s.observer.ObserveTransaction(true)
			}
		}

		for {
			tx, hasTx := d.TxQueue.PopFront()

			// Stay on this device while more of its queue can be drained;
			// otherwise hand off to the next device in chain order.
			next := d
			if d.TxQueue.Len() == 0 {
				next = devices[(di+1)%len(devices)]
			}

			req := wire.Request{
				TargetID: d.ID,
				NextID:   next.ID,
			}
			if hasTx {
				req.Cmd = wire.CmdMsgToDevice
				req.ChannelID = tx.ChannelID
				req.Payload = tx.Payload
			}
			expected := d.NextMsgLen
			if expected == 0 {
				expected = s.defaultLen
			}
			buf := wire.EncodeRequest(req, expected)

			s.pace(&isFirst)
			rx, err := b.Xcvr.Exchange(buf)
			if err != nil {
				return fmt.Errorf("exchange with device %d: %w", d.ID, err)
			}
			if s.observer != nil {
				s.observer.ObserveTransaction(false)
			}

			resp, derr := wire.DecodeResponse(rx)
			switch {
			case derr != nil:
				s.logger.Warn("dropping undecodable response", "bus", b.ID, "device", d.ID, "error", derr)
				if s.observer != nil {
					s.observer.ObserveDecodeError()
				}
			case resp.DeviceID == d.ID:
				d.NextMsgLen = resp.NextMsgLen
				if detect {
					seen[d.ID] = true
				}
				if len(resp.Payload) > 0 && resp.Cmd == wire.CmdMsgFromDevice && s.broadcast != nil {
					s.broadcast(Message{
						BusID:     b.ID,
						DeviceID:  d.ID,
						ChannelID: resp.ChannelID,
						Payload:   resp.Payload,
					})
					if s.observer != nil {
						s.observer.ObserveBroadcast()
					}
				}
			default:
				// A stale or foreign response. Expected during detection when
				// a declared device is absent.
				d.NextMsgLen = 0
				if !detect {
					s.logger.Warn("response device id mismatch", "bus", b.ID, "want", d.ID, "got", resp.DeviceID)
				}
				if s.observer != nil {
					s.observer.ObserveDeviceMismatch()
				}
			}

			b.NextDeviceID = next.ID

			if next != d {
				break
			}
		}
	}

	if detect {
		b.retain(seen)
		s.logger.Info("detection pass complete", "bus", b.ID, "devices", b.NumDevices())
	}
	return nil
}

// pace enforces the inter-message gap. The first transaction of a pass has no
// predecessor and does not wait.
func (s *Servicer) pace(isFirst *bool) {
	if *isFirst {
		*isFirst = false
		return
	}
	time.Sleep(s.gap)
}
