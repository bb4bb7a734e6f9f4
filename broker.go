// Package spihub implements the SPI hub broker: a long-running daemon that
// owns the host's SPI buses, polls the attached device chains, and
// multiplexes application traffic over a local stream socket.
package spihub

import (
	"context"
	"fmt"
	"time"

	"github.com/ironpi/spihub/internal/bus"
	"github.com/ironpi/spihub/internal/eeprom"
	"github.com/ironpi/spihub/internal/gpioirq"
	"github.com/ironpi/spihub/internal/ipc"
	"github.com/ironpi/spihub/internal/logging"
	"github.com/ironpi/spihub/internal/queue"
	"github.com/ironpi/spihub/internal/sim"
	"github.com/ironpi/spihub/internal/spidev"
)

// Identity is the board identity embedded in the device-list frame.
type Identity struct {
	SerialNumber string
	AccessCode   string
}

// IdentityFunc produces the board identity at startup.
type IdentityFunc func() (Identity, error)

// TransceiverFunc opens the transceiver for one configured bus.
type TransceiverFunc func(cfg BusConfig) (bus.Transceiver, error)

// InterruptFunc registers an edge watcher on a GPIO pin and returns a stop
// function.
type InterruptFunc func(pin string, activeLow bool, fn func()) (func(), error)

// Options configures a Broker. Zero values select the defaults noted on each
// field.
type Options struct {
	// Buses to own, in declaration order; bus ids are assigned by index.
	Buses []BusConfig

	// SocketPath defaults to DefaultSocketPath.
	SocketPath string

	// Simulate replaces the hardware with an in-process simulated chain.
	Simulate bool

	// Identity defaults to the EEPROM reader (or a fixed identity when
	// simulating).
	Identity IdentityFunc

	// OpenTransceiver defaults to the spidev driver (or the simulated chain).
	OpenTransceiver TransceiverFunc

	// WatchInterrupt defaults to the GPIO edge watcher.
	WatchInterrupt InterruptFunc

	// Gap overrides the inter-transaction quiet time. Tests only.
	Gap time.Duration

	// Logger defaults to the package default logger.
	Logger *logging.Logger
}

// Broker wires the IPC server, the device queues and the bus service loop
// together. Construct with New, then Run.
type Broker struct {
	opts    Options
	logger  *logging.Logger
	metrics *Metrics

	server   *ipc.Server
	servicer *bus.Servicer
	buses    []*bus.Bus

	wake  chan struct{}
	done  chan struct{}
	fatal chan error
	stops []func()
}

// New creates a broker. No resources are touched until Run.
func New(options Options) *Broker {
	if options.SocketPath == "" {
		options.SocketPath = DefaultSocketPath
	}
	if options.Logger == nil {
		options.Logger = logging.Default()
	}
	if options.Simulate && len(options.Buses) == 0 {
		options.Buses = []BusConfig{{Path: "sim0"}}
	}

	b := &Broker{
		opts:    options,
		logger:  options.Logger,
		metrics: NewMetrics(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		fatal:   make(chan error, 1),
	}

	if b.opts.OpenTransceiver == nil {
		if options.Simulate {
			b.opts.OpenTransceiver = func(BusConfig) (bus.Transceiver, error) {
				return sim.NewChain(1, 2, 3, 4, 5), nil
			}
		} else {
			b.opts.OpenTransceiver = func(cfg BusConfig) (bus.Transceiver, error) {
				return spidev.Open(cfg.Path, cfg.Speed)
			}
		}
	}
	if b.opts.Identity == nil {
		if options.Simulate {
			b.opts.Identity = func() (Identity, error) {
				return Identity{SerialNumber: "SIM-00000", AccessCode: "simulated"}, nil
			}
		} else {
			b.opts.Identity = func() (Identity, error) {
				id, err := eeprom.ReadIdentity()
				if err != nil {
					return Identity{}, err
				}
				return Identity{SerialNumber: id.SerialNumber, AccessCode: id.AccessCode}, nil
			}
		}
	}
	if b.opts.WatchInterrupt == nil {
		b.opts.WatchInterrupt = gpioirq.Watch
	}

	b.servicer = bus.NewServicer(bus.ServicerConfig{
		Gap:       options.Gap,
		Broadcast: b.broadcastFromDevice,
		Observer:  b.metrics,
		Logger:    b.logger.Named("service"),
	})
	return b
}

// Metrics returns the broker's metrics collector.
func (b *Broker) Metrics() *Metrics {
	return b.metrics
}

// Run starts the broker and blocks until ctx is cancelled or a fatal error
// occurs. Startup order matters: the socket binds first so early clients
// queue at the socket layer, then each bus opens and runs its detection
// pass, then the identity is read and the device-list frame built.
func (b *Broker) Run(ctx context.Context) error {
	if len(b.opts.Buses) == 0 {
		return NewError("RUN", ErrCodeConfig, "no buses configured")
	}

	b.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath: b.opts.SocketPath,
		Sink:       (*brokerSink)(b),
		Observer:   b.metrics,
		Logger:     b.logger.Named("ipc"),
	})
	if err := b.server.Listen(); err != nil {
		return NewError("RUN", ErrCodeSocket, err.Error())
	}
	defer b.shutdown()

	for i, cfg := range b.opts.Buses {
		xcvr, err := b.opts.OpenTransceiver(cfg)
		if err != nil {
			return WrapError(fmt.Sprintf("OPEN_BUS %s", cfg.Path), err)
		}
		bs := bus.New(i, xcvr)
		b.buses = append(b.buses, bs)

		if cfg.IRQPin != "" && !b.opts.Simulate {
			stop, err := b.opts.WatchInterrupt(cfg.IRQPin, cfg.IRQActiveLow(), b.wakeFunc(bs))
			if err != nil {
				return NewBusError("WATCH_IRQ", i, ErrCodeInterrupt, err.Error())
			}
			b.stops = append(b.stops, stop)
		}

		if err := b.servicer.ServiceBus(bs, true); err != nil {
			return NewBusError("DETECT", i, ErrCodeIO, err.Error())
		}
		b.logger.Info("bus ready", "bus", i, "path", cfg.Path, "devices", bs.NumDevices())
	}

	identity, err := b.opts.Identity()
	if err != nil {
		return NewError("READ_IDENTITY", ErrCodeIdentity, err.Error())
	}

	listFrame, err := b.buildDevicesList(identity)
	if err != nil {
		return NewError("BUILD_DEVICES_LIST", ErrCodeIO, err.Error())
	}
	b.server.SetDevicesList(listFrame)
	// Clients that connected before detection finished still get the list.
	b.server.Broadcast(listFrame)

	go b.serviceLoop()
	b.logger.Info("broker running", "socket", b.opts.SocketPath, "buses", len(b.buses))

	select {
	case <-ctx.Done():
		return nil
	case err := <-b.fatal:
		return err
	}
}

func (b *Broker) shutdown() {
	close(b.done)
	for _, stop := range b.stops {
		stop()
	}
	if b.server != nil {
		b.server.Close()
	}
	for _, bs := range b.buses {
		if bs.Xcvr != nil {
			bs.Xcvr.Close()
		}
	}
}

// buildDevicesList assembles the bootstrap frame from the detected chains.
func (b *Broker) buildDevicesList(identity Identity) ([]byte, error) {
	list := ipc.DevicesList{
		SerialNumber: identity.SerialNumber,
		AccessCode:   identity.AccessCode,
	}
	for _, bs := range b.buses {
		for _, d := range bs.Devices() {
			list.Devices = append(list.Devices, ipc.DeviceEntry{
				BusID:      bs.ID,
				DeviceID:   d.ID,
				DeviceInfo: d.Info,
			})
		}
	}
	return ipc.EncodeDevicesList(list)
}

// broadcastFromDevice fans one device-originated message out to every client.
func (b *Broker) broadcastFromDevice(m bus.Message) {
	frame := ipc.EncodeMessageFromDevice(uint8(m.BusID), m.DeviceID, m.ChannelID, m.Payload)
	b.server.Broadcast(frame)
}

// wakeFunc builds the interrupt callback for one bus. It only marks the bus
// and pokes the service loop; it never touches device queues.
func (b *Broker) wakeFunc(bs *bus.Bus) func() {
	return func() {
		bs.RequestService()
		b.Wake()
	}
}

// Wake pokes the service loop. The channel holds one pending wake; a
// producer finding it full moves on, the consumer drains it and re-runs.
func (b *Broker) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broker) serviceLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		if err := b.serviceAll(); err != nil {
			b.logger.Error("service loop fatal", "error", err)
			select {
			case b.fatal <- err:
			default:
			}
			return
		}
	}
}

// serviceAll runs passes until no bus is pending. Requests that arrive while
// a pass runs coalesce into a re-run; more than MaxServiceRestarts re-runs
// per wake indicates a runaway producer and is fatal.
func (b *Broker) serviceAll() error {
	for attempt := 0; ; attempt++ {
		if attempt > MaxServiceRestarts {
			return NewError("SERVICE", ErrCodeRunawayService,
				fmt.Sprintf("still pending after %d passes", attempt))
		}
		serviced := false
		for _, bs := range b.buses {
			if !bs.TakePending() {
				continue
			}
			serviced = true
			if err := b.servicer.ServiceBus(bs, false); err != nil {
				// A failed exchange is transient; the bus stays usable and
				// clients resend what they care about.
				b.logger.Error("service pass failed", "bus", bs.ID, "error", err)
			}
		}
		if !serviced {
			return nil
		}
	}
}

// brokerSink adapts the broker to the IPC server's ingress interface without
// widening the Broker API.
type brokerSink Broker

// Enqueue resolves one inbound message to its device queue.
func (s *brokerSink) Enqueue(m ipc.DeviceMessage) error {
	if int(m.BusID) >= len(s.buses) {
		return NewError("ENQUEUE", ErrCodeUnknownBus, fmt.Sprintf("bus %d", m.BusID))
	}
	bs := s.buses[m.BusID]
	d, ok := bs.Device(m.DeviceID)
	if !ok {
		return NewDeviceError("ENQUEUE", bs.ID, m.DeviceID, ErrCodeUnknownDevice, "")
	}
	d.TxQueue.Enqueue(queue.Entry{
		DedupeID:  m.DedupeID,
		ChannelID: m.ChannelID,
		Payload:   m.Payload,
	})
	bs.RequestService()
	return nil
}

// ServiceRequested signals the service loop after an inbound batch.
func (s *brokerSink) ServiceRequested() {
	(*Broker)(s).Wake()
}
