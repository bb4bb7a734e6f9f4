package spihub

import (
	"time"

	"github.com/ironpi/spihub/internal/bus"
)

// Testing and simulation helpers. These keep hardware out of the loop so the
// broker can be exercised on any host.

// StubIdentity returns an IdentityFunc producing a fixed identity.
func StubIdentity(serial, accessCode string) IdentityFunc {
	return func() (Identity, error) {
		return Identity{SerialNumber: serial, AccessCode: accessCode}, nil
	}
}

// StubTransceiver returns a TransceiverFunc handing out a pre-built
// transceiver, letting tests keep a handle on the simulated chain behind a
// bus.
func StubTransceiver(xcvr bus.Transceiver) TransceiverFunc {
	return func(BusConfig) (bus.Transceiver, error) {
		return xcvr, nil
	}
}

// SimulatedOptions returns broker options wired for an in-process simulated
// chain on one bus, with a fast service gap suitable for tests.
func SimulatedOptions(socketPath string) Options {
	return Options{
		Buses:      []BusConfig{{Path: "sim0"}},
		SocketPath: socketPath,
		Simulate:   true,
		Identity:   StubIdentity("SIM-00000", "simulated"),
		Gap:        100 * time.Microsecond,
	}
}
