package spihub

import "github.com/ironpi/spihub/internal/spidev"

const (
	// DefaultSocketPath is where clients find the broker.
	DefaultSocketPath = "/tmp/socket-spi-hub"

	// DefaultConfigPath is consulted when no bus paths are given.
	DefaultConfigPath = "/etc/spi-hub.json"

	// DefaultBusGlob enumerates candidate bus device nodes when neither
	// arguments nor a config file name any.
	DefaultBusGlob = "/dev/spi*"

	// MaxServiceRestarts caps back-to-back service-loop re-runs per wake.
	// Exceeding it indicates a runaway producer and is fatal.
	MaxServiceRestarts = 10
)

// DefaultBusSpeedHz is the SPI clock rate used when a bus declares none.
const DefaultBusSpeedHz = spidev.DefaultSpeedHz
