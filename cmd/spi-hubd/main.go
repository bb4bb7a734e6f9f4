// Command spi-hubd runs the SPI hub broker.
//
// Usage: spi-hubd [flags] [bus_path ...]
//
// With no positional arguments the broker reads /etc/spi-hub.json if present,
// otherwise it takes the first device node matching /dev/spi*.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/ironpi/spihub"
	"github.com/ironpi/spihub/internal/logging"
)

func main() {
	var (
		socketPath = flag.String("socket", spihub.DefaultSocketPath, "Path of the client socket")
		configPath = flag.String("config", spihub.DefaultConfigPath, "Path of the bus configuration file")
		logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		simulate   = flag.Bool("simulate", false, "Run against an in-process simulated chain")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.ParseLevel(*logLevel)
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if err := run(*socketPath, *configPath, *simulate, flag.Args(), logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(socketPath, configPath string, simulate bool, args []string, logger *logging.Logger) error {
	// One broker per host: the bus has a single owner. The lock file sits
	// beside the socket so a second instance fails fast instead of stealing
	// the socket from a live broker.
	lock := flock.New(socketPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("another broker instance holds %s", lock.Path())
	}
	defer lock.Unlock()

	options := spihub.Options{
		SocketPath: socketPath,
		Simulate:   simulate,
		Logger:     logger,
	}
	if !simulate {
		buses, err := spihub.ResolveBuses(args, configPath)
		if err != nil {
			return err
		}
		options.Buses = buses
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker := spihub.New(options)
	if err := broker.Run(ctx); err != nil {
		return err
	}
	logger.Info("broker stopped")
	return nil
}
