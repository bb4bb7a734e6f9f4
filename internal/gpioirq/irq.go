// Package gpioirq watches a GPIO pin for the chain's "message waiting"
// interrupt and turns edges into service-wake callbacks.
package gpioirq

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var hostOnce sync.Once

func hostInit() error {
	var err error
	hostOnce.Do(func() {
		_, err = host.Init()
	})
	return err
}

// edgeWait bounds each WaitForEdge call so the watcher can notice Stop.
const edgeWait = 100 * time.Millisecond

// Watch configures pinName for edge detection and invokes fn on every edge.
// The interrupt is rising-edge unless activeLow, then falling. fn must be
// short; it runs on the watcher goroutine.
//
// The returned stop function halts edge detection and ends the goroutine.
func Watch(pinName string, activeLow bool, fn func()) (func(), error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("gpio host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("gpio pin %q not found", pinName)
	}
	edge := gpio.RisingEdge
	if activeLow {
		edge = gpio.FallingEdge
	}
	if err := pin.In(gpio.PullNoChange, edge); err != nil {
		return nil, fmt.Errorf("configure %s for %v: %w", pinName, edge, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
			}
			if pin.WaitForEdge(edgeWait) {
				fn()
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			pin.Halt()
		})
	}
	return stop, nil
}
