// Package spidev drives a full-duplex SPI character device node.
package spidev

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultSpeedHz is the clock rate used when a bus declares none.
const DefaultSpeedHz = 1_000_000

// Device is an open SPI bus device node.
type Device struct {
	f     *os.File
	path  string
	speed uint32
}

// Open opens the device node and configures mode 0, 8 bits per word and the
// given clock speed.
func Open(path string, speedHz int) (*Device, error) {
	if speedHz <= 0 {
		speedHz = DefaultSpeedHz
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	d := &Device{f: f, path: path, speed: uint32(speedHz)}

	mode := uint8(0)
	if err := d.ioctl(uintptr(ctl_spi_wr_mode), unsafe.Pointer(&mode)); err != nil {
		f.Close()
		return nil, fmt.Errorf("set mode on %s: %w", path, err)
	}
	bits := uint8(8)
	if err := d.ioctl(uintptr(ctl_spi_wr_bits_per_word), unsafe.Pointer(&bits)); err != nil {
		f.Close()
		return nil, fmt.Errorf("set bits per word on %s: %w", path, err)
	}
	speed := d.speed
	if err := d.ioctl(uintptr(ctl_spi_wr_max_speed_hz), unsafe.Pointer(&speed)); err != nil {
		f.Close()
		return nil, fmt.Errorf("set speed on %s: %w", path, err)
	}
	return d, nil
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// Exchange performs one full-duplex transfer: buf is shifted out while the
// returned slice of equal length is shifted in.
func (d *Device) Exchange(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, nil
	}
	rx := make([]byte, len(buf))
	tr := spi_ioc_transfer{
		TxBuf:       uint64(uintptr(unsafe.Pointer(&buf[0]))),
		RxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		Len:         uint32(len(buf)),
		SpeedHz:     d.speed,
		BitsPerWord: 8,
	}
	err := d.ioctl(spiIocMessage(1), unsafe.Pointer(&tr))
	runtime.KeepAlive(buf)
	runtime.KeepAlive(rx)
	if err != nil {
		return nil, fmt.Errorf("transfer on %s: %w", d.path, err)
	}
	return rx, nil
}

// Close releases the device node.
func (d *Device) Close() error {
	return d.f.Close()
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
