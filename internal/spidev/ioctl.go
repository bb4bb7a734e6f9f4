package spidev

// From /usr/include/linux/spi/spidev.h

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

var (
	ctl_spi_wr_mode          = ioctl.IOW('k', 1, unsafe.Sizeof(uint8(0)))
	ctl_spi_wr_bits_per_word = ioctl.IOW('k', 3, unsafe.Sizeof(uint8(0)))
	ctl_spi_wr_max_speed_hz  = ioctl.IOW('k', 4, unsafe.Sizeof(uint32(0)))
)

// spi_ioc_transfer describes one segment of a full-duplex SPI message.
type spi_ioc_transfer struct {
	TxBuf         uint64
	RxBuf         uint64
	Len           uint32
	SpeedHz       uint32
	DelayUsecs    uint16
	BitsPerWord   uint8
	CSChange      uint8
	TxNBits       uint8
	RxNBits       uint8
	WordDelayUsec uint8
	Pad           uint8
}

// spiIocMessage builds SPI_IOC_MESSAGE(n): the size field carries the total
// transfer-array size, as the kernel's SPI_MSGSIZE macro does.
func spiIocMessage(n int) uintptr {
	return uintptr(ioctl.IOW('k', 0, uintptr(n)*unsafe.Sizeof(spi_ioc_transfer{})))
}
