// Package eeprom reads the board identity record from the on-board I²C
// EEPROM.
//
// The identity record sits at offset 0: bytes 0..31 hold the NUL-padded
// ASCII serial number, bytes 32..95 the NUL-padded access code.
package eeprom

import (
	"bytes"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddr is the EEPROM's I²C slave address.
const DefaultAddr = 0x50

const (
	recordLen = 96
	serialLen = 32
)

// Identity is the board identity embedded in the device-list frame.
type Identity struct {
	SerialNumber string
	AccessCode   string
}

var hostOnce sync.Once

func hostInit() error {
	var err error
	hostOnce.Do(func() {
		_, err = host.Init()
	})
	return err
}

// ReadIdentity opens the first available I²C bus and reads the identity
// record from the EEPROM at DefaultAddr.
func ReadIdentity() (Identity, error) {
	if err := hostInit(); err != nil {
		return Identity{}, fmt.Errorf("i2c host init: %w", err)
	}
	b, err := i2creg.Open("")
	if err != nil {
		return Identity{}, fmt.Errorf("open i2c bus: %w", err)
	}
	defer b.Close()

	dev := &i2c.Dev{Bus: b, Addr: DefaultAddr}
	buf := make([]byte, recordLen)
	// Random read: write the two-byte record offset, then read it back.
	if err := dev.Tx([]byte{0, 0}, buf); err != nil {
		return Identity{}, fmt.Errorf("read identity record: %w", err)
	}
	return parseIdentity(buf)
}

func parseIdentity(buf []byte) (Identity, error) {
	if len(buf) < recordLen {
		return Identity{}, fmt.Errorf("identity record short: %d bytes", len(buf))
	}
	id := Identity{
		SerialNumber: trimField(buf[:serialLen]),
		AccessCode:   trimField(buf[serialLen:recordLen]),
	}
	if id.SerialNumber == "" {
		return Identity{}, fmt.Errorf("identity record has empty serial number")
	}
	if id.AccessCode == "" {
		return Identity{}, fmt.Errorf("identity record has empty access code")
	}
	return id, nil
}

// trimField cuts a NUL-padded field at the first NUL. A field of all 0xFF is
// an unprogrammed EEPROM and reads as empty.
func trimField(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	b = bytes.TrimRight(b, "\xff")
	return string(b)
}
