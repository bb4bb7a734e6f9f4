// Package ipc implements the broker's local-socket protocol: the version-2
// binary frame formats and the stream server that carries them.
//
// Every frame starts with {version, command}. Inbound frames batch messages
// to devices; outbound frames carry one device-originated message each, plus
// the JSON device-list bootstrap pushed on connect.
package ipc

import (
	"encoding/binary"
	"encoding/json"

	"github.com/ironpi/spihub/internal/bus"
)

// ProtocolVersion is the only wire version this broker speaks.
const ProtocolVersion uint8 = 2

// Frame commands.
const (
	CmdMessagesToDevices uint8 = 1
	CmdMessageFromDevice uint8 = 2
	CmdDevicesList       uint8 = 100
)

// MsgPreamble guards every sub-record of an inbound batch.
const MsgPreamble byte = 0xA3

const (
	frameHeaderLen = 2
	subRecordLen   = 8 // preamble, bus, device, channel, dedupe u16, payload len u16
)

// DecodeError is a cheap string-typed codec error.
type DecodeError string

func (e DecodeError) Error() string {
	return string(e)
}

const (
	ErrFrameTooShort  DecodeError = "frame too short"
	ErrBadVersion     DecodeError = "unsupported protocol version"
	ErrBadCommand     DecodeError = "unexpected command"
	ErrBadPreamble    DecodeError = "sub-record preamble mismatch"
	ErrTruncatedFrame DecodeError = "frame truncated"
)

// DeviceMessage is one application message routed to a device.
type DeviceMessage struct {
	BusID     uint8
	DeviceID  uint8
	ChannelID uint8
	DedupeID  uint16
	Payload   []byte
}

// DecodeMessagesToDevices parses an inbound command-1 frame. On a malformed
// sub-record it returns the sub-records decoded so far together with the
// error; the caller keeps what already parsed and drops the rest.
func DecodeMessagesToDevices(frame []byte) ([]DeviceMessage, error) {
	if len(frame) < frameHeaderLen {
		return nil, ErrFrameTooShort
	}
	if frame[0] != ProtocolVersion {
		return nil, ErrBadVersion
	}
	if frame[1] != CmdMessagesToDevices {
		return nil, ErrBadCommand
	}
	if len(frame) < frameHeaderLen+2 {
		return nil, ErrFrameTooShort
	}

	count := int(binary.LittleEndian.Uint16(frame[frameHeaderLen:]))
	off := frameHeaderLen + 2

	msgs := make([]DeviceMessage, 0, count)
	for i := 0; i < count; i++ {
		if off+subRecordLen > len(frame) {
			return msgs, ErrTruncatedFrame
		}
		if frame[off] != MsgPreamble {
			return msgs, ErrBadPreamble
		}
		m := DeviceMessage{
			BusID:     frame[off+1],
			DeviceID:  frame[off+2],
			ChannelID: frame[off+3],
			DedupeID:  binary.LittleEndian.Uint16(frame[off+4:]),
		}
		payloadLen := int(binary.LittleEndian.Uint16(frame[off+6:]))
		off += subRecordLen
		if off+payloadLen > len(frame) {
			return msgs, ErrTruncatedFrame
		}
		if payloadLen > 0 {
			m.Payload = make([]byte, payloadLen)
			copy(m.Payload, frame[off:off+payloadLen])
			off += payloadLen
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// EncodeMessagesToDevices builds an inbound command-1 frame. Clients and
// tests use it; the broker only decodes this direction.
func EncodeMessagesToDevices(msgs []DeviceMessage) []byte {
	size := frameHeaderLen + 2
	for _, m := range msgs {
		size += subRecordLen + len(m.Payload)
	}
	frame := make([]byte, 0, size)
	frame = append(frame, ProtocolVersion, CmdMessagesToDevices)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(msgs)))
	for _, m := range msgs {
		frame = append(frame, MsgPreamble, m.BusID, m.DeviceID, m.ChannelID)
		frame = binary.LittleEndian.AppendUint16(frame, m.DedupeID)
		frame = binary.LittleEndian.AppendUint16(frame, uint16(len(m.Payload)))
		frame = append(frame, m.Payload...)
	}
	return frame
}

// EncodeMessageFromDevice builds an outbound command-2 frame. The dedupe
// field is unused in this direction and written as zero; the payload runs to
// the end of the frame.
func EncodeMessageFromDevice(busID, deviceID, channelID uint8, payload []byte) []byte {
	frame := make([]byte, 0, frameHeaderLen+5+len(payload))
	frame = append(frame, ProtocolVersion, CmdMessageFromDevice, busID, deviceID, channelID, 0, 0)
	frame = append(frame, payload...)
	return frame
}

// DecodeMessageFromDevice parses an outbound command-2 frame. Client-side
// helper, also used by tests.
func DecodeMessageFromDevice(frame []byte) (DeviceMessage, error) {
	if len(frame) < frameHeaderLen+5 {
		return DeviceMessage{}, ErrFrameTooShort
	}
	if frame[0] != ProtocolVersion {
		return DeviceMessage{}, ErrBadVersion
	}
	if frame[1] != CmdMessageFromDevice {
		return DeviceMessage{}, ErrBadCommand
	}
	m := DeviceMessage{
		BusID:     frame[2],
		DeviceID:  frame[3],
		ChannelID: frame[4],
	}
	if len(frame) > frameHeaderLen+5 {
		m.Payload = append([]byte(nil), frame[frameHeaderLen+5:]...)
	}
	return m, nil
}

// DeviceEntry is one row of the device-list bootstrap document.
type DeviceEntry struct {
	BusID      int            `json:"busId"`
	DeviceID   uint8          `json:"deviceId"`
	DeviceInfo bus.DeviceInfo `json:"deviceInfo"`
}

// DevicesList is the JSON document carried by a command-100 frame.
type DevicesList struct {
	Devices      []DeviceEntry `json:"devices"`
	SerialNumber string        `json:"serialNumber"`
	AccessCode   string        `json:"accessCode"`
}

// EncodeDevicesList builds the command-100 bootstrap frame.
func EncodeDevicesList(list DevicesList) ([]byte, error) {
	doc, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, frameHeaderLen+len(doc))
	frame = append(frame, ProtocolVersion, CmdDevicesList)
	frame = append(frame, doc...)
	return frame, nil
}

// DecodeDevicesList parses a command-100 frame.
func DecodeDevicesList(frame []byte) (DevicesList, error) {
	var list DevicesList
	if len(frame) < frameHeaderLen {
		return list, ErrFrameTooShort
	}
	if frame[0] != ProtocolVersion {
		return list, ErrBadVersion
	}
	if frame[1] != CmdDevicesList {
		return list, ErrBadCommand
	}
	if err := json.Unmarshal(frame[frameHeaderLen:], &list); err != nil {
		return list, err
	}
	return list, nil
}
