// Package wire implements the SPI frame layout shared by the broker and the
// microcontroller chain.
//
// Two asymmetric frames share one full-duplex buffer: the host shifts a
// request out while the device's previously-staged response is shifted in on
// the same clocks. The buffer is sized max(txRequired, rxRequired) and
// zero-padded.
package wire

import (
	"encoding/binary"
)

// Request commands (host to device).
const (
	CmdNone        uint8 = 0
	CmdMsgToDevice uint8 = 1
)

// Response commands (device to host).
const (
	CmdMsgFromDevice uint8 = 2
)

// Request frame layout, starting at byte 0.
const (
	reqOffTarget     = 0
	reqOffNext       = 1
	reqOffCmd        = 2
	reqOffChannel    = 3
	reqOffPayloadLen = 4
	RequestHeaderLen = 6
)

// Response frame layout. Byte 0 is a bus-turnaround slot and carries nothing.
const (
	respOffDevice     = 1
	respOffQueueCount = 2
	respOffNextMsgLen = 3
	respOffCmd        = 5
	respOffChannel    = 6
	respOffPayloadLen = 7
	ResponseHeaderLen = 9
)

// DecodeError is a cheap string-typed codec error.
type DecodeError string

func (e DecodeError) Error() string {
	return string(e)
}

const (
	// ErrMsgTooShort reports a buffer shorter than the response header.
	ErrMsgTooShort DecodeError = "message too short"
	// ErrMessageTruncated reports a declared payload length that exceeds the
	// bytes available after the header.
	ErrMessageTruncated DecodeError = "message truncated"
)

// Request is a host-to-device frame. TargetID 0 addresses no device; the
// frame then only names the next responder.
type Request struct {
	TargetID  uint8
	NextID    uint8
	Cmd       uint8
	ChannelID uint8
	Payload   []byte
}

// Response is a device-to-host frame as staged during the previous
// transaction on the bus.
type Response struct {
	DeviceID   uint8
	QueueCount uint8
	NextMsgLen uint16
	Cmd        uint8
	ChannelID  uint8
	Payload    []byte
}

// BufLen returns the shared-buffer length for a request with the given
// payload size and expected response payload length. A zero expectation means
// no response is read back.
func BufLen(payloadLen int, expectedRespLen uint16) int {
	txRequired := RequestHeaderLen + payloadLen
	rxRequired := 0
	if expectedRespLen > 0 {
		rxRequired = ResponseHeaderLen + int(expectedRespLen)
	}
	if rxRequired > txRequired {
		return rxRequired
	}
	return txRequired
}

// EncodeRequest writes req into a fresh zero-padded buffer sized for both the
// request and an expected response of expectedRespLen payload bytes.
func EncodeRequest(req Request, expectedRespLen uint16) []byte {
	buf := make([]byte, BufLen(len(req.Payload), expectedRespLen))
	buf[reqOffTarget] = req.TargetID
	buf[reqOffNext] = req.NextID
	buf[reqOffCmd] = req.Cmd
	buf[reqOffChannel] = req.ChannelID
	binary.LittleEndian.PutUint16(buf[reqOffPayloadLen:], uint16(len(req.Payload)))
	copy(buf[RequestHeaderLen:], req.Payload)
	return buf
}

// DecodeRequest reads a request frame back out of a buffer. Used by the
// simulated chain and by round-trip tests.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) < RequestHeaderLen {
		return Request{}, ErrMsgTooShort
	}
	payloadLen := int(binary.LittleEndian.Uint16(buf[reqOffPayloadLen:]))
	if RequestHeaderLen+payloadLen > len(buf) {
		return Request{}, ErrMessageTruncated
	}
	req := Request{
		TargetID:  buf[reqOffTarget],
		NextID:    buf[reqOffNext],
		Cmd:       buf[reqOffCmd],
		ChannelID: buf[reqOffChannel],
	}
	if payloadLen > 0 {
		req.Payload = make([]byte, payloadLen)
		copy(req.Payload, buf[RequestHeaderLen:RequestHeaderLen+payloadLen])
	}
	return req, nil
}

// DecodeResponse interprets the receive side of an exchanged buffer.
func DecodeResponse(buf []byte) (Response, error) {
	if len(buf) < ResponseHeaderLen {
		return Response{}, ErrMsgTooShort
	}
	payloadLen := int(binary.LittleEndian.Uint16(buf[respOffPayloadLen:]))
	if ResponseHeaderLen+payloadLen > len(buf) {
		return Response{}, ErrMessageTruncated
	}
	resp := Response{
		DeviceID:   buf[respOffDevice],
		QueueCount: buf[respOffQueueCount],
		NextMsgLen: binary.LittleEndian.Uint16(buf[respOffNextMsgLen:]),
		Cmd:        buf[respOffCmd],
		ChannelID:  buf[respOffChannel],
	}
	if payloadLen > 0 {
		resp.Payload = make([]byte, payloadLen)
		copy(resp.Payload, buf[ResponseHeaderLen:ResponseHeaderLen+payloadLen])
	}
	return resp, nil
}

// EncodeResponse writes a response frame into buf starting at the turnaround
// slot. Used by the simulated chain; the hardware stages these on its own.
func EncodeResponse(buf []byte, resp Response) int {
	need := ResponseHeaderLen + len(resp.Payload)
	if len(buf) < need {
		return 0
	}
	buf[0] = 0
	buf[respOffDevice] = resp.DeviceID
	buf[respOffQueueCount] = resp.QueueCount
	binary.LittleEndian.PutUint16(buf[respOffNextMsgLen:], resp.NextMsgLen)
	buf[respOffCmd] = resp.Cmd
	buf[respOffChannel] = resp.ChannelID
	binary.LittleEndian.PutUint16(buf[respOffPayloadLen:], uint16(len(resp.Payload)))
	copy(buf[ResponseHeaderLen:], resp.Payload)
	return need
}
