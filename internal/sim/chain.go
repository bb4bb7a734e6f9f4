// Package sim provides an in-process simulation of a device chain. It
// implements the transceiver contract with protocol-accurate one-transaction
// lookahead, so the broker and its tests run on hosts without the hardware.
package sim

import (
	"sync"

	"github.com/ironpi/spihub/internal/wire"
)

// OutboundMsg is a device-originated message a simulated device will deliver
// when polled.
type OutboundMsg struct {
	ChannelID uint8
	Payload   []byte
}

type simDevice struct {
	id        uint8
	respondID uint8 // id written into responses; normally == id
	outbound  []OutboundMsg
	received  []wire.Request
}

// nextResponse builds the frame this device would stage when named as the
// next responder.
func (d *simDevice) nextResponse() wire.Response {
	resp := wire.Response{
		DeviceID:   d.respondID,
		QueueCount: uint8(len(d.outbound)),
		NextMsgLen: wireDefaultLen,
	}
	if len(d.outbound) > 0 {
		m := d.outbound[0]
		d.outbound = d.outbound[1:]
		resp.Cmd = wire.CmdMsgFromDevice
		resp.ChannelID = m.ChannelID
		resp.Payload = m.Payload
		resp.QueueCount = uint8(len(d.outbound))
	}
	if len(d.outbound) > 0 {
		resp.NextMsgLen = uint16(len(d.outbound[0].Payload))
	}
	return resp
}

const wireDefaultLen = 40

// Chain simulates the daisy-chain on one bus.
type Chain struct {
	mu      sync.Mutex
	devices map[uint8]*simDevice

	// staged holds the encoded response primed by the previous transaction,
	// nil when no device is primed.
	staged []byte

	log []wire.Request
}

// NewChain creates a simulated chain with the given device ids present.
func NewChain(ids ...uint8) *Chain {
	c := &Chain{devices: make(map[uint8]*simDevice, len(ids))}
	for _, id := range ids {
		c.devices[id] = &simDevice{id: id, respondID: id}
	}
	return c
}

// Exchange implements the transceiver contract: the request in buf goes on
// the simulated wire while the response staged by the previous transaction is
// shifted back, then the device named as next primes its own response.
func (c *Chain) Exchange(buf []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rx := make([]byte, len(buf))
	copy(rx, c.staged)

	req, err := wire.DecodeRequest(buf)
	if err != nil {
		// Garbage on the wire still clocks bits through; nothing primes.
		c.staged = nil
		return rx, nil
	}
	c.log = append(c.log, req)

	if d, ok := c.devices[req.TargetID]; ok && req.Cmd == wire.CmdMsgToDevice {
		d.received = append(d.received, req)
	}

	if d, ok := c.devices[req.NextID]; ok {
		resp := d.nextResponse()
		staged := make([]byte, wire.ResponseHeaderLen+len(resp.Payload))
		wire.EncodeResponse(staged, resp)
		c.staged = staged
	} else {
		c.staged = nil
	}
	return rx, nil
}

// Close implements the transceiver contract.
func (c *Chain) Close() error {
	return nil
}

// QueueFromDevice queues a device-originated message for delivery on the
// device's next staged response.
func (c *Chain) QueueFromDevice(id uint8, channelID uint8, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[id]; ok {
		d.outbound = append(d.outbound, OutboundMsg{ChannelID: channelID, Payload: payload})
	}
}

// Received returns the message-to-device requests a simulated device has
// accepted, in arrival order.
func (c *Chain) Received(id uint8) []wire.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[id]; ok {
		out := make([]wire.Request, len(d.received))
		copy(out, d.received)
		return out
	}
	return nil
}

// SetResponderID makes a device stamp its responses with a different id, for
// exercising the broker's mismatch handling.
func (c *Chain) SetResponderID(id, respondID uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[id]; ok {
		d.respondID = respondID
	}
}

// Transactions returns every request observed on the simulated wire.
func (c *Chain) Transactions() []wire.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Request, len(c.log))
	copy(out, c.log)
	return out
}

// Reset clears the transaction log. Device state is untouched.
func (c *Chain) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}
