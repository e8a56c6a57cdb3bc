package nuc970

import (
	"context"
	"fmt"

	"github.com/Alia5/nucusbd/internal/log"
	"github.com/Alia5/nucusbd/usb"
)

// hardware endpoint backing each data endpoint number
var endpointFIFO = map[uint32]int{
	EPDownload: EPA,
	EPEcho:     EPB,
}

// HandleData processes a bulk transfer on a data endpoint. OUT legs read up
// to length bytes from t. The returned error is only ever a wrapped
// ErrTransportFailure.
func (c *Core) HandleData(t usb.Transport, ep uint32, dir usb.Direction, length uint32) (usb.Reply, error) {
	c.begin()
	defer c.publish()

	switch ep {
	case EPDownload:
		if dir == usb.DirOut {
			_, err := c.receiveInto(t, ep, length)
			return usb.NoReply().After(c.cfg.Turnaround), err
		}
		return c.countReply(ep, c.bulkAck()).After(c.cfg.Turnaround), nil
	case EPEcho:
		if dir == usb.DirOut {
			if _, err := c.receiveInto(t, ep, length); err != nil {
				return usb.NoReply(), err
			}
			return usb.Ack(), nil
		}
		return c.countReply(ep, c.loopback()), nil
	}
	c.logger.Debug("Transfer on unimplemented endpoint", "ep", ep, "dir", dir, "len", length)
	return usb.NoReply(), nil
}

// bulkAck is the acknowledgement code the download tool polls for after
// each chunk.
func (c *Core) bulkAck() usb.Reply {
	var code uint32
	switch {
	case c.state.Medium == MediumSPI || c.state.Medium == MediumSPIRaw:
		code = AckSPI
	case c.state.byteCount != DDRHeaderSize:
		code = uint32(c.state.byteCount)
	default:
		code = AckDDR
	}
	c.logger.Debug("Bulk ack", "medium", c.state.Medium, "ack", fmt.Sprintf("0x%08x", code))
	return usb.AckCode(code)
}

// loopback echoes the held buffer with every byte incremented, once.
func (c *Core) loopback() usb.Reply {
	held := c.state.Held()
	if len(held) == 0 {
		return usb.Ack().After(c.cfg.Turnaround)
	}
	out := make([]byte, len(held))
	for i, b := range held {
		out[i] = b + 1
	}
	c.state.release()
	return usb.Payload(out)
}

func (c *Core) receiveInto(t usb.Transport, ep uint32, length uint32) (int, error) {
	data, err := c.receive(t, int(length))
	if err != nil {
		return 0, err
	}
	c.state.store(data)
	_ = c.regs.SetEndpointDataCount(endpointFIFO[ep], c.state.byteCount)
	c.logger.Log(context.Background(), log.LevelTrace, "OUT", "ep", ep, "len", c.state.byteCount)
	return c.state.byteCount, nil
}

// receive reads at most n bytes, capped at the session buffer size.
func (c *Core) receive(t usb.Transport, n int) ([]byte, error) {
	if n > c.cfg.BufferSize {
		n = c.cfg.BufferSize
	}
	if n <= 0 {
		return nil, nil
	}
	data, err := t.ReceiveBytes(n)
	if err != nil {
		return nil, fmt.Errorf("%w: receive %d bytes: %w", ErrTransportFailure, n, err)
	}
	c.bytesIn += uint64(len(data))
	return data, nil
}

func (c *Core) countReply(ep uint32, r usb.Reply) usb.Reply {
	_ = c.regs.SetEndpointTxCount(endpointFIFO[ep], len(r.Data))
	c.bytesOut += uint64(len(r.Data))
	return r
}
