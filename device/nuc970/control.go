package nuc970

import (
	"fmt"

	"github.com/Alia5/nucusbd/usb"
)

// HandleControl processes an EP0 request the standard request table did not
// answer. Every request is latched into the SETUP registers first.
//
// The returned error is only ever a wrapped ErrTransportFailure.
func (c *Core) HandleControl(t usb.Transport, req usb.ControlRequest) (usb.Reply, error) {
	c.begin()
	defer c.publish()

	c.regs.LatchSetup(req)

	switch {
	case req.RequestType == ReqTypeVendorOut:
		return c.handleVendorOut(req), nil
	case req.RequestType == ReqTypeVendorIn:
		return c.handleVendorIn(req), nil
	case c.cfg.LineCoding && isLineCodingRequest(req):
		reply, handled, err := c.handleLineCoding(t, req)
		if handled || err != nil {
			return reply, err
		}
	}

	c.logger.Debug("Unhandled control request",
		"error", fmt.Errorf("%w: %s", ErrUnrecognizedRequest, req))
	return usb.NoReply(), nil
}

func (c *Core) handleVendorOut(req usb.ControlRequest) usb.Reply {
	defer c.regs.SetCEPIntStatus(CEPIntSetupHandled)

	switch req.Request {
	case VendorSetParameter:
		c.setParameter(req)
		return usb.Ack()
	case VendorSetBurnType:
		return c.setBurnType(req)
	}
	c.logger.Debug("Dropping vendor request",
		"error", fmt.Errorf("%w: code 0x%02x", ErrUnrecognizedRequest, req.Request))
	return usb.NoReply()
}

func (c *Core) setParameter(req usb.ControlRequest) {
	switch req.Value {
	case ParamBulkOutSize:
		c.state.BulkOutSize = uint32(req.Index)
		c.regs.ClearCEPNak()
		c.logger.Debug("Bulk out transfer size", "size", c.state.BulkOutSize)
	case ParamResetDMA:
		c.regs.ResetDMA()
		// EPA and EPB always exist; the error is unreachable.
		_ = c.regs.FlushEndpoint(EPA)
		_ = c.regs.FlushEndpoint(EPB)
		c.regs.ClearCEPNak()
		c.logger.Debug("DMA reset")
	default:
		c.logger.Debug("Unknown parameter", "value", fmt.Sprintf("0x%02x", req.Value))
	}
}

func (c *Core) setBurnType(req usb.ControlRequest) usb.Reply {
	m, ok := MediumForBurnType(req.Value)
	c.regs.ClearCEPNak()
	if !ok {
		c.logger.Warn("Unknown burn type", "value", fmt.Sprintf("0x%02x", req.Value), "medium", c.state.Medium)
		if c.cfg.StrictBurnType {
			return usb.NoReply()
		}
		return usb.Ack()
	}
	c.state.Medium = m
	c.logger.Info("Burn type selected", "medium", m)
	return usb.Ack()
}

func (c *Core) handleVendorIn(req usb.ControlRequest) usb.Reply {
	c.regs.SetCEPIntStatus(CEPIntSetupStatusIn)
	c.regs.SetCEPIntEnable(CEPIntSetupStatusIn)
	reply := usb.AckCode(uint32(req.Value))
	c.bytesOut += uint64(len(reply.Data))
	return reply
}
