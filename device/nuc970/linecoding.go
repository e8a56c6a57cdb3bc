package nuc970

import (
	"encoding/binary"
	"fmt"

	"github.com/Alia5/nucusbd/usb"
)

// CDC-ACM class requests answered when the line coding profile is enabled.
const (
	ReqTypeClassOut = usb.RequestTypeClass | 0x01 // 0x21, interface recipient
	ReqTypeClassIn  = ReqTypeClassOut | usb.RequestDirDeviceToHost

	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// LineCodingSize is the wire size of LineCoding.
const LineCodingSize = 7

// Control line state bits.
const (
	ControlLineDTR = 1 << 0
	ControlLineRTS = 1 << 1
)

// LineCoding is the serial configuration of the CDC-ACM profile.
type LineCoding struct {
	DTERate    uint32 // baud
	CharFormat uint8  // 0=1, 1=1.5, 2=2 stop bits
	ParityType uint8  // 0=none 1=odd 2=even 3=mark 4=space
	DataBits   uint8
}

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{DTERate: 115200, DataBits: 8}

// Bytes encodes lc in its 7-byte little-endian wire form.
func (lc LineCoding) Bytes() []byte {
	b := make([]byte, LineCodingSize)
	binary.LittleEndian.PutUint32(b[0:4], lc.DTERate)
	b[4] = lc.CharFormat
	b[5] = lc.ParityType
	b[6] = lc.DataBits
	return b
}

func (lc LineCoding) String() string {
	parity := "?"
	if int(lc.ParityType) < len("NOEMS") {
		parity = string("NOEMS"[lc.ParityType])
	}
	stop := [...]string{"1", "1.5", "2"}
	s := "?"
	if int(lc.CharFormat) < len(stop) {
		s = stop[lc.CharFormat]
	}
	return fmt.Sprintf("%d %d%s%s", lc.DTERate, lc.DataBits, parity, s)
}

// ParseLineCoding decodes the 7-byte wire form.
func ParseLineCoding(b []byte) (LineCoding, error) {
	if len(b) < LineCodingSize {
		return LineCoding{}, fmt.Errorf("line coding: need %d bytes, got %d", LineCodingSize, len(b))
	}
	return LineCoding{
		DTERate:    binary.LittleEndian.Uint32(b[0:4]),
		CharFormat: b[4],
		ParityType: b[5],
		DataBits:   b[6],
	}, nil
}

func isLineCodingRequest(req usb.ControlRequest) bool {
	return req.RequestType == ReqTypeClassOut || req.RequestType == ReqTypeClassIn
}

// handleLineCoding answers the CDC-ACM class requests. handled is false for
// requests it does not know.
func (c *Core) handleLineCoding(t usb.Transport, req usb.ControlRequest) (reply usb.Reply, handled bool, err error) {
	switch req.Request {
	case RequestSetLineCoding:
		data, err := c.receive(t, int(req.Length))
		if err != nil {
			return usb.NoReply(), true, err
		}
		lc, perr := ParseLineCoding(data)
		if perr != nil {
			c.logger.Warn("Short SET_LINE_CODING", "error", perr)
			return usb.Ack(), true, nil
		}
		c.state.LineCoding = lc
		c.logger.Debug("SET_LINE_CODING", "coding", lc.String())
		return usb.Ack(), true, nil
	case RequestGetLineCoding:
		b := c.state.LineCoding.Bytes()
		if req.Length != 0 && int(req.Length) < len(b) {
			b = b[:req.Length]
		}
		return usb.Payload(b), true, nil
	case RequestSetControlLineState:
		c.state.LineState = req.Value
		c.logger.Debug("SET_CONTROL_LINE_STATE",
			"dtr", req.Value&ControlLineDTR != 0,
			"rts", req.Value&ControlLineRTS != 0)
		return usb.Ack(), true, nil
	case RequestSendBreak:
		c.logger.Debug("SEND_BREAK", "duration", req.Value)
		return usb.Ack(), true, nil
	}
	return usb.NoReply(), false, nil
}
