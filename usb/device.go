package usb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Direction of a data stage, numerically identical to USB/IP's direction field.
type Direction uint32

const (
	DirOut Direction = 0 // host to device
	DirIn  Direction = 1 // device to host
)

func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// bmRequestType bits.
const (
	RequestDirDeviceToHost = 0x80
	RequestTypeMask        = 0x60
	RequestTypeStandard    = 0x00
	RequestTypeClass       = 0x20
	RequestTypeVendor      = 0x40
)

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

var ErrSetupTooShort = errors.New("setup packet too short")

// ControlRequest is a decoded SETUP packet.
type ControlRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes the 8 little-endian SETUP bytes of a control URB.
func ParseSetup(setup []byte) (ControlRequest, error) {
	if len(setup) < SetupPacketSize {
		return ControlRequest{}, fmt.Errorf("%w: %d bytes", ErrSetupTooShort, len(setup))
	}
	return ControlRequest{
		RequestType: setup[0],
		Request:     setup[1],
		Value:       binary.LittleEndian.Uint16(setup[2:4]),
		Index:       binary.LittleEndian.Uint16(setup[4:6]),
		Length:      binary.LittleEndian.Uint16(setup[6:8]),
	}, nil
}

// Bytes re-encodes the request as a SETUP packet.
func (r ControlRequest) Bytes() [SetupPacketSize]byte {
	var b [SetupPacketSize]byte
	b[0] = r.RequestType
	b[1] = r.Request
	binary.LittleEndian.PutUint16(b[2:4], r.Value)
	binary.LittleEndian.PutUint16(b[4:6], r.Index)
	binary.LittleEndian.PutUint16(b[6:8], r.Length)
	return b
}

// Type returns the request type bits (standard, class or vendor).
func (r ControlRequest) Type() uint8 { return r.RequestType & RequestTypeMask }

// DeviceToHost reports whether the data stage flows to the host.
func (r ControlRequest) DeviceToHost() bool { return r.RequestType&RequestDirDeviceToHost != 0 }

func (r ControlRequest) String() string {
	return fmt.Sprintf("bmRequestType=0x%02x bRequest=0x%02x wValue=0x%04x wIndex=0x%04x wLength=%d",
		r.RequestType, r.Request, r.Value, r.Index, r.Length)
}

// ReplyKind says whether, and with what, a request is answered.
type ReplyKind uint8

const (
	// ReplyNone sends nothing back; the request is silently dropped.
	ReplyNone ReplyKind = iota
	// ReplyEmpty is a zero-length acknowledgement.
	ReplyEmpty
	// ReplyData carries a payload.
	ReplyData
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyNone:
		return "none"
	case ReplyEmpty:
		return "empty"
	case ReplyData:
		return "data"
	default:
		return "unknown"
	}
}

// Reply is what a device produces for one request.
type Reply struct {
	Kind ReplyKind
	Data []byte
	// Turnaround is slept after the reply is sent, or after the request is
	// dropped for ReplyNone.
	Turnaround time.Duration
}

// NoReply drops the request.
func NoReply() Reply { return Reply{Kind: ReplyNone} }

// Ack is a zero-length acknowledgement.
func Ack() Reply { return Reply{Kind: ReplyEmpty} }

// AckCode is a 4-byte little-endian acknowledgement code.
func AckCode(code uint32) Reply {
	return Reply{Kind: ReplyData, Data: binary.LittleEndian.AppendUint32(nil, code)}
}

// Payload replies with data. An empty payload is an Ack.
func Payload(data []byte) Reply {
	if len(data) == 0 {
		return Ack()
	}
	return Reply{Kind: ReplyData, Data: data}
}

// After returns a copy of r that asks the transport to pause for d after
// sending it.
func (r Reply) After(d time.Duration) Reply {
	r.Turnaround = d
	return r
}

// Transport is the data channel of one attached session.
type Transport interface {
	// ReceiveBytes blocks until up to limit bytes of the current OUT data
	// stage are available and returns them.
	ReceiveBytes(limit int) ([]byte, error)
	// SendReply answers the current request. Replies of kind ReplyNone
	// must not be passed in.
	SendReply(r Reply) error
}

// Session processes the requests of one attached host. Implementations are
// used from a single goroutine.
type Session interface {
	HandleControl(t Transport, req ControlRequest) (Reply, error)
	HandleData(t Transport, ep uint32, dir Direction, length uint32) (Reply, error)
}

// Device is an exportable emulated device. Every attach gets a fresh Session.
type Device interface {
	GetDescriptor() *Descriptor
	NewSession(id string) Session
}
