// Package usbip encodes and decodes the USB/IP wire protocol.
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire constants (network byte order / big-endian)
const (
	Version = 0x0111

	// Management commands
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// Frame sizes.
const (
	MgmtHeaderSize   = 8
	URBHeaderSize    = 0x30
	BusIDSize        = 32
	PathSize         = 256
	DeviceRecordSize = 312
	SetupOffset      = 0x28
)

// StatusConnReset is -ECONNRESET, the status of an unlinked URB.
const StatusConnReset = -104

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, h)
}

// DecodeMgmtHeader decodes the first 8 bytes of a management frame.
func DecodeMgmtHeader(b []byte) MgmtHeader {
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(b[0:2]),
		Command: binary.BigEndian.Uint16(b[2:4]),
		Status:  binary.BigEndian.Uint32(b[4:8]),
	}
}

// IsMgmt reports whether the header opens a management exchange.
func (h MgmtHeader) IsMgmt() bool {
	return h.Version == Version && (h.Command == OpReqDevlist || h.Command == OpReqImport ||
		h.Command == OpRepDevlist || h.Command == OpRepImport)
}

// DevListReplyHeader follows the MgmtHeader of OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	return binary.Write(w, binary.BigEndian, d)
}

// ExportMeta carries USB-IP bus identity for an emulated device.
type ExportMeta struct {
	Path     [PathSize]byte
	USBBusId [BusIDSize]byte
	BusId    uint32
	DevId    uint32
}

// BusIDString returns the NUL-trimmed busid, e.g. "1-1".
func (m *ExportMeta) BusIDString() string { return cString(m.USBBusId[:]) }

// PathString returns the NUL-trimmed sysfs path.
func (m *ExportMeta) PathString() string { return cString(m.Path[:]) }

// ExportedDevice describes one exported device in devlist/import replies.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// record is the fixed 312-byte part of a device entry.
type record struct {
	ExportMeta
	Speed               uint32
	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

func (d *ExportedDevice) record() record {
	return record{
		ExportMeta:          d.ExportMeta,
		Speed:               d.Speed,
		IDVendor:            d.IDVendor,
		IDProduct:           d.IDProduct,
		BcdDevice:           d.BcdDevice,
		BDeviceClass:        d.BDeviceClass,
		BDeviceSubClass:     d.BDeviceSubClass,
		BDeviceProtocol:     d.BDeviceProtocol,
		BConfigurationValue: d.BConfigurationValue,
		BNumConfigurations:  d.BNumConfigurations,
		BNumInterfaces:      d.BNumInterfaces,
	}
}

// WriteDevlist writes the device entry for OP_REP_DEVLIST (includes interface triplets).
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.WriteImport(w); err != nil {
		return err
	}
	for _, iface := range d.Interfaces {
		if _, err := w.Write([]byte{iface.Class, iface.SubClass, iface.Protocol, 0}); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry for OP_REP_IMPORT (ends at bNumInterfaces).
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	rec := d.record()
	return binary.Write(w, binary.BigEndian, &rec)
}

// ReadExportedDevice reads one device entry. Devlist entries carry
// interface triplets, import replies do not.
func ReadExportedDevice(r io.Reader, withInterfaces bool) (ExportedDevice, error) {
	var rec record
	if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
		return ExportedDevice{}, err
	}
	d := ExportedDevice{
		ExportMeta:          rec.ExportMeta,
		Speed:               rec.Speed,
		IDVendor:            rec.IDVendor,
		IDProduct:           rec.IDProduct,
		BcdDevice:           rec.BcdDevice,
		BDeviceClass:        rec.BDeviceClass,
		BDeviceSubClass:     rec.BDeviceSubClass,
		BDeviceProtocol:     rec.BDeviceProtocol,
		BConfigurationValue: rec.BConfigurationValue,
		BNumConfigurations:  rec.BNumConfigurations,
		BNumInterfaces:      rec.BNumInterfaces,
	}
	if !withInterfaces {
		return d, nil
	}
	buf := make([]byte, 4*int(rec.BNumInterfaces))
	if _, err := io.ReadFull(r, buf); err != nil {
		return d, err
	}
	for i := 0; i < len(buf); i += 4 {
		d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: buf[i], SubClass: buf[i+1], Protocol: buf[i+2]})
	}
	return d, nil
}

// HeaderBasic is common to all URB cmds and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

// CmdSubmit header (before payload) length is 0x30.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

func (c *CmdSubmit) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, c) }

// RetSubmit header (before payload) length is 0x30.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
	Padding         [8]byte
}

func (r *RetSubmit) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, r) }

type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
	Padding      [24]byte
}

func (c *CmdUnlink) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, c) }

type RetUnlink struct {
	Basic   HeaderBasic
	Status  int32
	Padding [24]byte
}

func (r *RetUnlink) Write(w io.Writer) error { return binary.Write(w, binary.BigEndian, r) }

// URBHeader is a raw 48-byte URB header as read off the wire.
type URBHeader [URBHeaderSize]byte

// ReadURBHeader reads one URB header.
func ReadURBHeader(r io.Reader) (URBHeader, error) {
	var h URBHeader
	_, err := io.ReadFull(r, h[:])
	return h, err
}

// Basic decodes the common 20-byte prefix.
func (h *URBHeader) Basic() HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(h[0:4]),
		Seqnum:  binary.BigEndian.Uint32(h[4:8]),
		Devid:   binary.BigEndian.Uint32(h[8:12]),
		Dir:     binary.BigEndian.Uint32(h[12:16]),
		Ep:      binary.BigEndian.Uint32(h[16:20]),
	}
}

// Submit decodes the header as CMD_SUBMIT.
func (h *URBHeader) Submit() (CmdSubmit, error) {
	var c CmdSubmit
	return c, h.decode(CmdSubmitCode, &c)
}

// RetSubmit decodes the header as RET_SUBMIT.
func (h *URBHeader) RetSubmit() (RetSubmit, error) {
	var r RetSubmit
	return r, h.decode(RetSubmitCode, &r)
}

// Unlink decodes the header as CMD_UNLINK.
func (h *URBHeader) Unlink() (CmdUnlink, error) {
	var c CmdUnlink
	return c, h.decode(CmdUnlinkCode, &c)
}

// RetUnlink decodes the header as RET_UNLINK.
func (h *URBHeader) RetUnlink() (RetUnlink, error) {
	var r RetUnlink
	return r, h.decode(RetUnlinkCode, &r)
}

func (h *URBHeader) decode(want uint32, v any) error {
	if got := binary.BigEndian.Uint32(h[0:4]); got != want {
		return fmt.Errorf("unexpected URB command 0x%x, want 0x%x", got, want)
	}
	return binary.Read(bytes.NewReader(h[:]), binary.BigEndian, v)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
