// Package usb contains the descriptor tables and the request/reply contract
// shared by the USB/IP server and emulated devices.
package usb

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// USB descriptor type constants
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
	QualifierDescType = 0x06
)

// Descriptor lengths in bytes (fixed values from USB spec)
const (
	DeviceDescLen    = 18
	QualifierDescLen = 10
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// Speed values as reported in USB/IP device records.
const (
	SpeedLow   = 1
	SpeedFull  = 2
	SpeedHigh  = 3
	SpeedSuper = 5
)

// Descriptor holds all static descriptor data for a device. It is owned by
// the code that builds it and treated as read-only once a device is created.
type Descriptor struct {
	Device     DeviceDescriptor
	Qualifier  *QualifierDescriptor // nil for full-speed only devices
	Config     ConfigHeader
	Interfaces []InterfaceConfig
	LangIDs    []uint16
	Strings    map[uint8]string
}

// InterfaceConfig holds all descriptors for a single interface.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	ClassData  []byte // optional class-specific bytes emitted after the interface
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32 // USB/IP speed, see Speed* constants
}

// QualifierDescriptor describes how a high-speed capable device would
// behave at the other speed.
type QualifierDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	BNumConfigurations uint8
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
// WTotalLength and BNumInterfaces are filled in by ConfigBytes.
type ConfigHeader struct {
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8 // units of 2mA
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

// EndpointDescriptor (7 bytes) for each endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8
}

// DeviceBytes returns the 18-byte device descriptor.
func (d *Descriptor) DeviceBytes() []byte {
	dev := d.Device
	b := make([]byte, 0, DeviceDescLen)
	b = append(b, DeviceDescLen, DeviceDescType)
	b = binary.LittleEndian.AppendUint16(b, dev.BcdUSB)
	b = append(b, dev.BDeviceClass, dev.BDeviceSubClass, dev.BDeviceProtocol, dev.BMaxPacketSize0)
	b = binary.LittleEndian.AppendUint16(b, dev.IDVendor)
	b = binary.LittleEndian.AppendUint16(b, dev.IDProduct)
	b = binary.LittleEndian.AppendUint16(b, dev.BcdDevice)
	return append(b, dev.IManufacturer, dev.IProduct, dev.ISerialNumber, dev.BNumConfigurations)
}

// QualifierBytes returns the device qualifier descriptor, or nil when the
// device has none.
func (d *Descriptor) QualifierBytes() []byte {
	q := d.Qualifier
	if q == nil {
		return nil
	}
	b := make([]byte, 0, QualifierDescLen)
	b = append(b, QualifierDescLen, QualifierDescType)
	b = binary.LittleEndian.AppendUint16(b, q.BcdUSB)
	b = append(b, q.BDeviceClass, q.BDeviceSubClass, q.BDeviceProtocol, q.BMaxPacketSize0, q.BNumConfigurations)
	return append(b, 0) // bReserved
}

// ConfigBytes builds the full configuration descriptor: header, then each
// interface followed by its class data and endpoints. wTotalLength is
// patched after building.
func (d *Descriptor) ConfigBytes() []byte {
	var b bytes.Buffer
	h := d.Config
	b.Write([]byte{ConfigDescLen, ConfigDescType, 0, 0, uint8(len(d.Interfaces)),
		h.BConfigurationValue, h.IConfiguration, h.BMAttributes, h.BMaxPower})
	for _, iface := range d.Interfaces {
		i := iface.Descriptor
		b.Write([]byte{InterfaceDescLen, InterfaceDescType, i.BInterfaceNumber, i.BAlternateSetting,
			i.BNumEndpoints, i.BInterfaceClass, i.BInterfaceSubClass, i.BInterfaceProtocol, i.IInterface})
		b.Write(iface.ClassData)
		for _, ep := range iface.Endpoints {
			b.Write([]byte{EndpointDescLen, EndpointDescType, ep.BEndpointAddress, ep.BMAttributes})
			_ = binary.Write(&b, binary.LittleEndian, ep.WMaxPacketSize)
			b.WriteByte(ep.BInterval)
		}
	}
	data := b.Bytes()
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(data)))
	return data
}

// StringBytes returns string descriptor idx. Index 0 is the supported
// language table.
func (d *Descriptor) StringBytes(idx uint8) ([]byte, bool) {
	if idx == 0 {
		if len(d.LangIDs) == 0 {
			return nil, false
		}
		b := []byte{uint8(2 + 2*len(d.LangIDs)), StringDescType}
		for _, id := range d.LangIDs {
			b = binary.LittleEndian.AppendUint16(b, id)
		}
		return b, true
	}
	s, ok := d.Strings[idx]
	if !ok {
		return nil, false
	}
	return EncodeStringDescriptor(s), true
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string descriptor:
//
//	Byte 0: bLength (total descriptor length)
//	Byte 1: bDescriptorType (0x03 for string)
//	Bytes 2+: UTF-16LE encoded string
func EncodeStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2, 2+2*len(units))
	buf[0] = uint8(2 + 2*len(units))
	buf[1] = StringDescType
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	return buf
}
