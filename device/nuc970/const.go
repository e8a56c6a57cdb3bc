package nuc970

import "github.com/Alia5/nucusbd/usb"

// Vendor request types and codes understood by the NuWriter protocol.
const (
	ReqTypeVendorOut = usb.RequestTypeVendor                              // 0x40
	ReqTypeVendorIn  = usb.RequestTypeVendor | usb.RequestDirDeviceToHost // 0xC0

	VendorSetParameter = 0xA0
	VendorSetBurnType  = 0xB0

	ParamBulkOutSize = 0x12
	ParamResetDMA    = 0x13
)

// Burn type values are BurnTypeBase plus one of the medium codes.
const (
	BurnTypeBase = 0x80

	CodeSDRAM   = 0x0
	CodeNAND    = 0x3
	CodeNANDRaw = 0x4
	CodeMMC     = 0x5
	CodeMMCRaw  = 0x6
	CodeSPI     = 0x7
	CodeSPIRaw  = 0x8
	CodeMTP     = 0x9
	CodeInfo    = 0xA
)

// Data endpoints.
const (
	EPDownload = 1 // bulk OUT image data, IN acknowledgement codes
	EPEcho     = 2 // bulk loopback
)

// Acknowledgement codes returned on EPDownload IN.
const (
	AckSPI        = 100
	AckDDR        = 0x55AA55AA
	DDRHeaderSize = 400
)

// DefaultBufferSize is the session transfer buffer size.
const DefaultBufferSize = 4096

// DefaultDescriptor returns the descriptor tables of a NUC970 in USB boot
// mode: one vendor interface with a bulk IN/OUT pair.
func DefaultDescriptor() usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0x00,
			BDeviceSubClass:    0x00,
			BDeviceProtocol:    0x00,
			BMaxPacketSize0:    0x40,
			IDVendor:           0x0416,
			IDProduct:          0x5963,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			ISerialNumber:      0x00,
			BNumConfigurations: 0x01,
			Speed:              usb.SpeedHigh,
		},
		Qualifier: &usb.QualifierDescriptor{
			BcdUSB:             0x0200,
			BMaxPacketSize0:    0x40,
			BNumConfigurations: 0x01,
		},
		Config: usb.ConfigHeader{
			BConfigurationValue: 1,
			BMAttributes:        0xC0, // self powered
			BMaxPower:           50,   // 100mA
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber: 0,
					BNumEndpoints:    2,
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: 0x80 | EPDownload, BMAttributes: 0x02, WMaxPacketSize: 0x0200, BInterval: 1},
					{BEndpointAddress: EPEcho, BMAttributes: 0x02, WMaxPacketSize: 0x0200, BInterval: 1},
				},
			},
		},
		LangIDs: []uint16{0x0409},
		Strings: map[uint8]string{
			1: "USB Device",
			2: "Nuvoton ARM 926-Based MCU",
		},
	}
}
