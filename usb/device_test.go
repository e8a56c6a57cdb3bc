package usb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSetup(t *testing.T) {
	req, err := ParseSetup([]byte{0xC0, 0x05, 0x34, 0x12, 0x01, 0x00, 0x04, 0x00})
	require.NoError(t, err)
	assert.Equal(t, ControlRequest{RequestType: 0xC0, Request: 0x05, Value: 0x1234, Index: 1, Length: 4}, req)
	assert.True(t, req.DeviceToHost())
	assert.Equal(t, uint8(RequestTypeVendor), req.Type())
	assert.Equal(t, [SetupPacketSize]byte{0xC0, 0x05, 0x34, 0x12, 0x01, 0x00, 0x04, 0x00}, req.Bytes())

	_, err = ParseSetup([]byte{0x80, 0x06})
	require.ErrorIs(t, err, ErrSetupTooShort)
}

func TestReplyHelpers(t *testing.T) {
	assert.Equal(t, ReplyNone, NoReply().Kind)
	assert.Equal(t, ReplyEmpty, Ack().Kind)
	assert.Equal(t, ReplyEmpty, Payload(nil).Kind)

	r := AckCode(0x55AA55AA)
	assert.Equal(t, ReplyData, r.Kind)
	assert.Equal(t, []byte{0xAA, 0x55, 0xAA, 0x55}, r.Data)
	assert.Zero(t, r.Turnaround)

	delayed := r.After(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, delayed.Turnaround)
	assert.Zero(t, r.Turnaround, "After must not modify the receiver")
	assert.Equal(t, "data", delayed.Kind.String())
}

func TestDescriptorBytes(t *testing.T) {
	d := Descriptor{
		Device: DeviceDescriptor{
			BcdUSB: 0x0200, BMaxPacketSize0: 64, IDVendor: 0x0416, IDProduct: 0x5963,
			BcdDevice: 0x0100, IManufacturer: 1, IProduct: 2, BNumConfigurations: 1,
		},
		Qualifier: &QualifierDescriptor{BcdUSB: 0x0200, BMaxPacketSize0: 64, BNumConfigurations: 1},
		Config:    ConfigHeader{BConfigurationValue: 1, BMAttributes: 0xC0, BMaxPower: 0x32},
		Interfaces: []InterfaceConfig{{
			Descriptor: InterfaceDescriptor{BNumEndpoints: 2, BInterfaceClass: 0xFF},
			Endpoints: []EndpointDescriptor{
				{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: 512},
				{BEndpointAddress: 0x02, BMAttributes: 0x02, WMaxPacketSize: 512},
			},
		}},
		LangIDs: []uint16{0x0409},
		Strings: map[uint8]string{1: "Nuvoton"},
	}

	dev := d.DeviceBytes()
	require.Len(t, dev, DeviceDescLen)
	assert.Equal(t, []byte{DeviceDescLen, DeviceDescType, 0x00, 0x02}, dev[:4])
	assert.Equal(t, []byte{0x16, 0x04, 0x63, 0x59}, dev[8:12])

	q := d.QualifierBytes()
	require.Len(t, q, QualifierDescLen)
	assert.Equal(t, byte(QualifierDescType), q[1])

	cfg := d.ConfigBytes()
	total := ConfigDescLen + InterfaceDescLen + 2*EndpointDescLen
	require.Len(t, cfg, total)
	assert.Equal(t, []byte{byte(total), 0}, cfg[2:4])
	assert.Equal(t, byte(1), cfg[4])
	assert.Equal(t, []byte{EndpointDescLen, EndpointDescType, 0x81, 0x02, 0x00, 0x02, 0x00}, cfg[18:25])

	langs, ok := d.StringBytes(0)
	require.True(t, ok)
	assert.Equal(t, []byte{4, StringDescType, 0x09, 0x04}, langs)

	s, ok := d.StringBytes(1)
	require.True(t, ok)
	assert.Equal(t, EncodeStringDescriptor("Nuvoton"), s)
	assert.Equal(t, byte(2+2*7), s[0])

	_, ok = d.StringBytes(9)
	assert.False(t, ok)

	d.Qualifier = nil
	assert.Nil(t, d.QualifierBytes())
}
