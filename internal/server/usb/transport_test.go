package usb

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/nucusbd/device/nuc970"
	pusb "github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
)

type pipe struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (p *pipe) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *pipe) Write(b []byte) (int, error) { return p.out.Write(b) }

func submit(dir, ep, length uint32) usbip.CmdSubmit {
	return usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 9, Dir: dir, Ep: ep},
		TransferBufferLen: length,
	}
}

func readRet(t *testing.T, b []byte) usbip.RetSubmit {
	t.Helper()
	require.GreaterOrEqual(t, len(b), usbip.URBHeaderSize)
	var h usbip.URBHeader
	copy(h[:], b)
	ret, err := h.RetSubmit()
	require.NoError(t, err)
	return ret
}

func TestTransportReceivesLazilyAndDrains(t *testing.T) {
	p := &pipe{in: bytes.NewReader([]byte{1, 2, 3, 4, 5, 6, 0xAA})}
	tr := newURBTransport(p, submit(usbip.DirOut, 1, 6))

	got, err := tr.ReceiveBytes(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	require.NoError(t, tr.drain())
	next, err := p.in.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), next)

	require.NoError(t, tr.SendReply(pusb.Ack()))
	ret := readRet(t, p.out.Bytes())
	assert.Equal(t, uint32(9), ret.Basic.Seqnum)
	assert.Equal(t, uint32(4), ret.ActualLength)
	assert.Equal(t, usbip.URBHeaderSize, p.out.Len())
}

func TestTransportReceiveOnInIsEmpty(t *testing.T) {
	p := &pipe{in: bytes.NewReader(nil)}
	tr := newURBTransport(p, submit(usbip.DirIn, 1, 64))
	got, err := tr.ReceiveBytes(64)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTransportShortPayloadFails(t *testing.T) {
	p := &pipe{in: bytes.NewReader([]byte{1, 2})}
	tr := newURBTransport(p, submit(usbip.DirOut, 1, 8))
	_, err := tr.ReceiveBytes(8)
	require.Error(t, err)
}

func TestTransportTruncatesInData(t *testing.T) {
	p := &pipe{in: bytes.NewReader(nil)}
	tr := newURBTransport(p, submit(usbip.DirIn, 2, 2))
	require.NoError(t, tr.SendReply(pusb.Payload([]byte{1, 2, 3, 4})))

	ret := readRet(t, p.out.Bytes())
	assert.Equal(t, uint32(2), ret.ActualLength)
	assert.Equal(t, []byte{1, 2}, p.out.Bytes()[usbip.URBHeaderSize:])
	assert.Equal(t, 2, tr.sent)
}

func TestTransportRefusesNoReply(t *testing.T) {
	p := &pipe{in: bytes.NewReader(nil)}
	tr := newURBTransport(p, submit(usbip.DirIn, 1, 4))
	require.ErrorIs(t, tr.SendReply(pusb.NoReply()), errNoReply)
	assert.Zero(t, p.out.Len())
}

func TestTransportSleepsTurnaround(t *testing.T) {
	p := &pipe{in: bytes.NewReader(nil)}
	tr := newURBTransport(p, submit(usbip.DirIn, 1, 4))
	start := time.Now()
	require.NoError(t, tr.SendReply(pusb.AckCode(1).After(20*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestHandleStandard(t *testing.T) {
	desc := nuc970.DefaultDescriptor()
	st := newEnumState()

	reply, ok := handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x80, Request: usbReqGetDescriptor, Value: 0x0100, Length: 8})
	require.True(t, ok)
	assert.Equal(t, desc.DeviceBytes()[:8], reply.Data)

	reply, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x80, Request: usbReqGetDescriptor, Value: 0x0600, Length: 10})
	require.True(t, ok)
	assert.Equal(t, desc.QualifierBytes(), reply.Data)

	reply, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x80, Request: usbReqGetDescriptor, Value: 0x0309, Length: 255})
	require.True(t, ok)
	assert.Equal(t, pusb.ReplyEmpty, reply.Kind)

	_, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x00, Request: usbReqSetAddress, Value: 5})
	require.True(t, ok)
	assert.Equal(t, uint16(5), st.address)

	reply, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x80, Request: usbReqGetStatus, Length: 2})
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x00}, reply.Data)

	_, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x01, Request: usbReqSetInterface, Value: 1, Index: 0})
	require.True(t, ok)
	reply, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x81, Request: usbReqGetInterface, Length: 1})
	require.True(t, ok)
	assert.Equal(t, []byte{1}, reply.Data)

	_, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: nuc970.ReqTypeVendorOut, Request: nuc970.VendorSetParameter})
	assert.False(t, ok)
	_, ok = handleStandard(&desc, st, pusb.ControlRequest{RequestType: 0x21, Request: 0x20})
	assert.False(t, ok)
}
