package usb_test

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/nucusbd/device/nuc970"
	"github.com/Alia5/nucusbd/internal/log"
	srvusb "github.com/Alia5/nucusbd/internal/server/usb"
	th "github.com/Alia5/nucusbd/internal/testing"
	"github.com/Alia5/nucusbd/internal/trace"
	pusb "github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
	"github.com/Alia5/nucusbd/virtualbus"
)

type memRecorder struct {
	mu      sync.Mutex
	entries []trace.Entry
}

func (m *memRecorder) Record(e trace.Entry) {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
}
func (m *memRecorder) Flush() error { return nil }
func (m *memRecorder) Close() error { return nil }

func (m *memRecorder) Entries() []trace.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]trace.Entry(nil), m.entries...)
}

type fixture struct {
	srv    *srvusb.Server
	bus    *virtualbus.VirtualBus
	dev    *nuc970.Device
	rec    *memRecorder
	client *th.UsbIpClient
	busID  string
}

func startServer(t *testing.T, busNum uint32, cfg nuc970.Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := &memRecorder{}
	srv := srvusb.New(srvusb.ServerConfig{Addr: "127.0.0.1:0", ConnectionTimeout: time.Second}, logger, log.NewRaw(nil), rec)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-srv.Ready():
	case err := <-errCh:
		t.Fatalf("USB server failed to start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("USB server did not become ready")
	}
	t.Cleanup(func() { _ = srv.Close() })

	bus, err := virtualbus.NewWithBusId(busNum)
	require.NoError(t, err)
	require.NoError(t, srv.AddBus(bus))
	t.Cleanup(func() { _ = srv.RemoveBus(busNum) })

	dev := nuc970.New(nil, cfg, logger)
	ctx, err := bus.Add(dev)
	require.NoError(t, err)

	return &fixture{
		srv:    srv,
		bus:    bus,
		dev:    dev,
		rec:    rec,
		client: th.NewUsbIpClient(t, srv.Addr().String()),
		busID:  virtualbus.MetaFromContext(ctx).BusIDString(),
	}
}

func (f *fixture) attach(t *testing.T) *th.Attached {
	t.Helper()
	a, err := f.client.Attach(f.busID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func getDescriptor(dtype, index uint8, length uint16) pusb.ControlRequest {
	return pusb.ControlRequest{RequestType: 0x80, Request: 0x06, Value: uint16(dtype)<<8 | uint16(index), Length: length}
}

func TestDevListExportsNUC970(t *testing.T) {
	f := startServer(t, 71001, nuc970.DefaultConfig())

	devs, err := f.client.ListDevices()
	require.NoError(t, err)
	require.Len(t, devs, 1)
	d := devs[0]
	assert.Equal(t, f.busID, d.BusIDString())
	assert.Equal(t, uint16(0x0416), d.IDVendor)
	assert.Equal(t, uint16(0x5963), d.IDProduct)
	assert.Equal(t, uint32(pusb.SpeedHigh), d.Speed)
	assert.Equal(t, uint8(1), d.BNumInterfaces)
	require.Len(t, d.Interfaces, 1)
}

func TestImportUnknownBusIDFails(t *testing.T) {
	f := startServer(t, 71002, nuc970.DefaultConfig())
	_, err := f.client.Attach("9-9")
	require.Error(t, err)
}

func TestEnumeration(t *testing.T) {
	f := startServer(t, 71003, nuc970.DefaultConfig())
	a := f.attach(t)

	res, err := a.Control(getDescriptor(pusb.DeviceDescType, 0, 64), nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 18)
	assert.Equal(t, uint16(0x0416), binary.LittleEndian.Uint16(res.Data[8:10]))
	assert.Equal(t, uint16(0x5963), binary.LittleEndian.Uint16(res.Data[10:12]))

	res, err = a.Control(getDescriptor(pusb.ConfigDescType, 0, 9), nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 9)
	total := binary.LittleEndian.Uint16(res.Data[2:4])

	res, err = a.Control(getDescriptor(pusb.ConfigDescType, 0, total), nil)
	require.NoError(t, err)
	assert.Len(t, res.Data, int(total))

	res, err = a.Control(getDescriptor(pusb.StringDescType, 2, 255), nil)
	require.NoError(t, err)
	assert.Equal(t, pusb.EncodeStringDescriptor("Nuvoton ARM 926-Based MCU"), res.Data)

	res, err = a.Control(pusb.ControlRequest{RequestType: 0x00, Request: 0x09, Value: 1}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.ActualLength)

	res, err = a.Control(pusb.ControlRequest{RequestType: 0x80, Request: 0x08, Length: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, res.Data)
}

func TestNuWriterDownloadFlow(t *testing.T) {
	f := startServer(t, 71004, nuc970.DefaultConfig())
	a := f.attach(t)

	res, err := a.Control(pusb.ControlRequest{
		RequestType: nuc970.ReqTypeVendorOut, Request: nuc970.VendorSetBurnType, Value: nuc970.BurnTypeBase + nuc970.CodeSPI,
	}, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Status)
	assert.Zero(t, res.ActualLength)

	chunk := make([]byte, 1000)
	_, err = a.BulkOut(nuc970.EPDownload, chunk)
	require.NoError(t, err)
	require.NoError(t, a.ExpectSilence(50*time.Millisecond))

	res, err = a.BulkIn(nuc970.EPDownload, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(nuc970.AckSPI), binary.LittleEndian.Uint32(res.Data))

	sessions := f.srv.Sessions()
	require.Len(t, sessions, 1)
	core, ok := sessions[0].Handler.(*nuc970.Core)
	require.True(t, ok)
	snap := core.Snapshot()
	assert.Equal(t, nuc970.MediumSPI, snap.Medium)
	assert.Equal(t, 1000, snap.ByteCount)
	assert.Equal(t, f.busID, sessions[0].BusID)
}

func TestVendorInEchoesValue(t *testing.T) {
	f := startServer(t, 71005, nuc970.DefaultConfig())
	a := f.attach(t)

	res, err := a.Control(pusb.ControlRequest{RequestType: nuc970.ReqTypeVendorIn, Request: 0x05, Value: 0xBEEF, Length: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xEF, 0xBE, 0x00, 0x00}, res.Data)
}

func TestEchoEndpoint(t *testing.T) {
	f := startServer(t, 71006, nuc970.DefaultConfig())
	a := f.attach(t)

	_, err := a.BulkOut(nuc970.EPEcho, []byte{0x00, 0x41, 0xFF})
	require.NoError(t, err)
	res, err := a.Read()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), res.ActualLength)

	res, err = a.BulkIn(nuc970.EPEcho, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x42, 0x00}, res.Data)

	res, err = a.BulkIn(nuc970.EPEcho, 64)
	require.NoError(t, err)
	assert.Empty(t, res.Data)
}

func TestDroppedRequestsLeaveStreamAligned(t *testing.T) {
	f := startServer(t, 71007, nuc970.DefaultConfig())
	a := f.attach(t)

	// Unknown vendor OUT with a data stage is never answered.
	_, err := a.Send(usbip.DirOut, 0, 4, []byte{1, 2, 3, 4}, pusb.ControlRequest{
		RequestType: nuc970.ReqTypeVendorOut, Request: 0x77, Length: 4,
	}.Bytes())
	require.NoError(t, err)
	require.NoError(t, a.ExpectSilence(50*time.Millisecond))

	res, err := a.Control(pusb.ControlRequest{RequestType: nuc970.ReqTypeVendorIn, Request: 0x01, Value: 7, Length: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0}, res.Data)
}

func TestUnlinkIsAnswered(t *testing.T) {
	f := startServer(t, 71008, nuc970.DefaultConfig())
	a := f.attach(t)

	seq, err := a.BulkOut(nuc970.EPDownload, []byte{1})
	require.NoError(t, err)
	res, err := a.Unlink(seq)
	require.NoError(t, err)
	assert.Equal(t, uint32(usbip.RetUnlinkCode), res.Command)
	assert.Equal(t, int32(usbip.StatusConnReset), res.Status)
}

func TestTurnaroundDelaysNextReply(t *testing.T) {
	cfg := nuc970.DefaultConfig()
	cfg.Turnaround = 40 * time.Millisecond
	f := startServer(t, 71009, cfg)
	a := f.attach(t)

	_, err := a.BulkIn(nuc970.EPDownload, 4)
	require.NoError(t, err)

	start := time.Now()
	_, err = a.Control(pusb.ControlRequest{RequestType: nuc970.ReqTypeVendorIn, Value: 1, Length: 4}, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDroppedDownloadIsPaced(t *testing.T) {
	cfg := nuc970.DefaultConfig()
	cfg.Turnaround = 40 * time.Millisecond
	f := startServer(t, 71013, cfg)
	a := f.attach(t)

	start := time.Now()
	_, err := a.BulkOut(nuc970.EPDownload, make([]byte, 64))
	require.NoError(t, err)
	res, err := a.Control(pusb.ControlRequest{RequestType: nuc970.ReqTypeVendorIn, Value: 7, Length: 4}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 0, 0, 0}, res.Data)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSessionsAreIndependent(t *testing.T) {
	f := startServer(t, 71010, nuc970.DefaultConfig())
	a := f.attach(t)

	_, err := a.Control(pusb.ControlRequest{
		RequestType: nuc970.ReqTypeVendorOut, Request: nuc970.VendorSetBurnType, Value: nuc970.BurnTypeBase + nuc970.CodeSPI,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool { return len(f.srv.Sessions()) == 0 }, time.Second, 10*time.Millisecond)

	b := f.attach(t)
	_, err = b.BulkOut(nuc970.EPDownload, make([]byte, 10))
	require.NoError(t, err)
	res, err := b.BulkIn(nuc970.EPDownload, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(res.Data))
}

func TestDeviceRemovalEndsSession(t *testing.T) {
	f := startServer(t, 71011, nuc970.DefaultConfig())
	a := f.attach(t)

	_, err := a.Control(pusb.ControlRequest{RequestType: nuc970.ReqTypeVendorIn, Value: 1, Length: 4}, nil)
	require.NoError(t, err)
	require.NoError(t, f.bus.Remove(f.dev))

	_, err = a.ReadWithTimeout(time.Second)
	require.Error(t, err)
	require.Eventually(t, func() bool { return len(f.srv.Sessions()) == 0 }, time.Second, 10*time.Millisecond)
}

func TestTraceEntries(t *testing.T) {
	f := startServer(t, 71012, nuc970.DefaultConfig())
	a := f.attach(t)

	_, err := a.Control(pusb.ControlRequest{
		RequestType: nuc970.ReqTypeVendorOut, Request: nuc970.VendorSetBurnType, Value: nuc970.BurnTypeBase + nuc970.CodeNAND,
	}, nil)
	require.NoError(t, err)
	_, err = a.BulkOut(nuc970.EPDownload, make([]byte, 8))
	require.NoError(t, err)
	_, err = a.BulkIn(nuc970.EPDownload, 4)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.rec.Entries()) == 3 }, time.Second, 5*time.Millisecond)
	entries := f.rec.Entries()

	assert.Equal(t, uint32(0), entries[0].Ep)
	assert.Equal(t, uint8(nuc970.VendorSetBurnType), entries[0].Request)
	assert.Equal(t, "empty", entries[0].ReplyKind)
	assert.Equal(t, "nand", entries[0].Medium)

	assert.Equal(t, "OUT", entries[1].Dir)
	assert.Equal(t, "none", entries[1].ReplyKind)
	assert.Equal(t, uint32(8), entries[1].TransferLen)

	assert.Equal(t, "IN", entries[2].Dir)
	assert.Equal(t, "data", entries[2].ReplyKind)
	assert.Equal(t, 4, entries[2].ReplyLen)

	for _, e := range entries {
		assert.Equal(t, entries[0].Session, e.Session)
	}
}
