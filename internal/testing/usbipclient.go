// Package testing holds a minimal USB/IP host used by end-to-end tests.
package testing

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
)

const defaultTimeout = 750 * time.Millisecond

type UsbIpClient struct {
	address string
}

func NewUsbIpClient(t *testing.T, addr string) *UsbIpClient {
	t.Helper()
	return &UsbIpClient{address: addr}
}

// ListDevices performs OP_REQ_DEVLIST on a fresh connection.
func (c *UsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(conn); err != nil {
		return nil, err
	}
	if err := readMgmtReply(conn, usbip.OpRepDevlist); err != nil {
		return nil, err
	}
	var n [4]byte
	if _, err := io.ReadFull(conn, n[:]); err != nil {
		return nil, err
	}
	count := uint32(n[0])<<24 | uint32(n[1])<<16 | uint32(n[2])<<8 | uint32(n[3])
	devices := make([]usbip.ExportedDevice, 0, count)
	for range count {
		d, err := usbip.ReadExportedDevice(conn, true)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Attach performs OP_REQ_IMPORT and keeps the connection open for URBs.
func (c *UsbIpClient) Attach(busID string) (*Attached, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Now().Add(defaultTimeout))

	if err := (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}).Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	var bus [usbip.BusIDSize]byte
	copy(bus[:], busID)
	if _, err := conn.Write(bus[:]); err != nil {
		conn.Close()
		return nil, err
	}
	if err := readMgmtReply(conn, usbip.OpRepImport); err != nil {
		conn.Close()
		return nil, err
	}
	dev, err := usbip.ReadExportedDevice(conn, false)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &Attached{Conn: conn, Device: dev, pending: make(map[uint32]uint32)}, nil
}

func readMgmtReply(r io.Reader, want uint16) error {
	var b [usbip.MgmtHeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	h := usbip.DecodeMgmtHeader(b[:])
	if h.Version != usbip.Version {
		return fmt.Errorf("unexpected usbip version %x", h.Version)
	}
	if h.Command != want {
		return fmt.Errorf("unexpected reply command %x", h.Command)
	}
	if h.Status != 0 {
		return fmt.Errorf("reply status %d", h.Status)
	}
	return nil
}

// Attached is an imported device. URBs may be pipelined: Send queues a
// CMD_SUBMIT and Read collects the next reply in arrival order.
type Attached struct {
	Conn   net.Conn
	Device usbip.ExportedDevice

	mu      sync.Mutex
	seq     uint32
	pending map[uint32]uint32 // seqnum -> direction
}

// Result is one RET_SUBMIT or RET_UNLINK.
type Result struct {
	Command      uint32
	Seq          uint32
	Status       int32
	ActualLength uint32
	Data         []byte
}

func (a *Attached) Close() error { return a.Conn.Close() }

// Send writes a CMD_SUBMIT and its OUT payload and returns the seqnum.
func (a *Attached) Send(dir, ep, transferLen uint32, out []byte, setup [8]byte) (uint32, error) {
	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.pending[seq] = dir
	a.mu.Unlock()

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: ep},
		TransferBufferLen: transferLen,
		Setup:             setup,
	}
	_ = a.Conn.SetWriteDeadline(time.Now().Add(defaultTimeout))
	defer a.Conn.SetWriteDeadline(time.Time{})
	if err := cmd.Write(a.Conn); err != nil {
		return 0, err
	}
	if dir == usbip.DirOut && len(out) > 0 {
		if _, err := a.Conn.Write(out); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

// Read returns the next reply on the connection.
func (a *Attached) Read() (Result, error) {
	return a.ReadWithTimeout(defaultTimeout)
}

func (a *Attached) ReadWithTimeout(timeout time.Duration) (Result, error) {
	_ = a.Conn.SetReadDeadline(time.Now().Add(timeout))
	defer a.Conn.SetReadDeadline(time.Time{})

	hdr, err := usbip.ReadURBHeader(a.Conn)
	if err != nil {
		return Result{}, err
	}
	basic := hdr.Basic()
	switch basic.Command {
	case usbip.RetSubmitCode:
		ret, err := hdr.RetSubmit()
		if err != nil {
			return Result{}, err
		}
		res := Result{Command: basic.Command, Seq: basic.Seqnum, Status: ret.Status, ActualLength: ret.ActualLength}
		a.mu.Lock()
		dir, ok := a.pending[basic.Seqnum]
		delete(a.pending, basic.Seqnum)
		a.mu.Unlock()
		if !ok {
			return res, fmt.Errorf("reply for unknown seqnum %d", basic.Seqnum)
		}
		if dir == usbip.DirIn && ret.ActualLength > 0 {
			res.Data = make([]byte, ret.ActualLength)
			if _, err := io.ReadFull(a.Conn, res.Data); err != nil {
				return res, err
			}
		}
		return res, nil
	case usbip.RetUnlinkCode:
		ret, err := hdr.RetUnlink()
		if err != nil {
			return Result{}, err
		}
		return Result{Command: basic.Command, Seq: basic.Seqnum, Status: ret.Status}, nil
	default:
		return Result{}, fmt.Errorf("unexpected ret cmd %x", basic.Command)
	}
}

// ExpectSilence fails unless nothing arrives within d.
func (a *Attached) ExpectSilence(d time.Duration) error {
	_ = a.Conn.SetReadDeadline(time.Now().Add(d))
	defer a.Conn.SetReadDeadline(time.Time{})
	var b [1]byte
	n, err := a.Conn.Read(b[:])
	if n > 0 {
		return fmt.Errorf("unexpected byte 0x%02x", b[0])
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return nil
	}
	return fmt.Errorf("connection error while waiting: %w", err)
}

// Control runs a control transfer on EP0 and waits for its reply.
func (a *Attached) Control(req usb.ControlRequest, out []byte) (Result, error) {
	dir := uint32(usbip.DirOut)
	if req.DeviceToHost() {
		dir = usbip.DirIn
	}
	if _, err := a.Send(dir, 0, uint32(req.Length), out, req.Bytes()); err != nil {
		return Result{}, err
	}
	return a.Read()
}

// BulkOut queues an OUT transfer without waiting for a reply.
func (a *Attached) BulkOut(ep uint32, data []byte) (uint32, error) {
	return a.Send(usbip.DirOut, ep, uint32(len(data)), data, [8]byte{})
}

// BulkIn runs an IN transfer and waits for its reply.
func (a *Attached) BulkIn(ep, length uint32) (Result, error) {
	if _, err := a.Send(usbip.DirIn, ep, length, nil, [8]byte{}); err != nil {
		return Result{}, err
	}
	return a.Read()
}

// Unlink asks the server to cancel seq and waits for RET_UNLINK.
func (a *Attached) Unlink(seq uint32) (Result, error) {
	a.mu.Lock()
	a.seq++
	own := a.seq
	a.mu.Unlock()
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: own},
		UnlinkSeqnum: seq,
	}
	if err := cmd.Write(a.Conn); err != nil {
		return Result{}, err
	}
	return a.Read()
}
