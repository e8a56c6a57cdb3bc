package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/nucusbd/device/nuc970"
	"github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
)

// maxBuffered bounds the reassembly buffer of one direction.
const maxBuffered = 64 * 1024

type pendingURB struct {
	dir uint32
	ep  uint32
}

// urbTracker remembers submitted URBs so RET_SUBMIT frames, which carry
// neither direction nor endpoint, can be sized and annotated.
type urbTracker struct {
	mu      sync.Mutex
	pending map[uint32]pendingURB
}

func newURBTracker() *urbTracker {
	return &urbTracker{pending: make(map[uint32]pendingURB)}
}

func (t *urbTracker) submit(seq uint32, u pendingURB) {
	t.mu.Lock()
	t.pending[seq] = u
	t.mu.Unlock()
}

func (t *urbTracker) peek(seq uint32) (pendingURB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.pending[seq]
	return u, ok
}

func (t *urbTracker) complete(seq uint32) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// Parser reassembles one direction of a USB/IP stream and logs each frame.
type Parser struct {
	logger         *slog.Logger
	tracker        *urbTracker
	clientToServer bool
	buf            bytes.Buffer
}

func NewParser(logger *slog.Logger, tracker *urbTracker, clientToServer bool) *Parser {
	return &Parser{logger: logger, tracker: tracker, clientToServer: clientToServer}
}

// Parse appends data and logs every complete frame in the buffer.
func (p *Parser) Parse(data []byte) {
	p.buf.Write(data)
	for {
		n := p.next(p.buf.Bytes())
		if n == 0 {
			break
		}
		p.buf.Next(n)
	}
	if p.buf.Len() > maxBuffered {
		p.logger.Warn("Parser buffer overflow, resetting")
		p.buf.Reset()
	}
}

// next logs the frame at the head of b and returns its size, or 0 if the
// frame is incomplete.
func (p *Parser) next(b []byte) int {
	if len(b) < usbip.MgmtHeaderSize {
		return 0
	}
	if h := usbip.DecodeMgmtHeader(b); h.IsMgmt() {
		return p.parseMgmt(h, b)
	}
	if len(b) < usbip.URBHeaderSize {
		return 0
	}
	var hdr usbip.URBHeader
	copy(hdr[:], b)
	switch hdr.Basic().Command {
	case usbip.CmdSubmitCode:
		return p.parseCmdSubmit(hdr, b)
	case usbip.RetSubmitCode:
		return p.parseRetSubmit(hdr, b)
	case usbip.CmdUnlinkCode:
		if c, err := hdr.Unlink(); err == nil {
			p.log("CMD_UNLINK", "seq", c.Basic.Seqnum, "unlink_seq", c.UnlinkSeqnum)
		}
		return usbip.URBHeaderSize
	case usbip.RetUnlinkCode:
		if r, err := hdr.RetUnlink(); err == nil {
			p.log("RET_UNLINK", "seq", r.Basic.Seqnum, "status", r.Status)
		}
		return usbip.URBHeaderSize
	}
	p.logger.Warn("Unrecognized frame, resynchronizing", "dir", dirString(p.clientToServer), "head", fmt.Sprintf("% x", b[:8]))
	return len(b)
}

func (p *Parser) parseMgmt(h usbip.MgmtHeader, b []byte) int {
	switch h.Command {
	case usbip.OpReqDevlist:
		p.log("OP_REQ_DEVLIST")
		return usbip.MgmtHeaderSize

	case usbip.OpReqImport:
		n := usbip.MgmtHeaderSize + usbip.BusIDSize
		if len(b) < n {
			return 0
		}
		var m usbip.ExportMeta
		copy(m.USBBusId[:], b[usbip.MgmtHeaderSize:n])
		p.log("OP_REQ_IMPORT", "busid", m.BusIDString())
		return n

	case usbip.OpRepDevlist:
		if len(b) < usbip.MgmtHeaderSize+4 {
			return 0
		}
		count := binary.BigEndian.Uint32(b[8:12])
		need := uint64(count) * usbip.DeviceRecordSize
		if need > maxBuffered {
			p.logger.Warn("Implausible devlist device count, resynchronizing", "dir", dirString(p.clientToServer), "devices", count)
			return len(b)
		}
		if uint64(len(b)-12) < need {
			return 0
		}
		r := bytes.NewReader(b[12:])
		devs := make([]usbip.ExportedDevice, 0, count)
		for range count {
			d, err := usbip.ReadExportedDevice(r, true)
			if err != nil {
				return 0
			}
			devs = append(devs, d)
		}
		p.log("OP_REP_DEVLIST", "status", h.Status, "devices", count)
		for _, d := range devs {
			p.logDevice("  Device", d)
		}
		return len(b) - r.Len()

	case usbip.OpRepImport:
		if h.Status != 0 {
			p.log("OP_REP_IMPORT", "status", h.Status)
			return usbip.MgmtHeaderSize
		}
		if len(b) < usbip.MgmtHeaderSize+usbip.DeviceRecordSize {
			return 0
		}
		d, err := usbip.ReadExportedDevice(bytes.NewReader(b[usbip.MgmtHeaderSize:]), false)
		if err != nil {
			return 0
		}
		p.log("OP_REP_IMPORT", "status", h.Status)
		p.logDevice("  Device", d)
		return usbip.MgmtHeaderSize + usbip.DeviceRecordSize
	}
	return usbip.MgmtHeaderSize
}

func (p *Parser) parseCmdSubmit(hdr usbip.URBHeader, b []byte) int {
	c, err := hdr.Submit()
	if err != nil {
		return usbip.URBHeaderSize
	}
	size := usbip.URBHeaderSize
	if c.Basic.Dir == usbip.DirOut {
		size += int(c.TransferBufferLen)
	}
	if len(b) < size {
		return 0
	}
	p.tracker.submit(c.Basic.Seqnum, pendingURB{dir: c.Basic.Dir, ep: c.Basic.Ep})

	args := []any{
		"seq", c.Basic.Seqnum,
		"devid", c.Basic.Devid,
		"ep", c.Basic.Ep,
		"urb_dir", usb.Direction(c.Basic.Dir),
		"len", c.TransferBufferLen,
	}
	if c.Basic.Ep == 0 {
		req, _ := usb.ParseSetup(c.Setup[:])
		args = append(args, "setup", fmt.Sprintf("% x", c.Setup[:]))
		if name := nuc970.DescribeRequest(req); name != "" {
			args = append(args, "nuc970", name)
		}
	}
	p.log("CMD_SUBMIT", args...)
	return size
}

func (p *Parser) parseRetSubmit(hdr usbip.URBHeader, b []byte) int {
	r, err := hdr.RetSubmit()
	if err != nil {
		return usbip.URBHeaderSize
	}
	u, known := p.tracker.peek(r.Basic.Seqnum)
	size := usbip.URBHeaderSize
	if known && u.dir == usbip.DirIn {
		size += int(r.ActualLength)
	}
	if len(b) < size {
		return 0
	}
	p.tracker.complete(r.Basic.Seqnum)

	args := []any{
		"seq", r.Basic.Seqnum,
		"status", r.Status,
		"actual_len", r.ActualLength,
	}
	if known && u.ep == nuc970.EPDownload && u.dir == usbip.DirIn && r.ActualLength == 4 {
		payload := b[usbip.URBHeaderSize:size]
		args = append(args, "ack", fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(payload)))
	}
	p.log("RET_SUBMIT", args...)
	return size
}

func (p *Parser) log(op string, args ...any) {
	p.logger.Info("USBIP packet", append([]any{"dir", dirString(p.clientToServer), "op", op}, args...)...)
}

func (p *Parser) logDevice(msg string, d usbip.ExportedDevice) {
	p.logger.Info(msg,
		"path", d.PathString(),
		"busid", d.BusIDString(),
		"bus", d.BusId,
		"dev", d.DevId,
		"speed", d.Speed,
		"vid", fmt.Sprintf("%04x", d.IDVendor),
		"pid", fmt.Sprintf("%04x", d.IDProduct),
		"bcd", fmt.Sprintf("%04x", d.BcdDevice),
		"class", fmt.Sprintf("%02x", d.BDeviceClass),
		"nInterfaces", d.BNumInterfaces)
}

func dirString(clientToServer bool) string {
	if clientToServer {
		return "C→S"
	}
	return "S→C"
}
