package usb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
)

var errNoReply = errors.New("reply of kind none must not be sent")

// urbTransport is the data channel of a single CMD_SUBMIT. The OUT payload
// stays on the connection until a handler asks for it.
type urbTransport struct {
	conn      io.ReadWriter
	submit    usbip.CmdSubmit
	remaining int
	consumed  int
	sent      int
}

func newURBTransport(conn io.ReadWriter, submit usbip.CmdSubmit) *urbTransport {
	t := &urbTransport{conn: conn, submit: submit}
	if submit.Basic.Dir == usbip.DirOut {
		t.remaining = int(submit.TransferBufferLen)
	}
	return t
}

// ReceiveBytes reads up to limit bytes of the OUT payload.
func (t *urbTransport) ReceiveBytes(limit int) ([]byte, error) {
	n := min(limit, t.remaining)
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.conn, buf); err != nil {
		return nil, fmt.Errorf("read OUT payload: %w", err)
	}
	t.remaining -= n
	t.consumed += n
	return buf, nil
}

// drain discards the part of the OUT payload no handler consumed so the
// next header starts on a frame boundary.
func (t *urbTransport) drain() error {
	if t.remaining <= 0 {
		return nil
	}
	n, err := io.CopyN(io.Discard, t.conn, int64(t.remaining))
	t.remaining -= int(n)
	if err != nil {
		return fmt.Errorf("drain OUT payload: %w", err)
	}
	return nil
}

// SendReply writes RET_SUBMIT and then blocks for the reply's turnaround.
// IN data is truncated to the URB's buffer length; OUT replies report the
// consumed byte count.
func (t *urbTransport) SendReply(r usb.Reply) error {
	if r.Kind == usb.ReplyNone {
		return errNoReply
	}
	var data []byte
	actual := uint32(t.consumed)
	if t.submit.Basic.Dir == usbip.DirIn {
		data = r.Data
		if l := int(t.submit.TransferBufferLen); len(data) > l {
			data = data[:l]
		}
		actual = uint32(len(data))
	}

	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: t.submit.Basic.Seqnum},
		Status:       0,
		ActualLength: actual,
	}
	var out bytes.Buffer
	if err := ret.Write(&out); err != nil {
		return fmt.Errorf("build RET_SUBMIT header: %w", err)
	}
	out.Write(data)
	if _, err := t.conn.Write(out.Bytes()); err != nil {
		return fmt.Errorf("write RET_SUBMIT: %w", err)
	}
	t.sent = len(data)

	if r.Turnaround > 0 {
		time.Sleep(r.Turnaround)
	}
	return nil
}
