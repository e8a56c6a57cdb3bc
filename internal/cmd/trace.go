package cmd

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Alia5/nucusbd/device/nuc970"
	"github.com/Alia5/nucusbd/internal/trace"
	"github.com/Alia5/nucusbd/usb"
)

// TraceCommand groups the trace database readers.
type TraceCommand struct {
	Sessions TraceSessions `cmd:"" help:"List the sessions recorded in a trace"`
	Dump     TraceDump     `cmd:"" help:"Print the URBs recorded in a trace"`
}

type TraceSessions struct {
	Path string `arg:"" type:"existingfile" help:"Trace database"`

	out io.Writer
}

func (c *TraceSessions) Run() error {
	r, err := trace.OpenReader(c.Path)
	if err != nil {
		return err
	}
	defer r.Close()

	sessions, err := r.Sessions()
	if err != nil {
		return err
	}
	w := writerOrStdout(c.out)
	for _, s := range sessions {
		fmt.Fprintln(w, s)
	}
	return nil
}

type TraceDump struct {
	Path    string `arg:"" type:"existingfile" help:"Trace database"`
	Session string `help:"Only print this session"`

	out io.Writer
}

func (c *TraceDump) Run() error {
	r, err := trace.OpenReader(c.Path)
	if err != nil {
		return err
	}
	defer r.Close()

	entries, err := r.Entries(c.Session)
	if err != nil {
		return err
	}
	w := writerOrStdout(c.out)
	var bytesOut int
	for _, e := range entries {
		fmt.Fprintln(w, formatEntry(e))
		bytesOut += e.ReplyLen
	}
	p := message.NewPrinter(language.AmericanEnglish)
	p.Fprintf(w, "%d URBs, %d reply bytes\n", len(entries), bytesOut)
	return nil
}

func formatEntry(e trace.Entry) string {
	line := fmt.Sprintf("%s %-20s seq=%-6d ep%d %-3s len=%-5d reply=%s/%d medium=%s",
		e.Time.Format("15:04:05.000000"), e.Session, e.Seq, e.Ep, e.Dir, e.TransferLen, e.ReplyKind, e.ReplyLen, e.Medium)
	if e.Ep != 0 {
		return line
	}
	req := usb.ControlRequest{RequestType: e.RequestType, Request: e.Request, Value: e.Value, Index: e.Index, Length: e.Length}
	if name := nuc970.DescribeRequest(req); name != "" {
		return line + " " + name
	}
	return line + " " + req.String()
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
