package log

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// RawLogger dumps the bytes crossing a USB/IP connection.
type RawLogger interface {
	Log(in bool, data []byte)
}

type nopRaw struct{}

func (nopRaw) Log(bool, []byte) {}

// NewRaw returns a RawLogger writing to w, or one that drops everything if
// w is nil.
func NewRaw(w io.Writer) RawLogger {
	if w == nil {
		return nopRaw{}
	}
	return &rawLogger{w: w, now: time.Now}
}

type rawLogger struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// Log writes a header line and a hex dump of data. in=true is host to
// emulator (C->S).
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 {
		return
	}
	dir := "S->C"
	if in {
		dir = "C->S"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %d bytes\n", r.now().Format("2006/01/02 15:04:05.000000"), dir, len(data))
	sb.WriteString(hex.Dump(data))

	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = io.WriteString(r.w, sb.String())
}
