// Package trace records every URB handled by the USB/IP server.
package trace

import (
	"log/slog"
	"time"
)

// Entry is one handled URB.
type Entry struct {
	Session string
	Seq     uint32
	Time    time.Time
	Ep      uint32
	Dir     string

	// Setup fields; zero for data endpoints.
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16

	TransferLen uint32
	ReplyKind   string
	ReplyLen    int
	Medium      string
}

// Recorder persists entries. Record must be safe for concurrent use.
type Recorder interface {
	Record(e Entry)
	Flush() error
	Close() error
}

// Config selects and tunes the recorder.
type Config struct {
	Enabled   bool   `help:"Record every URB into a SQLite database" default:"false" env:"NUCUSBD_TRACE"`
	Path      string `help:"Trace database path; generated when empty" env:"NUCUSBD_TRACE_PATH"`
	BatchSize int    `help:"Rows buffered before a write" default:"1000" env:"NUCUSBD_TRACE_BATCH_SIZE"`
}

// Open returns the recorder cfg describes. A disabled config yields a
// recorder that drops everything.
func Open(cfg Config, logger *slog.Logger) (Recorder, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	return NewSQLiteRecorder(cfg.Path, cfg.BatchSize, logger)
}

type nopRecorder struct{}

// Nop returns a recorder that drops every entry.
func Nop() Recorder { return nopRecorder{} }

func (nopRecorder) Record(Entry)  {}
func (nopRecorder) Flush() error { return nil }
func (nopRecorder) Close() error { return nil }
