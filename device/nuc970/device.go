// Package nuc970 emulates the device side of the Nuvoton NUC970 USB device
// controller as driven by the NuWriter boot-mode firmware.
//
// A Device is exported on a virtual bus. Each host attach gets its own Core,
// which owns a register file and the session state; nothing is shared
// between attaches.
package nuc970

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Alia5/nucusbd/usb"
)

var (
	// ErrInvalidRegister is returned for an unknown register offset or
	// endpoint index.
	ErrInvalidRegister = errors.New("invalid register")
	// ErrUnrecognizedRequest marks requests the firmware drops. It is only
	// ever logged.
	ErrUnrecognizedRequest = errors.New("unrecognized request")
	// ErrTransportFailure wraps data channel errors; the session must end.
	ErrTransportFailure = errors.New("transport failure")
)

// Config tunes the emulated firmware.
type Config struct {
	Turnaround     time.Duration `help:"Pause after EP1 acknowledgements and empty EP2 reads" default:"500us" env:"NUCUSBD_TURNAROUND"`
	BufferSize     int           `help:"Session transfer buffer size in bytes" default:"4096" env:"NUCUSBD_BUFFER_SIZE"`
	LineCoding     bool          `help:"Answer CDC-ACM line coding class requests" default:"false" env:"NUCUSBD_LINE_CODING"`
	StrictBurnType bool          `help:"Drop set-burn-type requests naming an unknown medium" default:"false" env:"NUCUSBD_STRICT_BURN_TYPE"`
}

// DefaultConfig matches the timing of real hardware.
func DefaultConfig() Config {
	return Config{Turnaround: 500 * time.Microsecond, BufferSize: DefaultBufferSize}
}

// Device is the exportable NUC970 in USB boot mode.
type Device struct {
	descriptor usb.Descriptor
	cfg        Config
	logger     *slog.Logger
}

// New creates a device from its descriptor tables. desc is copied; a nil
// desc selects DefaultDescriptor.
func New(desc *usb.Descriptor, cfg Config, logger *slog.Logger) *Device {
	d := &Device{cfg: cfg, logger: logger}
	if desc != nil {
		d.descriptor = *desc
	} else {
		d.descriptor = DefaultDescriptor()
	}
	if d.cfg.BufferSize <= 0 {
		d.cfg.BufferSize = DefaultBufferSize
	}
	if d.cfg.Turnaround < 0 {
		d.cfg.Turnaround = 0
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	return d
}

func (d *Device) GetDescriptor() *usb.Descriptor { return &d.descriptor }

// NewSession implements usb.Device.
func (d *Device) NewSession(id string) usb.Session { return d.Attach(id) }

// Attach creates the per-attach state: zeroed registers and no medium.
func (d *Device) Attach(id string) *Core {
	c := &Core{
		id:      id,
		cfg:     d.cfg,
		logger:  d.logger.With("session", id),
		state:   newState(d.cfg.BufferSize),
		started: time.Now(),
	}
	c.publish()
	return c
}

// Core handles the requests of one attached host. It is not safe for
// concurrent use; only Snapshot and RequestReset may be called from other
// goroutines.
type Core struct {
	id     string
	cfg    Config
	logger *slog.Logger

	regs  Registers
	state State

	started  time.Time
	requests uint64
	bytesIn  uint64
	bytesOut uint64

	resetPending atomic.Bool
	snap         atomic.Pointer[Snapshot]
}

// Snapshot is an immutable copy of a Core taken after a request completed.
type Snapshot struct {
	ID          string
	Started     time.Time
	Requests    uint64
	BytesIn     uint64
	BytesOut    uint64
	Medium      Medium
	BulkOutSize uint32
	ByteCount   int
	LineCoding  LineCoding
	LineState   uint16
	Registers   Registers
}

func (c *Core) ID() string { return c.id }

// MediumName names the medium selected by the last set-burn-type.
func (c *Core) MediumName() string { return c.state.Medium.String() }

// Registers exposes the live register file to the owning goroutine.
func (c *Core) Registers() *Registers { return &c.regs }

// State exposes the live session state to the owning goroutine.
func (c *Core) State() *State { return &c.state }

// Snapshot returns the state published after the last request.
func (c *Core) Snapshot() *Snapshot { return c.snap.Load() }

// RequestReset re-zeroes registers and session state before the next request.
func (c *Core) RequestReset() { c.resetPending.Store(true) }

func (c *Core) begin() {
	c.requests++
	if c.resetPending.CompareAndSwap(true, false) {
		c.regs.Reset()
		c.state.reset()
		c.logger.Info("Session reset")
	}
}

func (c *Core) publish() {
	c.snap.Store(&Snapshot{
		ID:          c.id,
		Started:     c.started,
		Requests:    c.requests,
		BytesIn:     c.bytesIn,
		BytesOut:    c.bytesOut,
		Medium:      c.state.Medium,
		BulkOutSize: c.state.BulkOutSize,
		ByteCount:   c.state.byteCount,
		LineCoding:  c.state.LineCoding,
		LineState:   c.state.LineState,
		Registers:   c.regs,
	})
}
