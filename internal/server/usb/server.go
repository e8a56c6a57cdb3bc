package usb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/nucusbd/internal/log"
	"github.com/Alia5/nucusbd/internal/trace"
	"github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
	"github.com/Alia5/nucusbd/virtualbus"
)

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	recorder  trace.Recorder

	busses  map[uint32]*virtualbus.VirtualBus
	busesMu sync.Mutex

	sessions   map[string]*Session
	sessionsMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

// mediumReporter is implemented by sessions that track a target medium.
type mediumReporter interface {
	MediumName() string
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger, recorder trace.Recorder) *Server {
	if recorder == nil {
		recorder = trace.Nop()
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		recorder:  recorder,
		busses:    make(map[uint32]*virtualbus.VirtualBus),
		sessions:  make(map[string]*Session),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already present,
// an error is returned.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters a bus from the server and ends the sessions of its
// devices.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	if !ok {
		s.busesMu.Unlock()
		return fmt.Errorf("bus %d not found", busID)
	}
	delete(s.busses, busID)
	s.busesMu.Unlock()

	if n := len(bus.Devices()); n > 0 {
		s.logger.Warn(fmt.Sprintf("Removing non-empty bus %d with %d device(s) attached", busID, n))
	}
	return bus.Close()
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || strings.Contains(strings.ToLower(err.Error()), "use of closed network connection") {
				s.logger.Info("USBIP server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		go func() {
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops the USB server by closing its listener.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Addr returns the bound address, or nil before the server is ready.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// GetListenPort returns the port the server listens on.
func (s *Server) GetListenPort() uint16 {
	addr := s.config.Addr
	if a := s.Addr(); a != nil {
		addr = a.String()
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, s: s}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	// Peek first 8 bytes to determine management op or URB stream.
	var hdrBuf [usbip.MgmtHeaderSize]byte
	if _, err := io.ReadFull(conn, hdrBuf[:]); err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	hdr := usbip.DecodeMgmtHeader(hdrBuf[:])

	if hdr.Version == usbip.Version {
		switch hdr.Command {
		case usbip.OpReqDevlist:
			s.logger.Info("OP_REQ_DEVLIST")
			return s.handleDevList(conn)
		case usbip.OpReqImport:
			s.logger.Info("OP_REQ_IMPORT")
			m, err := s.handleImport(conn)
			if err != nil {
				return fmt.Errorf("handle import: %w", err)
			}
			return s.handleUrbStream(conn, m)
		}
	}

	return fmt.Errorf("protocol violation: client sent URB data without OP_REQ_IMPORT")
}

func exportedDevice(m virtualbus.DeviceMeta) usbip.ExportedDevice {
	desc := m.Dev.GetDescriptor()
	exp := usbip.ExportedDevice{
		ExportMeta:          m.Meta,
		Speed:               desc.Device.Speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: desc.Config.BConfigurationValue,
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (s *Server) handleDevList(conn net.Conn) error {
	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	_ = rep.Write(&buf)
	metas := s.getAllDeviceMetas()
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(metas))}
	_ = dlh.Write(&buf)
	for _, m := range metas {
		exp := exportedDevice(m)
		_ = exp.WriteDevlist(&buf)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func (s *Server) handleImport(conn net.Conn) (virtualbus.DeviceMeta, error) {
	var rest [usbip.BusIDSize]byte
	if _, err := io.ReadFull(conn, rest[:]); err != nil {
		return virtualbus.DeviceMeta{}, fmt.Errorf("read import busid: %w", err)
	}
	reqBus := string(rest[:])
	if i := bytes.IndexByte(rest[:], 0); i >= 0 {
		reqBus = string(rest[:i])
	}
	s.logger.Info("Import request", "busid", reqBus)

	var buf bytes.Buffer
	for _, m := range s.getAllDeviceMetas() {
		if m.Meta.BusIDString() != reqBus {
			continue
		}
		rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
		_ = rep.Write(&buf)
		exp := exportedDevice(m)
		_ = exp.WriteImport(&buf)
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return m, fmt.Errorf("write import reply failed: %w", err)
		}
		return m, nil
	}

	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}
	_ = rep.Write(&buf)
	_, _ = conn.Write(buf.Bytes())
	return virtualbus.DeviceMeta{}, fmt.Errorf("no device matches busid %s", reqBus)
}

// getAllDeviceMetas aggregates device metas from all registered busses.
func (s *Server) getAllDeviceMetas() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := []virtualbus.DeviceMeta{}
	for _, b := range s.busses {
		out = append(out, b.GetAllDeviceMetas()...)
	}
	return out
}

// deviceContext finds the lifecycle context of dev on any bus.
func (s *Server) deviceContext(dev usb.Device) context.Context {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	for _, b := range s.busses {
		if ctx := b.GetDeviceContext(dev); ctx != nil {
			return ctx
		}
	}
	return nil
}

type logConn struct {
	net.Conn
	s *Server
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.s.rawLogger != nil {
		lc.s.rawLogger.Log(false, p[:n])
	}
	return n, err
}

func (s *Server) handleUrbStream(conn net.Conn, m virtualbus.DeviceMeta) error {
	_ = conn.SetDeadline(time.Time{})

	ctx := s.deviceContext(m.Dev)
	if ctx == nil {
		return fmt.Errorf("device does not belong to any bus")
	}

	sess := s.openSession(m.Dev, m.Meta, conn.RemoteAddr().String())
	defer s.closeSession(sess)

	// Removing the device unblocks the pending header read.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	enum := newEnumState()
	desc := m.Dev.GetDescriptor()
	for {
		hdr, err := usbip.ReadURBHeader(conn)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Device removed, closing URB stream", "session", sess.ID)
				return nil
			}
			return fmt.Errorf("read URB header: %w", err)
		}

		basic := hdr.Basic()
		switch basic.Command {
		case usbip.CmdUnlinkCode:
			unlink, err := hdr.Unlink()
			if err != nil {
				return err
			}
			s.logger.Debug("USBIP_CMD_UNLINK", "seq", basic.Seqnum, "unlink", unlink.UnlinkSeqnum)
			ret := usbip.RetUnlink{
				Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: basic.Seqnum},
				Status: usbip.StatusConnReset,
			}
			if err := ret.Write(conn); err != nil {
				return fmt.Errorf("write RET_UNLINK: %w", err)
			}
			continue
		case usbip.CmdSubmitCode:
		default:
			return fmt.Errorf("unsupported cmd %d (seq=%d, devid=%d)", basic.Command, basic.Seqnum, basic.Devid)
		}

		submit, err := hdr.Submit()
		if err != nil {
			return err
		}
		if err := s.processSubmit(sess, enum, desc, conn, submit); err != nil {
			return err
		}
	}
}

// processSubmit routes one CMD_SUBMIT: standard EP0 requests are answered
// here, everything else goes to the device session. A reply of kind none
// leaves the URB unanswered.
func (s *Server) processSubmit(sess *Session, enum *enumState, desc *usb.Descriptor, conn io.ReadWriter, submit usbip.CmdSubmit) error {
	t := newURBTransport(conn, submit)
	ep := submit.Basic.Ep
	dir := usb.Direction(submit.Basic.Dir)
	entry := trace.Entry{
		Session:     sess.ID,
		Seq:         submit.Basic.Seqnum,
		Time:        time.Now(),
		Ep:          ep,
		Dir:         dir.String(),
		TransferLen: submit.TransferBufferLen,
	}

	var reply usb.Reply
	var err error
	if ep == 0 {
		req, perr := usb.ParseSetup(submit.Setup[:])
		if perr != nil {
			return perr
		}
		entry.RequestType, entry.Request = req.RequestType, req.Request
		entry.Value, entry.Index, entry.Length = req.Value, req.Index, req.Length
		s.logger.Debug("Control request", "session", sess.ID, "seq", submit.Basic.Seqnum, "setup", req.String())

		var ok bool
		if reply, ok = handleStandard(desc, enum, req); !ok {
			reply, err = sess.Handler.HandleControl(t, req)
		}
	} else {
		reply, err = sess.Handler.HandleData(t, ep, dir, submit.TransferBufferLen)
	}
	if err != nil {
		return fmt.Errorf("seq %d ep %d: %w", submit.Basic.Seqnum, ep, err)
	}
	if err := t.drain(); err != nil {
		return err
	}

	if reply.Kind != usb.ReplyNone {
		if err := t.SendReply(reply); err != nil {
			return err
		}
	} else {
		s.logger.Debug("URB left unanswered", "session", sess.ID, "seq", submit.Basic.Seqnum, "ep", ep, "dir", dir)
		if reply.Turnaround > 0 {
			time.Sleep(reply.Turnaround)
		}
	}

	sess.count(t.consumed, t.sent)
	entry.ReplyKind = reply.Kind.String()
	entry.ReplyLen = t.sent
	if mr, ok := sess.Handler.(mediumReporter); ok {
		entry.Medium = mr.MediumName()
	}
	s.recorder.Record(entry)
	return nil
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error). We treat those as normal client disconnects and log
// them at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	// Fallback to checking the message for platform-specific strings.
	e := strings.ToLower(err.Error())
	if strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed") || strings.Contains(e, "an existing connection was forcibly closed") || strings.Contains(e, "aborted") {
		return true
	}
	return false
}
