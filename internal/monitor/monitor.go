// Package monitor serves a read-only HTTP view of the attached sessions.
package monitor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/Alia5/nucusbd/device/nuc970"
	srvusb "github.com/Alia5/nucusbd/internal/server/usb"
)

// Config configures the monitor listener. An empty address disables it.
type Config struct {
	Addr string `help:"Monitor HTTP listen address, empty to disable" default:"" env:"NUCUSBD_MONITOR_ADDR"`
}

// SessionSource lists attached sessions.
type SessionSource interface {
	Sessions() []*srvusb.Session
	Session(id string) *srvusb.Session
}

// snapshotter is implemented by NUC970 sessions.
type snapshotter interface {
	Snapshot() *nuc970.Snapshot
	RequestReset()
}

type Monitor struct {
	src    SessionSource
	logger *slog.Logger
	srv    *http.Server
	ln     net.Listener
}

func New(src SessionSource, logger *slog.Logger) *Monitor {
	return &Monitor{src: src, logger: logger}
}

// Router returns the API routes.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/sessions", m.listSessions).Methods(http.MethodGet)
	r.HandleFunc("/api/session/{id}", m.sessionDetails).Methods(http.MethodGet)
	r.HandleFunc("/api/session/{id}/registers", m.sessionRegisters).Methods(http.MethodGet)
	r.HandleFunc("/api/session/{id}/reset", m.resetSession).Methods(http.MethodPost)
	r.HandleFunc("/api/resource", m.listResources).Methods(http.MethodGet)
	return r
}

// Start binds addr and serves in the background.
func (m *Monitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.ln = ln
	m.srv = &http.Server{Handler: m.Router(), ReadHeaderTimeout: 5 * time.Second}
	m.logger.Info("Monitor listening", "url", "http://"+ln.Addr().String()+"/api/sessions")
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Monitor stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (m *Monitor) Addr() net.Addr {
	if m.ln == nil {
		return nil
	}
	return m.ln.Addr()
}

func (m *Monitor) Close() error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Close()
}

type sessionRsp struct {
	ID       string    `json:"id"`
	BusID    string    `json:"busid"`
	Remote   string    `json:"remote"`
	Started  time.Time `json:"started"`
	URBs     uint64    `json:"urbs"`
	BytesIn  uint64    `json:"bytes_in"`
	BytesOut uint64    `json:"bytes_out"`

	Medium      *nuc970.Medium `json:"medium,omitempty"`
	Requests    uint64         `json:"requests,omitempty"`
	BulkOutSize uint32         `json:"bulk_out_size,omitempty"`
	ByteCount   int            `json:"byte_count,omitempty"`
	LineCoding  string         `json:"line_coding,omitempty"`
	LineState   uint16         `json:"line_state,omitempty"`
}

func describe(s *srvusb.Session) sessionRsp {
	rsp := sessionRsp{
		ID:       s.ID,
		BusID:    s.BusID,
		Remote:   s.Remote,
		Started:  s.Started,
		URBs:     s.URBs(),
		BytesIn:  s.BytesIn(),
		BytesOut: s.BytesOut(),
	}
	if snap := snapshotOf(s); snap != nil {
		medium := snap.Medium
		rsp.Medium = &medium
		rsp.Requests = snap.Requests
		rsp.BulkOutSize = snap.BulkOutSize
		rsp.ByteCount = snap.ByteCount
		rsp.LineCoding = snap.LineCoding.String()
		rsp.LineState = snap.LineState
	}
	return rsp
}

func snapshotOf(s *srvusb.Session) *nuc970.Snapshot {
	if sn, ok := s.Handler.(snapshotter); ok {
		return sn.Snapshot()
	}
	return nil
}

func (m *Monitor) listSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := m.src.Sessions()
	out := make([]sessionRsp, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, describe(s))
	}
	m.writeJSON(w, out)
}

func (m *Monitor) findSessionOr404(w http.ResponseWriter, r *http.Request) *srvusb.Session {
	id := mux.Vars(r)["id"]
	s := m.src.Session(id)
	if s == nil {
		http.Error(w, "session not found: "+id, http.StatusNotFound)
	}
	return s
}

func (m *Monitor) sessionDetails(w http.ResponseWriter, r *http.Request) {
	s := m.findSessionOr404(w, r)
	if s == nil {
		return
	}
	m.writeJSON(w, describe(s))
}

func (m *Monitor) sessionRegisters(w http.ResponseWriter, r *http.Request) {
	s := m.findSessionOr404(w, r)
	if s == nil {
		return
	}
	snap := snapshotOf(s)
	if snap == nil {
		http.Error(w, "session has no register file", http.StatusNotImplemented)
		return
	}

	regs := snap.Registers
	serializer := goseth.NewSerializer()
	serializer.SetRoot(&regs)
	serializer.SetMaxDepth(2)
	w.Header().Set("Content-Type", "application/json")
	if err := serializer.Serialize(w); err != nil {
		m.logger.Warn("Failed to serialize registers", "session", s.ID, "error", err)
	}
}

func (m *Monitor) resetSession(w http.ResponseWriter, r *http.Request) {
	s := m.findSessionOr404(w, r)
	if s == nil {
		return
	}
	sn, ok := s.Handler.(snapshotter)
	if !ok {
		http.Error(w, "session cannot be reset", http.StatusNotImplemented)
		return
	}
	sn.RequestReset()
	m.logger.Info("Session reset requested", "session", s.ID)
	w.WriteHeader(http.StatusAccepted)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cpuPercent, err := proc.CPUPercent()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.writeJSON(w, resourceRsp{CPUPercent: cpuPercent, MemorySize: mem.RSS})
}

func (m *Monitor) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(b); err != nil {
		m.logger.Debug("Monitor write failed", "error", err)
	}
}
