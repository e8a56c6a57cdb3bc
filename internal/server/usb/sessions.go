package usb

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/Alia5/nucusbd/usb"
	"github.com/Alia5/nucusbd/usbip"
	"github.com/rs/xid"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Session is one attached host. Handler is owned by the connection
// goroutine; other goroutines may only read the counters and the metadata.
type Session struct {
	ID      string
	BusID   string
	Remote  string
	Started time.Time
	Device  usb.Device
	Handler usb.Session

	urbs     atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

func (s *Session) URBs() uint64     { return s.urbs.Load() }
func (s *Session) BytesIn() uint64  { return s.bytesIn.Load() }
func (s *Session) BytesOut() uint64 { return s.bytesOut.Load() }

func (s *Session) count(in, out int) {
	s.urbs.Add(1)
	s.bytesIn.Add(uint64(in))
	s.bytesOut.Add(uint64(out))
}

func (s *Server) openSession(dev usb.Device, meta usbip.ExportMeta, remote string) *Session {
	id := xid.New().String()
	sess := &Session{
		ID:      id,
		BusID:   meta.BusIDString(),
		Remote:  remote,
		Started: time.Now(),
		Device:  dev,
		Handler: dev.NewSession(id),
	}
	s.sessionsMu.Lock()
	s.sessions[id] = sess
	s.sessionsMu.Unlock()
	s.logger.Info("Session attached", "session", id, "busid", sess.BusID, "remote", remote)
	return sess
}

func (s *Server) closeSession(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess.ID)
	s.sessionsMu.Unlock()

	p := message.NewPrinter(language.AmericanEnglish)
	s.logger.Info("Session detached",
		"session", sess.ID,
		"busid", sess.BusID,
		"summary", p.Sprintf("%d URBs, %d bytes in, %d bytes out in %v",
			sess.URBs(), sess.BytesIn(), sess.BytesOut(), time.Since(sess.Started).Round(time.Millisecond)))
	if err := s.recorder.Flush(); err != nil {
		s.logger.Warn("Failed to flush trace", "error", err)
	}
}

// Sessions returns the attached sessions, oldest first.
func (s *Server) Sessions() []*Session {
	s.sessionsMu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.sessionsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Session returns the attached session with id, or nil.
func (s *Server) Session(id string) *Session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions[id]
}
