// Package proxy forwards USB/IP connections to an upstream server and logs
// every frame it sees in both directions.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/Alia5/nucusbd/internal/log"
)

type Server struct {
	listenAddr   string
	upstreamAddr string
	timeout      time.Duration
	logger       *slog.Logger
	rawLogger    log.RawLogger

	mu     sync.Mutex
	ln     net.Listener
	links  map[*link]struct{}
	closed bool
	wg     sync.WaitGroup
	ready  chan struct{}
}

// link is one proxied client and its upstream connection.
type link struct {
	client   net.Conn
	upstream net.Conn
	unblock  sync.Once
}

func (l *link) close() {
	_ = l.client.Close()
	_ = l.upstream.Close()
}

// clearDeadlines lifts the handshake deadline once either side has spoken.
func (l *link) clearDeadlines() {
	l.unblock.Do(func() {
		_ = l.client.SetDeadline(time.Time{})
		_ = l.upstream.SetDeadline(time.Time{})
	})
}

// stream is one direction of a link.
type stream struct {
	src, dst       net.Conn
	parser         *Parser
	clientToServer bool
}

// New creates a proxy. timeout bounds the upstream dial and the wait for
// the first frame; a nil rawLogger disables the hex dump.
func New(listenAddr, upstreamAddr string, timeout time.Duration, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Server{
		listenAddr:   listenAddr,
		upstreamAddr: upstreamAddr,
		timeout:      timeout,
		logger:       logger,
		rawLogger:    rawLogger,
		links:        make(map[*link]struct{}),
		ready:        make(chan struct{}),
	}
}

// ListenAndServe accepts clients until Close is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)
	s.logger.Info("USB-IP proxy listening", "addr", ln.Addr().String(), "upstream", s.upstreamAddr)

	for {
		client, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("Proxy server stopped")
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = client.Close()
			return nil
		}
		s.wg.Add(1)
		s.mu.Unlock()
		s.logger.Info("Client connected", "remote", client.RemoteAddr())
		go s.serve(client)
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting, drops every active link and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for l := range s.links {
		l.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) track(l *link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.links[l] = struct{}{}
	return true
}

func (s *Server) untrack(l *link) {
	s.mu.Lock()
	delete(s.links, l)
	s.mu.Unlock()
}

func (s *Server) serve(client net.Conn) {
	defer s.wg.Done()

	upstream, err := net.DialTimeout("tcp", s.upstreamAddr, s.timeout)
	if err != nil {
		s.logger.Error("Failed to connect to upstream", "upstream", s.upstreamAddr, "error", err)
		_ = client.Close()
		return
	}
	l := &link{client: client, upstream: upstream}
	if !s.track(l) {
		l.close()
		return
	}
	defer s.untrack(l)
	defer l.close()

	s.logger.Info("Proxying connection", "client", client.RemoteAddr(), "upstream", upstream.RemoteAddr())
	if s.timeout > 0 {
		deadline := time.Now().Add(s.timeout)
		if err := client.SetDeadline(deadline); err != nil {
			s.logger.Error("Failed to set client deadline", "error", err)
			return
		}
		if err := upstream.SetDeadline(deadline); err != nil {
			s.logger.Error("Failed to set upstream deadline", "error", err)
			return
		}
	}

	tracker := newURBTracker()
	streams := []*stream{
		{src: client, dst: upstream, parser: NewParser(s.logger, tracker, true), clientToServer: true},
		{src: upstream, dst: client, parser: NewParser(s.logger, tracker, false)},
	}
	totals := make([]int64, len(streams))

	var wg sync.WaitGroup
	for i, st := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.pump(l, st)
			totals[i] = n
			if !isExpectedDisconnect(err) {
				s.logger.Debug("Proxy stream error", "dir", dirString(st.clientToServer), "error", err)
			}
			halfClose(st.dst, true)
			halfClose(st.src, false)
		}()
	}
	wg.Wait()

	s.logger.Info("Connection closed",
		"client", client.RemoteAddr(),
		"client_bytes", totals[0],
		"upstream_bytes", totals[1])
}

// pump copies st until EOF, feeding every chunk to the raw logger and the
// frame parser before forwarding it.
func (s *Server) pump(l *link, st *stream) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := st.src.Read(buf)
		if n > 0 {
			l.clearDeadlines()
			s.rawLogger.Log(st.clientToServer, buf[:n])
			st.parser.Parse(buf[:n])
			if _, err := st.dst.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return total, nil
			}
			return total, rerr
		}
	}
}

func halfClose(conn net.Conn, write bool) {
	if tc, ok := conn.(*net.TCPConn); ok {
		if write {
			_ = tc.CloseWrite()
		} else {
			_ = tc.CloseRead()
		}
	}
}

func isExpectedDisconnect(err error) bool {
	return err == nil ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
