package agi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweeney/voicebridge/internal/callerr"
	"github.com/sweeney/voicebridge/internal/logger"
	"github.com/sweeney/voicebridge/internal/metrics"
	"github.com/sweeney/voicebridge/internal/voice"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Options configures a Server. Both fields are optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Server accepts call-control connections and runs one session per
// connection. The parameter cache is shared by every session.
type Server struct {
	cache   *voice.Cache
	log     *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	stopping bool

	sweeping atomic.Bool
	wg       sync.WaitGroup
}

// NewServer creates a stopped server that resolves voice parameters through
// cache.
func NewServer(cache *voice.Cache, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cache:   cache,
		log:     logger.OrDiscard(opts.Logger).With("component", "agi"),
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start binds addr and serves in the background until Stop. A bind failure
// is returned.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: binding %s: %w", callerr.ErrConnection, addr, err)
	}
	if err := s.register(ln); err != nil {
		return err
	}
	s.log.Info("listening", "addr", ln.Addr().String())
	go s.acceptLoop(ln)
	return nil
}

// Serve accepts on ln until Stop. It returns nil after Stop and an error if
// the server was already stopped.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.register(ln); err != nil {
		return err
	}
	s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, or nil before Start or Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) register(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		ln.Close()
		return errors.New("agi server stopped")
	}
	if s.ln != nil {
		ln.Close()
		return errors.New("agi server already serving")
	}
	s.ln = ln
	s.wg.Add(1)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			s.log.Warn("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		backoff = 0

		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.handle(conn)
		s.sweep()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	d *= 2
	if d > maxAcceptBackoff {
		d = maxAcceptBackoff
	}
	return d
}

// sweep evicts stale cache entries in the background. A sweep already in
// progress makes this a no-op.
func (s *Server) sweep() {
	if s.cache == nil || !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer s.sweeping.Store(false)
		if n := s.cache.Evict(); n > 0 {
			s.log.Debug("evicted cache entries", "count", n)
		}
	}()
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	s.metrics.AGISessionStarted()
	defer s.metrics.AGISessionEnded()

	log := s.log.With("remote", conn.RemoteAddr().String())
	log.Info("session opened")
	if err := newSession(conn, s.cache, log, s.metrics).run(s.ctx); err != nil {
		if s.isStopping() {
			log.Debug("session ended by shutdown", "error", err)
			return
		}
		log.Warn("session aborted", "kind", callerr.Kind(err), "error", err)
		return
	}
	log.Info("session closed")
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// Running reports whether the listener is bound and Stop has not been
// called.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil && !s.stopping
}

// ActiveSessions returns the number of open connections.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and every open session, then waits for the
// session goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopping = true
	if s.ln != nil {
		s.ln.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info("stopped")
}
