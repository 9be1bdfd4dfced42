// Package udpserver owns the listening socket. It reads datagrams on one loop,
// fans them out to a bounded worker pool and replies through leased
// ephemeral sockets.
package udpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/and161185/udpauth/internal/errs"
	"github.com/and161185/udpauth/internal/metrics"
	"github.com/and161185/udpauth/internal/router"
	"github.com/and161185/udpauth/internal/transport"
)

// State is the dispatcher lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// ErrStarted is returned by Start on a server that was already started once.
var ErrStarted = errors.New("server already started")

var utf8BOM = []byte("\xef\xbb\xbf")

// Handler turns one request text into a response.
type Handler interface {
	Handle(ctx context.Context, text, remote string) router.Response
}

// Flusher persists state on shutdown.
type Flusher interface {
	Flush() error
}

// Config holds dispatcher tunables.
type Config struct {
	Addr        string
	Workers     int
	ReadTimeout time.Duration
	Grace       time.Duration
	MaxDatagram int
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	if c.MaxDatagram <= 0 {
		c.MaxDatagram = 1024
	}
}

// Server is single-use: Start once, Close once.
type Server struct {
	cfg     Config
	handler Handler
	pool    *transport.Pool
	store   Flusher
	log     *zap.Logger
	m       *metrics.Metrics

	mu      sync.Mutex
	state   State
	started bool
	conn    *net.UDPConn

	// jobCtx is canceled once the grace period is over; abandoned jobs see it
	jobCtx    context.Context
	cancelJob context.CancelFunc
	// stopCtx is the shutdown signal seen by the receive loop
	stopCtx  context.Context
	stop     context.CancelFunc
	loopDone chan struct{}
	loopErr  error // set before loopDone closes

	sem      *semaphore.Weighted
	jobs     sync.WaitGroup
	inflight atomic.Int64
	seq      atomic.Uint64
}

// New constructs a Server. store may be nil; m may be nil.
func New(cfg Config, h Handler, pool *transport.Pool, store Flusher, log *zap.Logger, m *metrics.Metrics) *Server {
	cfg.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	jobCtx, cancelJob := context.WithCancel(context.Background())
	stopCtx, stop := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		handler:   h,
		pool:      pool,
		store:     store,
		log:       log,
		m:         m,
		jobCtx:    jobCtx,
		cancelJob: cancelJob,
		stopCtx:   stopCtx,
		stop:      stop,
		loopDone:  make(chan struct{}),
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
	}
}

// Start binds the listening socket and spawns the receive loop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", s.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.conn = conn
	s.started = true
	s.state = StateRunning

	s.log.Info("udp listening",
		zap.String("addr", conn.LocalAddr().String()),
		zap.Int("workers", s.cfg.Workers),
	)
	go s.receiveLoop(conn)
	return nil
}

// Addr returns the bound listening address, or nil before Start.
func (s *Server) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// State reports the current lifecycle state. A receive loop that died on a
// socket error leaves the state at StateRunning until Close; watch Done and
// Err to detect that case.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns the number of jobs not yet finished.
func (s *Server) InFlight() int { return int(s.inflight.Load()) }

// Done is closed when the receive loop exits, either on Close or on a fatal
// socket error.
func (s *Server) Done() <-chan struct{} { return s.loopDone }

// Err returns the socket error that ended the receive loop, or nil if the loop
// is still running or stopped because of Close.
func (s *Server) Err() error {
	select {
	case <-s.loopDone:
		return s.loopErr
	default:
		return nil
	}
}

func (s *Server) shuttingDown() bool { return s.stopCtx.Err() != nil }

func (s *Server) receiveLoop(conn *net.UDPConn) {
	defer close(s.loopDone)

	buf := make([]byte, s.cfg.MaxDatagram)
	for {
		if s.shuttingDown() {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			if s.shuttingDown() {
				return
			}
			s.log.Error("set read deadline", zap.Error(err))
			s.loopErr = fmt.Errorf("set read deadline: %w", err)
			return
		}

		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.shuttingDown() {
				return
			}
			s.log.Error("receive loop stopped", zap.Error(err))
			s.loopErr = fmt.Errorf("receive: %w", err)
			return
		}
		s.m.DatagramsReceived.Inc()
		s.submit(bytes.Clone(buf[:n]), peer)
	}
}

// submit blocks while every worker is busy. It is only called from the
// receive loop, so jobs.Add never races with the Wait in Close.
func (s *Server) submit(data []byte, peer *net.UDPAddr) {
	if err := s.sem.Acquire(s.stopCtx, 1); err != nil {
		s.m.DatagramsDropped.Inc()
		return
	}
	s.jobs.Add(1)
	s.inflight.Add(1)
	s.m.InFlight.Inc()
	go s.serve(s.seq.Add(1), data, peer)
}

func (s *Server) serve(job uint64, data []byte, peer *net.UDPAddr) {
	start := time.Now()
	resp := router.Response{Status: router.StatusError, Message: router.CodeInternal}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic",
				zap.Any("reason", r),
				zap.ByteString("stack", debug.Stack()),
				zap.Uint64("worker", job),
			)
		}
		label := resp.Action
		if !router.IsAction(label) {
			label = "unknown"
		}
		s.m.Responses.WithLabelValues(label, resp.Status).Inc()
		s.m.HandleSeconds.WithLabelValues(label).Observe(time.Since(start).Seconds())
		s.log.Info("udp",
			zap.String("action", resp.Action),
			zap.String("status", resp.Status),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", peer.String()),
			zap.Uint64("worker", job),
		)
		s.m.InFlight.Dec()
		s.inflight.Add(-1)
		s.sem.Release(1)
		s.jobs.Done()
	}()

	if text, ok := decode(data); ok {
		resp = s.handler.Handle(s.jobCtx, text, peer.String())
	} else {
		s.m.EncodingErrors.Inc()
		resp = router.EncodingError()
	}
	s.reply(resp, peer)
}

// decode strips a leading BOM and requires valid UTF-8.
func decode(data []byte) (string, bool) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

// reply sends resp from a leased ephemeral socket. Failures are logged, not retried.
func (s *Server) reply(resp router.Response, peer *net.UDPAddr) {
	lease, err := s.pool.Acquire(s.jobCtx)
	if err != nil {
		s.m.ReplyFailures.Inc()
		s.log.Warn("acquire reply socket", zap.String("peer", peer.String()), zap.Error(err))
		return
	}
	defer s.pool.Release(lease)
	s.m.LeasedPorts.Set(float64(s.pool.InUse()))

	if err := lease.Send(resp.Encode(), peer); err != nil {
		s.m.ReplyFailures.Inc()
		s.log.Warn("send reply", zap.String("peer", peer.String()), zap.Error(err))
	}
}

// Close stops receiving, waits up to the grace period for in-flight jobs,
// abandons the rest and flushes the store. A second call returns errs.ErrClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return errs.ErrClosed
	}
	s.state = StateDraining
	conn := s.conn
	s.mu.Unlock()

	s.stop()
	var err error
	// a loop that already died may have lost its socket
	if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, fmt.Errorf("close listener: %w", cerr))
	}
	<-s.loopDone

	drained := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(drained)
	}()
	timer := time.NewTimer(s.cfg.Grace)
	select {
	case <-drained:
		timer.Stop()
	case <-timer.C:
		s.log.Warn("grace period elapsed, abandoning jobs", zap.Int("inflight", s.InFlight()))
	}
	s.cancelJob()

	if s.store != nil {
		if ferr := s.store.Flush(); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("flush store: %w", ferr))
		}
	}

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.log.Info("udp server stopped")
	return err
}
