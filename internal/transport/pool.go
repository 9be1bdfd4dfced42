// Package transport hands out short-lived UDP sockets bound to OS-assigned
// local ports. Replies leave through these sockets so the listening socket
// stays dedicated to receiving.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/udpauth/internal/errs"
)

const defaultMaxAttempts = 64

type listenFunc func(network string, laddr *net.UDPAddr) (*net.UDPConn, error)

// Pool tracks ports currently leased by this process.
type Pool struct {
	host        string
	maxAttempts int
	log         *zap.Logger
	listen      listenFunc

	mu    sync.Mutex
	inUse map[int]struct{}
}

// NewPool constructs a pool binding on host ("" or "0.0.0.0" for any).
func NewPool(host string, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		host:        host,
		maxAttempts: defaultMaxAttempts,
		log:         log,
		listen:      net.ListenUDP,
		inUse:       map[int]struct{}{},
	}
}

// Lease is a socket plus the port it holds. It must be released exactly
// once, typically via defer right after Acquire.
type Lease struct {
	Conn *net.UDPConn
	Port int

	pool *Pool
	once sync.Once
}

// Acquire binds a new socket to port 0 and retries while the OS hands back a
// port this process still records as leased.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	laddr := &net.UDPAddr{IP: net.ParseIP(p.host)}
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := p.listen("udp", laddr)
		if err != nil {
			return nil, fmt.Errorf("bind ephemeral port: %w", err)
		}
		port := conn.LocalAddr().(*net.UDPAddr).Port

		p.mu.Lock()
		if _, taken := p.inUse[port]; taken {
			p.mu.Unlock()
			_ = conn.Close()
			p.log.Debug("ephemeral port collision", zap.Int("port", port), zap.Int("attempt", attempt))
			continue
		}
		p.inUse[port] = struct{}{}
		p.mu.Unlock()

		return &Lease{Conn: conn, Port: port, pool: p}, nil
	}
	return nil, errs.ErrPortsExhausted
}

// Release closes the lease socket and frees its port. Safe to call more than once.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// close and forget under one lock so a concurrent Acquire that is
		// handed the same port by the OS sees it as taken until both happen
		if err := l.Conn.Close(); err != nil {
			p.log.Debug("close ephemeral socket", zap.Int("port", l.Port), zap.Error(err))
		}
		delete(p.inUse, l.Port)
	})
}

// InUse returns the number of live leases.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Close releases the lease back to its pool.
func (l *Lease) Close() error {
	l.pool.Release(l)
	return nil
}

// Send writes b to addr through the leased socket.
func (l *Lease) Send(b []byte, addr *net.UDPAddr) error {
	_, err := l.Conn.WriteToUDP(b, addr)
	return err
}
