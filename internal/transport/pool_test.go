package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/and161185/udpauth/internal/errs"
)

func TestPool_AcquireRelease(t *testing.T) {
	t.Parallel()

	p := NewPool("127.0.0.1", zaptest.NewLogger(t))
	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l.Port == 0 {
		t.Fatalf("lease without port")
	}
	if p.InUse() != 1 {
		t.Fatalf("InUse=%d, want 1", p.InUse())
	}

	p.Release(l)
	_ = l.Close() // second release is a no-op
	if p.InUse() != 0 {
		t.Fatalf("InUse=%d after release, want 0", p.InUse())
	}
	if err := l.Send([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}); err == nil {
		t.Fatalf("send on released lease must fail")
	}
}

func TestPool_NoTwoLiveLeasesShareAPort(t *testing.T) {
	t.Parallel()

	p := NewPool("127.0.0.1", nil)

	var (
		mu   sync.Mutex
		live = map[int]bool{}
		dup  bool
		wg   sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l, err := p.Acquire(context.Background())
				if err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				mu.Lock()
				if live[l.Port] {
					dup = true
				}
				live[l.Port] = true
				mu.Unlock()

				mu.Lock()
				delete(live, l.Port)
				mu.Unlock()
				p.Release(l)
			}
		}()
	}
	wg.Wait()

	if dup {
		t.Fatalf("two live leases shared a port")
	}
	if p.InUse() != 0 {
		t.Fatalf("InUse=%d, want 0", p.InUse())
	}
}

func TestPool_RetriesOnRecordedPort(t *testing.T) {
	t.Parallel()

	p := NewPool("127.0.0.1", zaptest.NewLogger(t))

	var first *net.UDPConn
	calls := 0
	p.listen = func(network string, laddr *net.UDPAddr) (*net.UDPConn, error) {
		calls++
		c, err := net.ListenUDP(network, laddr)
		if err != nil {
			return nil, err
		}
		if calls == 1 {
			// pretend this port is still leased by someone else
			first = c
			p.mu.Lock()
			p.inUse[c.LocalAddr().(*net.UDPAddr).Port] = struct{}{}
			p.mu.Unlock()
		}
		return c, nil
	}

	l, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(l)

	if calls < 2 {
		t.Fatalf("expected a retry, listen called %d times", calls)
	}
	firstPort := first.LocalAddr().(*net.UDPAddr).Port
	if l.Port == firstPort {
		t.Fatalf("lease reused recorded port %d", firstPort)
	}
	if _, err := first.WriteToUDP([]byte("x"), l.Conn.LocalAddr().(*net.UDPAddr)); err == nil {
		t.Fatalf("colliding socket should have been closed")
	}
}

func TestPool_Exhausted(t *testing.T) {
	t.Parallel()

	p := NewPool("127.0.0.1", nil)
	p.maxAttempts = 3
	p.listen = func(network string, laddr *net.UDPAddr) (*net.UDPConn, error) {
		c, err := net.ListenUDP(network, laddr)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.inUse[c.LocalAddr().(*net.UDPAddr).Port] = struct{}{}
		p.mu.Unlock()
		return c, nil
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, errs.ErrPortsExhausted) {
		t.Fatalf("want ErrPortsExhausted, got %v", err)
	}
}

func TestPool_CanceledContext(t *testing.T) {
	t.Parallel()

	p := NewPool("127.0.0.1", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if p.InUse() != 0 {
		t.Fatalf("InUse=%d, want 0", p.InUse())
	}
}
