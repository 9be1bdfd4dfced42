package limiter

import (
	"bytes"
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMemory(burst int) (*Memory, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(rate.Every(time.Minute), burst, 10*time.Minute)
	m.now = c.now
	return m, c
}

func TestHashIP_Stable(t *testing.T) {
	t.Parallel()
	a := HashIP("127.0.0.1")
	if !bytes.Equal(a, HashIP("127.0.0.1")) {
		t.Fatalf("hash not stable")
	}
	if bytes.Equal(a, HashIP("127.0.0.2")) {
		t.Fatalf("different ips hash equal")
	}
}

func TestMemory_BlocksAfterBurstFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, c := newTestMemory(3)
	ip := HashIP("10.0.0.1")

	for i := 0; i < 2; i++ {
		blocked, _, err := m.Failure(ctx, "alice", ip)
		if err != nil || blocked {
			t.Fatalf("failure %d: blocked=%v err=%v", i, blocked, err)
		}
	}
	blocked, retry, err := m.Failure(ctx, "alice", ip)
	if err != nil || !blocked || retry != 10*time.Minute {
		t.Fatalf("third failure: blocked=%v retry=%v err=%v", blocked, retry, err)
	}

	ok, after, _ := m.Allow(ctx, "alice", ip)
	if ok || after <= 0 {
		t.Fatalf("want blocked, got ok=%v after=%v", ok, after)
	}

	// other pairs are unaffected
	if ok, _, _ := m.Allow(ctx, "alice", HashIP("10.0.0.2")); !ok {
		t.Fatalf("other ip must be allowed")
	}
	if ok, _, _ := m.Allow(ctx, "bob", ip); !ok {
		t.Fatalf("other user must be allowed")
	}

	c.advance(11 * time.Minute)
	if ok, _, _ := m.Allow(ctx, "alice", ip); !ok {
		t.Fatalf("block should have expired")
	}
}

func TestMemory_SuccessResets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := newTestMemory(2)
	ip := HashIP("10.0.0.1")

	_, _, _ = m.Failure(ctx, "alice", ip)
	if err := m.Success(ctx, "alice", ip); err != nil {
		t.Fatalf("Success: %v", err)
	}
	if m.Len() != 0 {
		t.Fatalf("Len=%d after success", m.Len())
	}
	if blocked, _, _ := m.Failure(ctx, "alice", ip); blocked {
		t.Fatalf("counter was not reset")
	}
}

func TestMemory_Prune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, c := newTestMemory(1)

	_, _, _ = m.Failure(ctx, "blocked", HashIP("a"))
	m.burst = 5 // next pair gets a roomier bucket and stays unblocked
	_, _, _ = m.Failure(ctx, "idle", HashIP("b"))

	c.advance(5 * time.Minute)
	if n := m.Prune(time.Minute); n != 1 {
		t.Fatalf("pruned %d, want 1 (only the idle, unblocked pair)", n)
	}
	c.advance(6 * time.Minute)
	if n := m.Prune(time.Minute); n != 1 {
		t.Fatalf("pruned %d after block expiry, want 1", n)
	}
	if m.Len() != 0 {
		t.Fatalf("Len=%d, want 0", m.Len())
	}
}
