package limiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Memory is an in-process limiter. Each (username, ip) pair owns a token
// bucket that failed logins drain; an empty bucket blocks the pair for blockFor.
type Memory struct {
	limit    rate.Limit
	burst    int
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	bucket       *rate.Limiter
	blockedUntil time.Time
	lastSeen     time.Time
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs a limiter allowing burst consecutive failures that
// refill at limit per second.
func NewMemory(limit rate.Limit, burst int, blockFor time.Duration) *Memory {
	if burst < 1 {
		burst = 1
	}
	return &Memory{
		limit:    limit,
		burst:    burst,
		blockFor: blockFor,
		now:      time.Now,
		entries:  map[string]*entry{},
	}
}

// HashIP returns a stable hash for an IP string to avoid storing raw addresses.
func HashIP(ip string) []byte {
	h := sha256.Sum256([]byte(ip))
	return h[:]
}

func key(username string, ipHash []byte) string {
	return username + "\x00" + hex.EncodeToString(ipHash)
}

// Allow reports whether login is currently allowed and a retry-after duration.
func (m *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	now := m.now()
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success forgets the pair.
func (m *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	delete(m.entries, key(username, ipHash))
	m.mu.Unlock()
	return nil
}

// Failure records a failed attempt and blocks the pair once its bucket is empty.
func (m *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := key(username, ipHash)
	e, ok := m.entries[k]
	if !ok {
		e = &entry{bucket: rate.NewLimiter(m.limit, m.burst)}
		m.entries[k] = e
	}
	e.lastSeen = now
	if e.bucket.AllowN(now, 1) && e.bucket.TokensAt(now) >= 1 {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.blockFor)
	return true, m.blockFor, nil
}

// Prune drops pairs idle for longer than idle that are not blocked.
func (m *Memory) Prune(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if e.blockedUntil.After(now) || now.Sub(e.lastSeen) < idle {
			continue
		}
		delete(m.entries, k)
		n++
	}
	return n
}

// Len returns the number of tracked pairs.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
