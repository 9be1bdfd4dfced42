// Package service contains the account and session services.
package service

import (
	"context"
	"errors"
	"maps"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	pkgcrypto "github.com/and161185/udpauth/internal/crypto"
	"github.com/and161185/udpauth/internal/errs"
	"github.com/and161185/udpauth/internal/limiter"
	"github.com/and161185/udpauth/internal/model"
	"github.com/and161185/udpauth/internal/repository"
)

// AuthService defines registration and bearer-token session operations.
type AuthService interface {
	// Register creates an account if the username is free. Any failure yields false.
	Register(ctx context.Context, username, password string, extra map[string]any) bool
	// Login checks credentials and issues a new token.
	Login(ctx context.Context, username, password, remote string) (string, error)
	// Resolve returns the username bound to a live token.
	Resolve(token string) (string, error)
	// Refresh restarts the ttl of a live token.
	Refresh(token string) error
	// Logout revokes a token.
	Logout(token string) error
}

type AuthServiceImpl struct {
	users repository.UserRepository
	ttl   time.Duration
	lim   limiter.Limiter
	log   *zap.Logger
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]model.Session

	// verified against when the user does not exist, so both failure
	// paths cost one argon2 derivation
	dummyHash string
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, ttl time.Duration, lim limiter.Limiter, log *zap.Logger) *AuthServiceImpl {
	if lim == nil {
		lim = limiter.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	dummy, _ := pkgcrypto.HashPassword([]byte("dummy"))
	return &AuthServiceImpl{
		users:     users,
		ttl:       ttl,
		lim:       lim,
		log:       log,
		now:       time.Now,
		sessions:  map[string]model.Session{},
		dummyHash: dummy,
	}
}

// Register hashes the password, stamps info.register_date and stores the user.
// Extra fields land in info; they cannot override register_date.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string, extra map[string]any) bool {
	if username == "" || password == "" {
		return false
	}
	if _, err := s.users.GetByUsername(ctx, username); err == nil {
		return false
	} else if !errors.Is(err, errs.ErrNotFound) {
		s.log.Error("register lookup", zap.String("username", username), zap.Error(err))
		return false
	}

	hash, err := pkgcrypto.HashPassword([]byte(password))
	if err != nil {
		s.log.Error("hash password", zap.Error(err))
		return false
	}
	info := maps.Clone(extra)
	if info == nil {
		info = map[string]any{}
	}
	info[model.InfoRegisterDate] = s.now().Format(model.RegisterDateLayout)

	rec := &model.UserRecord{Username: username, PasswordHash: hash, Info: info}
	if _, err := s.users.AddUser(ctx, rec); err != nil {
		if !errors.Is(err, errs.ErrAlreadyExists) {
			s.log.Error("add user", zap.String("username", username), zap.Error(err))
		}
		return false
	}
	return true
}

// Login authenticates with rate limiting by (username, remote host). Unknown
// user and wrong password both yield ErrUnauthorized.
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, remote string) (string, error) {
	ipHash := limiter.HashIP(hostOf(remote))

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return "", err
	}
	if !allowed {
		return "", errs.ErrRateLimited
	}

	u, err := s.users.GetByUsername(ctx, username)
	var ok bool
	if err != nil {
		_ = pkgcrypto.VerifyPassword([]byte(password), s.dummyHash)
	} else {
		ok = pkgcrypto.VerifyPassword([]byte(password), u.PasswordHash)
	}
	if !ok {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return "", errs.ErrRateLimited
		}
		return "", errs.ErrUnauthorized
	}

	// Success: reset counters (best-effort).
	_ = s.lim.Success(ctx, username, ipHash)

	token, err := pkgcrypto.NewToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[token] = model.Session{Token: token, Username: username, IssuedAt: s.now()}
	s.mu.Unlock()
	return token, nil
}

// Resolve returns the username for token. Expired means now-issued_at >= ttl.
func (s *AuthServiceImpl) Resolve(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveLocked(token)
	if err != nil {
		return "", err
	}
	return sess.Username, nil
}

// Refresh re-stamps issued_at of a live token.
func (s *AuthServiceImpl) Refresh(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveLocked(token)
	if err != nil {
		return err
	}
	sess.IssuedAt = s.now()
	s.sessions[token] = sess
	return nil
}

// Logout deletes token. Unknown tokens report ErrInvalidToken.
func (s *AuthServiceImpl) Logout(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[token]; !ok {
		return errs.ErrInvalidToken
	}
	delete(s.sessions, token)
	return nil
}

func (s *AuthServiceImpl) liveLocked(token string) (model.Session, error) {
	sess, ok := s.sessions[token]
	if !ok || token == "" {
		return model.Session{}, errs.ErrInvalidToken
	}
	if sess.Expired(s.now(), s.ttl) {
		return model.Session{}, errs.ErrTokenExpired
	}
	return sess, nil
}

// SweepExpired removes every expired session and returns how many were dropped.
func (s *AuthServiceImpl) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for tok, sess := range s.sessions {
		if sess.Expired(now, s.ttl) {
			delete(s.sessions, tok)
			n++
		}
	}
	return n
}

// ActiveSessions returns the size of the session table, expired entries included.
func (s *AuthServiceImpl) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *AuthServiceImpl) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := s.SweepExpired(); n > 0 {
				s.log.Debug("expired sessions swept", zap.Int("count", n))
			}
		}
	}
}

// hostOf strips the port from a "host:port" peer address.
func hostOf(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
