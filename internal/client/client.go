// Package client is the request/response side of the UDP protocol.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/and161185/udpauth/internal/router"
	"github.com/and161185/udpauth/internal/transport"
)

// ErrTimeout is returned when no reply arrived within every receive attempt.
var ErrTimeout = errors.New("no reply from server")

const maxReply = 64 * 1024

// Client sends one request per call from a leased ephemeral socket.
type Client struct {
	server  *net.UDPAddr
	pool    *transport.Pool
	sem     *semaphore.Weighted
	timeout time.Duration
	retries int
	log     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt receive timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

// WithRetries sets how many receive attempts a call makes.
func WithRetries(n int) Option { return func(c *Client) { c.retries = n } }

// WithWorkers bounds the number of concurrent calls.
func WithWorkers(n int) Option {
	return func(c *Client) { c.sem = semaphore.NewWeighted(int64(n)) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.log = l } }

// WithPool shares a transport pool between clients.
func WithPool(p *transport.Pool) Option { return func(c *Client) { c.pool = p } }

// New constructs a Client for the server at addr.
func New(addr string, opts ...Option) (*Client, error) {
	server, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	c := &Client{
		server:  server,
		sem:     semaphore.NewWeighted(4),
		timeout: 2 * time.Second,
		retries: 3,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retries < 1 {
		c.retries = 1
	}
	if c.pool == nil {
		c.pool = transport.NewPool("", c.log)
	}
	return c, nil
}

// Do sends one request and decodes the reply. The request is sent once; a
// receive timeout is retried up to the configured count without resending.
func (c *Client) Do(ctx context.Context, action string, params map[string]any) (router.Response, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return router.Response{}, err
	}
	defer c.sem.Release(1)

	raw, err := json.Marshal(router.Request{Action: action, Params: params})
	if err != nil {
		return router.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	lease, err := c.pool.Acquire(ctx)
	if err != nil {
		return router.Response{}, err
	}
	defer c.pool.Release(lease)

	if err := lease.Send(raw, c.server); err != nil {
		return router.Response{}, fmt.Errorf("send: %w", err)
	}

	buf := make([]byte, maxReply)
	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return router.Response{}, err
		}
		deadline := time.Now().Add(c.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := lease.Conn.SetReadDeadline(deadline); err != nil {
			return router.Response{}, err
		}
		n, _, err := lease.Conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.log.Debug("receive timeout", zap.String("action", action), zap.Int("attempt", attempt))
				continue
			}
			return router.Response{}, fmt.Errorf("receive: %w", err)
		}

		var resp router.Response
		if err := json.Unmarshal(buf[:n], &resp); err != nil {
			return router.Response{}, fmt.Errorf("decode reply: %w", err)
		}
		resp.Action = action
		return resp, nil
	}
	return router.Response{}, ErrTimeout
}

// Register creates an account. Extra fields are stored in the user's info.
func (c *Client) Register(ctx context.Context, username, password string, extra map[string]any) (router.Response, error) {
	params := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		params[k] = v
	}
	params["username"] = username
	params["password"] = password
	return c.Do(ctx, router.ActionRegister, params)
}

// Login returns the reply carrying the session token on success.
func (c *Client) Login(ctx context.Context, username, password string) (router.Response, error) {
	return c.Do(ctx, router.ActionLogin, map[string]any{"username": username, "password": password})
}

// GetInfo fetches the public profile of username.
func (c *Client) GetInfo(ctx context.Context, token, username string) (router.Response, error) {
	return c.Do(ctx, router.ActionGetInfo, map[string]any{"token": token, "username": username})
}

// UpdateInfo merges fields into the caller's own profile.
func (c *Client) UpdateInfo(ctx context.Context, token, username string, fields map[string]any) (router.Response, error) {
	return c.Do(ctx, router.ActionUpdateInfo, map[string]any{"token": token, "username": username, "info": fields})
}

func (c *Client) Refresh(ctx context.Context, token string) (router.Response, error) {
	return c.Do(ctx, router.ActionRefresh, map[string]any{"token": token})
}

func (c *Client) Logout(ctx context.Context, token string) (router.Response, error) {
	return c.Do(ctx, router.ActionLogout, map[string]any{"token": token})
}
