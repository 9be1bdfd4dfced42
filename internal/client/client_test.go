package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/udpauth/internal/repository/jsonfile"
	"github.com/and161185/udpauth/internal/router"
	udpserver "github.com/and161185/udpauth/internal/server/udp"
	"github.com/and161185/udpauth/internal/service"
	"github.com/and161185/udpauth/internal/transport"
)

func startServer(t *testing.T) string {
	t.Helper()
	log := zaptest.NewLogger(t)
	store, err := jsonfile.Open(filepath.Join(t.TempDir(), "users.json"), log)
	require.NoError(t, err)
	r := router.New(service.NewAuthService(store, time.Hour, nil, log), service.NewProfileService(store), log)
	srv := udpserver.New(udpserver.Config{Addr: "127.0.0.1:0"}, r, transport.NewPool("127.0.0.1", log), store, log, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv.Addr().String()
}

// fakeServer reads datagrams and answers each one with reply after delay.
// A nil reply means stay silent.
func fakeServer(t *testing.T, delay time.Duration, reply []byte) (string, *atomic.Int32) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var got atomic.Int32
	go func() {
		buf := make([]byte, 2048)
		for {
			_, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			got.Add(1)
			if reply == nil {
				continue
			}
			time.Sleep(delay)
			_, _ = conn.WriteToUDP(reply, from)
		}
	}()
	return conn.LocalAddr().String(), &got
}

func TestClient_FullFlow(t *testing.T) {
	c, err := New(startServer(t), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	ctx := context.Background()

	resp, err := c.Register(ctx, "alice", "pw1", map[string]any{"city": "Rome"})
	require.NoError(t, err)
	require.True(t, resp.IsSuccess(), "%+v", resp)

	resp, err = c.Register(ctx, "alice", "pw1", nil)
	require.NoError(t, err)
	require.Equal(t, router.CodeRegisterError, resp.Message)

	resp, err = c.Login(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.Len(t, resp.Token, 32)
	tok := resp.Token

	resp, err = c.GetInfo(ctx, tok, "alice")
	require.NoError(t, err)
	require.Equal(t, "alice", resp.Info["username"])
	require.NotContains(t, resp.Info, "city")

	resp, err = c.UpdateInfo(ctx, tok, "alice", map[string]any{"city": "Oslo"})
	require.NoError(t, err)
	require.True(t, resp.IsSuccess(), "%+v", resp)

	resp, err = c.Refresh(ctx, tok)
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())

	resp, err = c.Logout(ctx, tok)
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())

	resp, err = c.GetInfo(ctx, tok, "alice")
	require.NoError(t, err)
	require.Equal(t, router.CodeInvalidToken, resp.Message)
}

func TestClient_TimesOutAfterRetries(t *testing.T) {
	addr, got := fakeServer(t, 0, nil)
	c, err := New(addr, WithTimeout(20*time.Millisecond), WithRetries(3))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Login(context.Background(), "a", "b")
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	require.Equal(t, int32(1), got.Load(), "request is sent once")
	require.Zero(t, c.pool.InUse())
}

func TestClient_RetryReceivesLateReply(t *testing.T) {
	addr, _ := fakeServer(t, 50*time.Millisecond, []byte(`{"status":"success"}`))
	c, err := New(addr, WithTimeout(30*time.Millisecond), WithRetries(5))
	require.NoError(t, err)

	resp, err := c.Refresh(context.Background(), "t")
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
	require.Equal(t, router.ActionRefresh, resp.Action)
}

func TestClient_BadReply(t *testing.T) {
	addr, _ := fakeServer(t, 0, []byte(`nope`))
	c, err := New(addr)
	require.NoError(t, err)

	_, err = c.Logout(context.Background(), "t")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrTimeout))
}

func TestClient_ContextCanceled(t *testing.T) {
	addr, _ := fakeServer(t, 0, nil)
	c, err := New(addr, WithWorkers(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Login(ctx, "a", "b")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNew_BadAddress(t *testing.T) {
	_, err := New("not an address")
	require.Error(t, err)
}
