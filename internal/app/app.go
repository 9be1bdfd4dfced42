// Package app wires the store, services, router and dispatcher together and
// owns their background tasks.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/and161185/udpauth/internal/config"
	"github.com/and161185/udpauth/internal/errs"
	"github.com/and161185/udpauth/internal/limiter"
	"github.com/and161185/udpauth/internal/metrics"
	"github.com/and161185/udpauth/internal/repository/jsonfile"
	"github.com/and161185/udpauth/internal/router"
	udpserver "github.com/and161185/udpauth/internal/server/udp"
	"github.com/and161185/udpauth/internal/service"
	"github.com/and161185/udpauth/internal/transport"
)

// ErrReceiveLoop is returned by Run when the listening socket failed while
// the server was not shutting down.
var ErrReceiveLoop = errors.New("receive loop stopped unexpectedly")

// NewLogger builds the process logger from cfg.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// App is one running auth server.
type App struct {
	cfg *config.Config
	log *zap.Logger
	m   *metrics.Metrics

	store *jsonfile.Store
	auth  *service.AuthServiceImpl
	lim   *limiter.Memory
	pool  *transport.Pool
	srv   *udpserver.Server

	metricsLn  net.Listener
	metricsSrv *http.Server
}

// New opens the store and builds every component. Nothing is listening yet
// except the metrics socket, when enabled.
func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := jsonfile.Open(cfg.StorePath, log.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	store.OnFlush(func(err error) {
		if err != nil {
			m.StoreFlushes.WithLabelValues("error").Inc()
			return
		}
		m.StoreFlushes.WithLabelValues("ok").Inc()
	})

	lim := limiter.NewMemory(rate.Limit(cfg.LoginRate), cfg.LoginBurst, cfg.LoginBlock)
	auth := service.NewAuthService(store, cfg.SessionTTL, lim, log.Named("auth"))
	r := router.New(auth, service.NewProfileService(store), log.Named("router"))
	pool := transport.NewPool(cfg.ReplyHost, log.Named("transport"))

	srv := udpserver.New(udpserver.Config{
		Addr:        cfg.ListenAddr,
		Workers:     cfg.Workers,
		ReadTimeout: cfg.ReadTimeout,
		Grace:       cfg.GracePeriod,
		MaxDatagram: cfg.MaxDatagram,
	}, r, pool, store, log.Named("udp"), m)

	a := &App{cfg: cfg, log: log, m: m, store: store, auth: auth, lim: lim, pool: pool, srv: srv}

	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("metrics listen: %w", err), store.Close())
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		a.metricsLn = ln
		a.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return a, nil
}

// Addr is the bound UDP address once Run has started the dispatcher.
func (a *App) Addr() *net.UDPAddr { return a.srv.Addr() }

// MetricsAddr is the bound metrics address, or nil when disabled.
func (a *App) MetricsAddr() net.Addr {
	if a.metricsLn == nil {
		return nil
	}
	return a.metricsLn.Addr()
}

// Store exposes the backing store.
func (a *App) Store() *jsonfile.Store { return a.store }

// Run starts the dispatcher and the background tasks and blocks until ctx is
// done or the receive loop dies. Call Close afterwards.
func (a *App) Run(ctx context.Context) error {
	if err := a.srv.Start(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.store.Run(gctx, a.cfg.FlushInterval) })
	g.Go(func() error { return a.auth.RunSweeper(gctx, a.cfg.SweepInterval) })
	g.Go(func() error { return a.housekeeping(gctx) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-a.srv.Done():
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrReceiveLoop, a.srv.Err())
		}
	})
	if a.metricsSrv != nil {
		g.Go(func() error {
			a.log.Info("metrics listening", zap.String("addr", a.metricsLn.Addr().String()))
			if err := a.metricsSrv.Serve(a.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return a.metricsSrv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

// housekeeping prunes idle limiter entries and refreshes the gauges.
func (a *App) housekeeping(ctx context.Context) error {
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := a.lim.Prune(a.cfg.LoginBlock); n > 0 {
				a.log.Debug("limiter entries pruned", zap.Int("count", n))
			}
			a.m.ActiveSessions.Set(float64(a.auth.ActiveSessions()))
			a.m.LeasedPorts.Set(float64(a.pool.InUse()))
		}
	}
}

// Close drains the dispatcher, which flushes the store, and stops the
// metrics endpoint. If the dispatcher never ran the store is flushed directly.
func (a *App) Close() error {
	var err error
	cerr := a.srv.Close()
	if errors.Is(cerr, errs.ErrClosed) {
		cerr = a.store.Flush()
	}
	err = multierr.Append(err, cerr)

	if a.metricsSrv != nil {
		err = multierr.Append(err, a.metricsSrv.Close())
		// Serve closes the listener itself; this covers the never-served case
		_ = a.metricsLn.Close()
	}
	return err
}
