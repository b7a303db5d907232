// Package app wires the proxy's components together and drives their
// lifecycle: config load, backend pool and selector construction, the
// acceptor, the reactor or worker pool depending on the configured
// dispatch mode, and the periodic metrics logger.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thushan/tcpxy/internal/adapter/acceptor"
	"github.com/thushan/tcpxy/internal/adapter/balancer"
	"github.com/thushan/tcpxy/internal/adapter/reactor"
	"github.com/thushan/tcpxy/internal/adapter/workerpool"
	"github.com/thushan/tcpxy/internal/config"
	"github.com/thushan/tcpxy/internal/core/domain"
	"github.com/thushan/tcpxy/internal/core/ports"
	"github.com/thushan/tcpxy/pkg/format"
	"github.com/thushan/tcpxy/pkg/nerdstats"
)

const (
	modeReactor    = "reactor"
	modeWorkerPool = "worker_pool"
)

// Application owns every long-running component of the proxy and drives
// their start/stop lifecycle as one unit.
type Application struct {
	cfg    *config.Config
	logger *slog.Logger

	pool     *domain.BackendPool
	selector ports.Selector
	acceptor *acceptor.Acceptor

	reactor    *reactor.Reactor
	workerPool *workerpool.Pool

	startTime time.Time
}

// New builds the Application's components but does not start them.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	pool := domain.NewBackendPool(cfg.Backend.Address, cfg.Backend.BasePort, cfg.Backend.MaxBackends, cfg.Backend.MaxFailures, cfg.Backend.SelfHeal)

	selector, err := balancer.NewFactory().Create(cfg.Proxy.LoadBalancer)
	if err != nil {
		return nil, fmt.Errorf("build selector: %w", err)
	}

	acc, err := acceptor.New(cfg.Listen.Port, cfg.Listen.Backlog)
	if err != nil {
		return nil, fmt.Errorf("build acceptor: %w", err)
	}

	a := &Application{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		selector: selector,
		acceptor: acc,
	}

	switch cfg.Proxy.Mode {
	case modeReactor:
		r, err := reactor.New(acc, pool, selector, logger, reactor.Config{
			ReadBufferInitial: cfg.Proxy.ReadBufferInitial,
			ReadBufferMax:     cfg.Proxy.ReadBufferMax,
			SocketBufferSize:  cfg.Proxy.SocketBufferSize,
			PollTimeout:       cfg.Proxy.PollTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build reactor: %w", err)
		}
		a.reactor = r
	case modeWorkerPool:
		a.workerPool = workerpool.New(workerpool.Config{
			WorkerCount:       cfg.Proxy.WorkerCount,
			QueueDepth:        cfg.Proxy.QueueDepth,
			ReadBufferInitial: cfg.Proxy.ReadBufferInitial,
			ReadBufferMax:     cfg.Proxy.ReadBufferMax,
			SocketBufferSize:  cfg.Proxy.SocketBufferSize,
		}, pool, selector, logger)
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", cfg.Proxy.Mode)
	}

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails, then tears everything down. It returns the first error
// encountered, or nil on a clean shutdown.
func (a *Application) Run(ctx context.Context) error {
	a.startTime = time.Now()

	group, gctx := errgroup.WithContext(ctx)

	switch {
	case a.reactor != nil:
		a.logger.Info("starting reactor", "port", a.acceptor.Port(), "load_balancer", a.cfg.Proxy.LoadBalancer)
		group.Go(func() error {
			return a.reactor.Run(gctx)
		})
	case a.workerPool != nil:
		a.logger.Info("starting worker pool", "port", a.acceptor.Port(), "workers", a.cfg.Proxy.WorkerCount, "load_balancer", a.cfg.Proxy.LoadBalancer)
		a.workerPool.Start()
		group.Go(func() error {
			return a.acceptor.Serve(gctx, func(accepted acceptor.Accepted) {
				if !a.workerPool.Enqueue(accepted) {
					a.logger.Warn("worker pool queue full, rejecting connection")
				}
			}, func(err error) {
				a.logger.Warn("accept failed", "error", err)
			})
		})
	}

	group.Go(func() error {
		a.runMetricsTicker(gctx)
		return nil
	})

	err := group.Wait()

	if a.workerPool != nil {
		a.workerPool.Stop()
	}
	if a.reactor != nil {
		_ = a.reactor.Close()
	}
	_ = a.acceptor.Close()

	return err
}

// runMetricsTicker logs per-server and system metrics, and a process
// runtime snapshot, on cfg.Proxy.MetricsInterval until ctx is cancelled.
func (a *Application) runMetricsTicker(ctx context.Context) {
	interval := a.cfg.Proxy.MetricsInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logMetrics()
		}
	}
}

func (a *Application) logMetrics() {
	for _, s := range a.pool.Servers {
		snap := s.Snapshot()
		a.logger.Info(fmt.Sprintf(
			"[METRIC][SERVER %s:%d] Active: %d, Total: %d, Failures: %d, Avg Response: %s",
			snap.Address, snap.Port, snap.CurrentRequests, snap.TotalRequests, snap.TotalFailures, format.Latency(int64(snap.AvgResponseTimeMs)),
		))
	}

	agg := a.pool.Snapshot()
	a.logger.Info(fmt.Sprintf(
		"[METRIC][SYSTEM] Total Requests: %d, Total Failures: %d, Avg Response: %s",
		agg.TotalRequests, agg.TotalFailures, format.Latency(int64(agg.AvgResponseMs)),
	))

	stats := nerdstats.Snapshot(a.startTime)
	a.logger.Debug("[METRIC][SYSTEM] runtime snapshot",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"goroutines", stats.NumGoroutines,
		"gc_cycles", stats.NumGC,
		"uptime", format.Duration(stats.Uptime),
	)
}
