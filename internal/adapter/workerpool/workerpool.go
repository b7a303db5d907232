// Package workerpool implements the alternative to the reactor: a bounded
// number of worker goroutines consuming accepted connections from a FIFO
// queue and forwarding each one with blocking I/O, trading multiplexing
// depth for a simpler per-connection flow.
package workerpool

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/thushan/tcpxy/internal/adapter/acceptor"
	"github.com/thushan/tcpxy/internal/core/domain"
	"github.com/thushan/tcpxy/internal/core/ports"
	"github.com/thushan/tcpxy/internal/util"
)

var headerTerminator = []byte("\r\n\r\n")

var (
	errPeerClosed      = errors.New("client closed connection before headers were complete")
	errRequestTooLarge = errors.New("request exceeded the maximum read buffer size")
)

// Config carries the worker pool's tunables, sourced from the proxy config.
type Config struct {
	WorkerCount       int
	QueueDepth        int
	ReadBufferInitial int
	ReadBufferMax     int
	SocketBufferSize  int
}

type workItem struct {
	fd   int
	addr net.Addr
}

// Pool is the bounded worker pool. Enqueue is the only method safe to call
// concurrently with Start; Stop must be called after the producer (the
// acceptor) has stopped enqueueing.
type Pool struct {
	cfg      Config
	queue    chan workItem
	wg       conc.WaitGroup
	draining atomic.Bool

	backendPool *domain.BackendPool
	selector    ports.Selector
	logger      *slog.Logger
}

func New(cfg Config, backendPool *domain.BackendPool, selector ports.Selector, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:         cfg,
		queue:       make(chan workItem, cfg.QueueDepth),
		backendPool: backendPool,
		selector:    selector,
		logger:      logger,
	}
}

// Enqueue hands off an accepted connection to a worker. It never blocks: a
// full queue means the connection is rejected by closing its socket, the
// specification's mandated backpressure policy.
func (p *Pool) Enqueue(accepted acceptor.Accepted) bool {
	select {
	case p.queue <- workItem{fd: accepted.FD, addr: accepted.Addr}:
		return true
	default:
		_ = unix.Close(accepted.FD)
		return false
	}
}

// Start launches the worker goroutines. They run until Stop is called.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Go(p.runWorker)
	}
}

// Stop closes the queue and waits for every worker to exit. Any work items
// still queued at this point are drained and their sockets closed without
// being forwarded, per the specified shutdown behaviour.
func (p *Pool) Stop() {
	p.draining.Store(true)
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) runWorker() {
	for item := range p.queue {
		if p.draining.Load() {
			_ = unix.Close(item.fd)
			continue
		}
		p.handle(item)
	}
}

func (p *Pool) handle(item workItem) {
	fd := item.fd

	if err := unix.SetNonblock(fd, false); err != nil {
		p.logger.Warn("clear nonblocking on client fd failed", "error", err)
		_ = unix.Close(fd)
		return
	}
	if err := util.TuneSocket(fd, p.cfg.SocketBufferSize); err != nil {
		p.logger.Warn("tune client socket failed", "error", err)
		_ = unix.Close(fd)
		return
	}
	defer func() { _ = unix.Close(fd) }()

	reqBuf, err := recvRequest(fd, p.cfg.ReadBufferInitial, p.cfg.ReadBufferMax)
	if err != nil {
		return
	}

	idx, err := p.selector.Select(p.backendPool)
	if err != nil {
		p.logger.Warn("no backend available", "error", err)
		return
	}

	backend := p.backendPool.Servers[idx]
	p.logger.Info(fmt.Sprintf("Selected backend server %s", backend.AddrString()))

	start := time.Now()
	p.backendPool.TrackStart(idx)

	backendFD, err := dialBackend(backend.Address, backend.Port, p.cfg.SocketBufferSize)
	if err != nil {
		p.finishTracking(idx, false, start)
		return
	}
	defer func() { _ = unix.Close(backendFD) }()

	success := writeAll(backendFD, reqBuf) == nil && pumpResponse(fd, backendFD)
	p.finishTracking(idx, success, start)
}

func (p *Pool) finishTracking(idx int, success bool, start time.Time) {
	changed := p.backendPool.TrackEnd(idx, success, time.Since(start).Milliseconds())
	if changed {
		s := p.backendPool.Servers[idx]
		state := "unhealthy"
		if s.IsHealthy() {
			state = "healthy"
		}
		p.logger.Info(fmt.Sprintf("[STATUS] Server %s marked as %s", s.AddrString(), state))
	}
}

// recvRequest blocks until the request's headers are fully received,
// following the same contiguous-\r\n\r\n heuristic the reactor uses.
func recvRequest(fd, initial, max int) ([]byte, error) {
	buf := make([]byte, 0, initial)
	chunk := make([]byte, 64*1024)

	for {
		n, err := unix.Read(fd, chunk)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errPeerClosed
		}
		buf = append(buf, chunk[:n]...)
		if bytes.Contains(buf, headerTerminator) {
			return buf, nil
		}
		if len(buf) >= max {
			return nil, errRequestTooLarge
		}
	}
}

func dialBackend(address string, port, bufferSize int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := util.TuneSocket(fd, bufferSize); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: resolveIPv4(address)}
	if err := unix.Connect(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func writeAll(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// pumpResponse copies the backend's response to the client until the
// backend signals EOF. Returns false on any I/O error on either leg.
func pumpResponse(clientFD, backendFD int) bool {
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(backendFD, buf)
		if err != nil {
			return false
		}
		if n == 0 {
			return true
		}
		if err := writeAll(clientFD, buf[:n]); err != nil {
			return false
		}
	}
}

func resolveIPv4(address string) [4]byte {
	ip := net.ParseIP(address)
	if ip == nil {
		if ips, err := net.LookupIP(address); err == nil {
			for _, candidate := range ips {
				if v4 := candidate.To4(); v4 != nil {
					ip = v4
					break
				}
			}
		}
	}

	var out [4]byte
	if v4 := ip.To4(); v4 != nil {
		copy(out[:], v4)
	}
	return out
}
