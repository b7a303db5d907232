package reactor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/thushan/tcpxy/internal/adapter/acceptor"
	"github.com/thushan/tcpxy/internal/core/domain"
	"github.com/thushan/tcpxy/internal/core/ports"
	"github.com/thushan/tcpxy/internal/util"
	"github.com/thushan/tcpxy/pkg/pool"
)

// pollTimeout bounds every epoll_wait call so the reactor notices context
// cancellation promptly without needing a separate wakeup fd.
const pollTimeout = time.Second

// Config carries the reactor's tunables, sourced from the proxy config.
type Config struct {
	ReadBufferInitial int
	ReadBufferMax     int
	SocketBufferSize  int
	PollTimeout       time.Duration
}

// slot pairs a live Connection with the generation it was issued under, so
// bookkeeping can detect a stale reference surviving past release. Lookups
// go through the reactor's fd maps, which are updated synchronously with
// every close, so the generation is carried for diagnostics rather than
// active validation.
type slot struct {
	conn       *Connection
	generation uint64
}

// Reactor is the single-threaded, epoll-driven event loop that owns every
// live Connection. It is not safe for concurrent use: Run must be called
// from exactly one goroutine.
type Reactor struct {
	epfd int

	acceptorFD int
	acceptor   *acceptor.Acceptor

	pool     *domain.BackendPool
	selector ports.Selector
	logger   *slog.Logger
	cfg      Config

	connPool  *pool.Pool[*Connection]
	slots     map[int]*slot // client fd -> slot
	backendOf map[int]int   // backend fd -> client fd
	nextGen   uint64
}

// New builds a Reactor with its own epoll instance and registers the
// acceptor's listening socket for read-readiness.
func New(acc *acceptor.Acceptor, backendPool *domain.BackendPool, selector ports.Selector, logger *slog.Logger, cfg Config) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	r := &Reactor{
		epfd:       epfd,
		acceptorFD: acc.FD(),
		acceptor:   acc,
		pool:       backendPool,
		selector:   selector,
		logger:     logger,
		cfg:        cfg,
		connPool: pool.NewLitePool(func() *Connection {
			return newConnection(cfg.ReadBufferInitial)
		}),
		slots:     make(map[int]*slot),
		backendOf: make(map[int]int),
	}

	if err := r.register(acc.FD(), unix.EPOLLIN); err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("register listener: %w", err)
	}

	return r, nil
}

func (r *Reactor) register(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (r *Reactor) modify(fd int, events uint32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
}

func (r *Reactor) unregister(fd int) {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Close shuts the epoll instance down. Call after Run returns.
func (r *Reactor) Close() error {
	return unix.Close(r.epfd)
}

// Run blocks until ctx is cancelled, dispatching readiness events to their
// owning Connection as they arrive. On return every live connection has
// been closed and its metrics finalised.
func (r *Reactor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 256)
	timeoutMs := int(pollTimeout.Milliseconds())
	if r.cfg.PollTimeout > 0 {
		timeoutMs = int(r.cfg.PollTimeout.Milliseconds())
	}

	for {
		select {
		case <-ctx.Done():
			r.closeAll()
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.closeAll()
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			r.dispatch(events[i])
		}
	}
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	fd := int(ev.Fd)

	if fd == r.acceptorFD {
		r.acceptLoop()
		return
	}

	if clientFD, ok := r.backendOf[fd]; ok {
		r.dispatchBackend(clientFD, fd, ev.Events)
		return
	}

	r.dispatchClient(fd, ev.Events)
}

// acceptLoop drains the listener until EAGAIN, per the edge-triggered
// accept discipline (harmless to do under level-triggered semantics too).
func (r *Reactor) acceptLoop() {
	for {
		accepted, err := r.acceptor.Accept()
		if err != nil {
			if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
				r.logger.Warn("accept failed", "error", err)
			}
			return
		}
		r.admit(accepted)
	}
}

func (r *Reactor) admit(accepted acceptor.Accepted) {
	if err := util.TuneSocket(accepted.FD, r.cfg.SocketBufferSize); err != nil {
		r.logger.Warn("tune client socket failed", "error", err, "fd", accepted.FD)
		_ = unix.Close(accepted.FD)
		return
	}

	conn := r.connPool.Get()
	conn.ClientFD = accepted.FD
	conn.ClientAddr = accepted.Addr
	conn.StartTime = time.Now()
	conn.Generation = r.nextGen
	r.nextGen++

	if err := r.register(accepted.FD, unix.EPOLLIN); err != nil {
		r.logger.Warn("register client fd failed", "error", err, "fd", accepted.FD)
		_ = unix.Close(accepted.FD)
		r.connPool.Put(conn)
		return
	}

	r.slots[accepted.FD] = &slot{conn: conn, generation: conn.Generation}
}

func (r *Reactor) dispatchClient(fd int, events uint32) {
	s, ok := r.slots[fd]
	if !ok {
		return
	}
	conn := s.conn

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.closeConnection(conn, false)
		return
	}

	switch conn.Phase {
	case ReadingRequest:
		if events&unix.EPOLLIN != 0 {
			r.readRequest(conn)
		}
	case StreamingResponse, Draining:
		if events&unix.EPOLLOUT != 0 {
			r.flushClientWrite(conn)
		}
	}
}

func (r *Reactor) dispatchBackend(clientFD, backendFD int, events uint32) {
	s, ok := r.slots[clientFD]
	if !ok {
		return
	}
	conn := s.conn

	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		r.closeConnection(conn, false)
		return
	}

	switch conn.Phase {
	case ConnectingBackend:
		if events&unix.EPOLLOUT != 0 {
			r.completeBackendConnect(conn)
		}
	case ForwardingRequest:
		if events&unix.EPOLLOUT != 0 {
			r.resumeForwardRequest(conn)
		}
	case StreamingResponse:
		if events&unix.EPOLLIN != 0 {
			r.streamResponse(conn)
		}
	}
}

func (r *Reactor) readRequest(conn *Connection) {
	for {
		free := cap(conn.ReadBuf) - len(conn.ReadBuf)
		if free == 0 {
			if !conn.GrowReadBuf(r.cfg.ReadBufferMax) {
				r.closeConnection(conn, false)
				return
			}
			free = cap(conn.ReadBuf) - len(conn.ReadBuf)
		}

		start := len(conn.ReadBuf)
		n, err := unix.Read(conn.ClientFD, conn.ReadBuf[start:start+free])
		if n > 0 {
			conn.ReadBuf = conn.ReadBuf[:start+n]
			conn.BytesReceived += n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			r.closeConnection(conn, false)
			return
		}
		if n == 0 {
			r.closeConnection(conn, false)
			return
		}
		if conn.HeadersComplete() {
			break
		}
	}

	if conn.HeadersComplete() {
		r.beginBackendConnect(conn)
	}
}

func (r *Reactor) beginBackendConnect(conn *Connection) {
	idx, err := r.selector.Select(r.pool)
	if err != nil {
		r.logger.Warn("no backend available", "error", err)
		r.closeConnection(conn, false)
		return
	}

	backend := r.pool.Servers[idx]
	r.logger.Info(fmt.Sprintf("Selected backend server %s", backend.AddrString()))

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		r.logger.Warn("backend socket failed", "error", err)
		r.closeConnection(conn, false)
		return
	}
	if err := util.SetNonblocking(fd); err != nil {
		_ = unix.Close(fd)
		r.closeConnection(conn, false)
		return
	}
	if err := util.TuneSocket(fd, r.cfg.SocketBufferSize); err != nil {
		_ = unix.Close(fd)
		r.closeConnection(conn, false)
		return
	}

	conn.BackendFD = fd
	conn.ServerIdx = idx
	conn.Phase = ConnectingBackend
	r.pool.TrackStart(idx)
	conn.markTrackedStart()
	r.backendOf[fd] = conn.ClientFD

	if err := r.register(fd, unix.EPOLLOUT); err != nil {
		delete(r.backendOf, fd)
		r.closeConnection(conn, false)
		return
	}

	ip := resolveIPv4(backend.Address)
	sa := &unix.SockaddrInet4{Port: backend.Port, Addr: ip}

	err = unix.Connect(fd, sa)
	if err == nil {
		r.completeBackendConnect(conn)
		return
	}
	if err != unix.EINPROGRESS {
		r.closeConnection(conn, false)
		return
	}
	// EINPROGRESS: wait for the EPOLLOUT readiness event already armed above.
}

func (r *Reactor) completeBackendConnect(conn *Connection) {
	errno, err := unix.GetsockoptInt(conn.BackendFD, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		r.closeConnection(conn, false)
		return
	}

	conn.Phase = ForwardingRequest
	if err := r.modify(conn.BackendFD, unix.EPOLLOUT); err != nil {
		r.closeConnection(conn, false)
		return
	}
	r.resumeForwardRequest(conn)
}

func (r *Reactor) resumeForwardRequest(conn *Connection) {
	for !conn.RequestFullySent() {
		pending := conn.PendingRequestBytes()
		n, err := unix.Write(conn.BackendFD, pending)
		if n > 0 {
			conn.BytesSent += n
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return // stays on EPOLLOUT, reactor re-invokes on next readiness
			}
			r.closeConnection(conn, false)
			return
		}
	}

	conn.Phase = StreamingResponse
	if err := r.modify(conn.BackendFD, unix.EPOLLIN); err != nil {
		r.closeConnection(conn, false)
		return
	}
}

func (r *Reactor) streamResponse(conn *Connection) {
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(conn.BackendFD, buf)
		if n > 0 {
			r.sendToClient(conn, buf[:n])
			if conn.Phase != StreamingResponse {
				return // a failed client write already closed the connection
			}
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			r.closeConnection(conn, false)
			return
		}
		if n == 0 {
			r.finishStream(conn)
			return
		}
	}
}

func (r *Reactor) sendToClient(conn *Connection, b []byte) {
	if !conn.WritePendingDrained() {
		conn.BufferResponse(b)
		return
	}

	n, err := unix.Write(conn.ClientFD, b)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			n = 0
		} else {
			r.closeConnection(conn, false)
			return
		}
	}

	if n < len(b) {
		conn.BufferResponse(b[n:])
		if err := r.modify(conn.ClientFD, unix.EPOLLOUT); err != nil {
			r.closeConnection(conn, false)
		}
	}
}

func (r *Reactor) flushClientWrite(conn *Connection) {
	remaining := conn.WritePendingRemaining()
	if len(remaining) == 0 {
		r.afterWritePendingDrained(conn)
		return
	}

	n, err := unix.Write(conn.ClientFD, remaining)
	if n > 0 {
		conn.WritePendingSent += n
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return
		}
		r.closeConnection(conn, false)
		return
	}

	if conn.WritePendingDrained() {
		r.afterWritePendingDrained(conn)
	}
}

func (r *Reactor) afterWritePendingDrained(conn *Connection) {
	if conn.Phase == Draining {
		r.closeConnection(conn, true)
		return
	}
	if err := r.modify(conn.ClientFD, unix.EPOLLIN); err != nil {
		r.closeConnection(conn, false)
	}
}

// finishStream handles backend EOF: the response is complete, any buffered
// write_pending must drain before the connection is recorded as success.
func (r *Reactor) finishStream(conn *Connection) {
	r.unregister(conn.BackendFD)
	delete(r.backendOf, conn.BackendFD)
	_ = unix.Close(conn.BackendFD)
	conn.BackendFD = -1

	conn.Phase = Draining
	if conn.WritePendingDrained() {
		r.closeConnection(conn, true)
		return
	}
	if err := r.modify(conn.ClientFD, unix.EPOLLOUT); err != nil {
		r.closeConnection(conn, false)
	}
}

// trackEnd reports the outcome to the backend pool exactly once per
// connection: a connection that never reached backend selection has
// nothing to report, and one that already reported its outcome on an
// earlier path (e.g. finishStream then a client hangup during Draining)
// must not be double-counted.
func (r *Reactor) trackEnd(conn *Connection, success bool) {
	if !conn.HasTrackedStart() || conn.trackedEnd {
		return
	}
	conn.trackedEnd = true
	changed := r.pool.TrackEnd(conn.ServerIdx, success, elapsedMs(conn.StartTime))
	if changed {
		logStatusChange(r.logger, r.pool.Servers[conn.ServerIdx])
	}
}

func logStatusChange(logger *slog.Logger, s *domain.BackendServer) {
	state := "unhealthy"
	if s.IsHealthy() {
		state = "healthy"
	}
	logger.Info(fmt.Sprintf("[STATUS] Server %s marked as %s", s.AddrString(), state))
}

// closeConnection finalises tracking, tears the Connection's sockets down,
// unregisters them from epoll, and returns the Connection to the pool.
func (r *Reactor) closeConnection(conn *Connection, success bool) {
	r.trackEnd(conn, success)

	if conn.BackendFD >= 0 {
		r.unregister(conn.BackendFD)
		delete(r.backendOf, conn.BackendFD)
		_ = unix.Close(conn.BackendFD)
	}
	if conn.ClientFD >= 0 {
		r.unregister(conn.ClientFD)
		delete(r.slots, conn.ClientFD)
		_ = unix.Close(conn.ClientFD)
	}

	conn.Phase = Closed
	r.connPool.Put(conn)
}

func (r *Reactor) closeAll() {
	for fd, s := range r.slots {
		r.trackEnd(s.conn, false)
		if s.conn.BackendFD >= 0 {
			_ = unix.Close(s.conn.BackendFD)
		}
		_ = unix.Close(fd)
	}
	r.slots = make(map[int]*slot)
	r.backendOf = make(map[int]int)
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
