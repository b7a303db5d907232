// Package acceptor owns the listening socket: it is the sole producer of
// accepted client sockets, handed either to the reactor (as Connection
// states) or to the worker pool (as work items).
package acceptor

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/thushan/tcpxy/internal/util"
)

// Accepted is one accepted client socket: the raw fd and its remote peer.
type Accepted struct {
	FD   int
	Addr net.Addr
}

// Acceptor wraps a non-blocking IPv4 listening socket bound to
// INADDR_ANY:port with SO_REUSEADDR and listen(backlog).
type Acceptor struct {
	fd   int
	port int
}

// New binds and listens. A bind/listen failure here is fatal to startup.
func New(port, backlog int) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	addr := unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, &addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind :%d: %w", port, err)
	}

	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen :%d: %w", port, err)
	}

	if err := util.SetNonblocking(fd); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err == nil {
		if v, ok := bound.(*unix.SockaddrInet4); ok {
			port = v.Port
		}
	}

	return &Acceptor{fd: fd, port: port}, nil
}

// FD returns the listening socket, to be registered with the reactor's
// epoll set for read-readiness.
func (a *Acceptor) FD() int {
	return a.fd
}

// Port returns the bound port. Useful when New was called with port 0.
func (a *Acceptor) Port() int {
	return a.port
}

// Accept performs one non-blocking accept4. Callers loop this until it
// returns EAGAIN to drain every pending connection off the listen backlog
// in one readiness notification.
func (a *Acceptor) Accept() (Accepted, error) {
	nfd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return Accepted{}, err
	}
	return Accepted{FD: nfd, Addr: sockaddrToAddr(sa)}, nil
}

// Close closes the listening socket. It does not make a concurrent Serve
// return; Serve stops when its context is cancelled.
func (a *Acceptor) Close() error {
	return unix.Close(a.fd)
}

// Serve drives a standalone accept loop for worker-pool mode, where there
// is no reactor epoll set to register the listening socket with. It polls
// with a 1s timeout so ctx cancellation is observed promptly. onError is
// called for accept failures other than EAGAIN/EWOULDBLOCK; the loop keeps
// running afterwards since a single failed accept shouldn't take down the
// listener.
func (a *Acceptor) Serve(ctx context.Context, dispatch func(Accepted), onError func(error)) error {
	pfd := []unix.PollFd{{Fd: int32(a.fd), Events: unix.POLLIN}}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := unix.Poll(pfd, 1000)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll listener: %w", err)
		}
		if n == 0 {
			continue
		}

		for {
			accepted, err := a.Accept()
			if err != nil {
				if err != unix.EAGAIN && err != unix.EWOULDBLOCK && onError != nil {
					onError(fmt.Errorf("accept: %w", err))
				}
				break
			}
			dispatch(accepted)
		}
	}
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}
