package workerpool

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/thushan/tcpxy/internal/adapter/acceptor"
	"github.com/thushan/tcpxy/internal/adapter/balancer"
	"github.com/thushan/tcpxy/internal/core/domain"
)

func echoBackend(t *testing.T) (addr string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer func() { _ = conn.Close() }()
				_, _ = io.Copy(conn, bufio.NewReader(conn))
			}()
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

func newTestPool(t *testing.T, backendAddr string, backendPort int) (*Pool, *acceptor.Acceptor) {
	t.Helper()

	pool := domain.NewBackendPool(backendAddr, backendPort, 1, 3, true)
	selector := balancer.NewRoundRobinSelector()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	acc, err := acceptor.New(0, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	cfg := Config{
		WorkerCount:       2,
		QueueDepth:        8,
		ReadBufferInitial: 4096,
		ReadBufferMax:     1 << 20,
		SocketBufferSize:  1 << 16,
	}

	return New(cfg, pool, selector, logger), acc
}

func TestPoolForwardsRequestAndReturnsResponse(t *testing.T) {
	backendAddr, backendPort := echoBackend(t)
	p, acc := newTestPool(t, backendAddr, backendPort)
	p.Start()
	t.Cleanup(p.Stop)

	clientFD, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	require.NoError(t, err)
	err = unix.Connect(clientFD, &unix.SockaddrInet4{Port: acc.Port(), Addr: [4]byte{127, 0, 0, 1}})
	require.NoError(t, err)

	accepted, err := waitAccept(acc)
	require.NoError(t, err)
	require.True(t, p.Enqueue(accepted))

	request := "GET / HTTP/1.1\r\nHost: test\r\n\r\n"
	_, err = unix.Write(clientFD, []byte(request))
	require.NoError(t, err)

	buf := make([]byte, len(request))
	deadline := time.Now().Add(2 * time.Second)
	total := 0
	for total < len(buf) && time.Now().Before(deadline) {
		n, err := unix.Read(clientFD, buf[total:])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, request, string(buf[:total]))
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	backendAddr, backendPort := echoBackend(t)
	p, _ := newTestPool(t, backendAddr, backendPort)
	p.cfg.QueueDepth = 0
	p.queue = make(chan workItem) // unbuffered, always full without a receiver

	accepted := acceptor.Accepted{FD: -1}
	require.False(t, p.Enqueue(accepted))
}

func waitAccept(acc *acceptor.Acceptor) (acceptor.Accepted, error) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		accepted, err := acc.Accept()
		if err == nil {
			return accepted, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return acceptor.Accepted{}, err
	}
	return acceptor.Accepted{}, unix.EAGAIN
}
