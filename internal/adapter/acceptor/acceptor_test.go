package acceptor

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewBindsEphemeralPort(t *testing.T) {
	acc, err := New(0, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	require.NotZero(t, acc.Port())
	require.NotZero(t, acc.FD())
}

func TestAcceptReturnsEAGAINWhenEmpty(t *testing.T) {
	acc, err := New(0, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	_, err = acc.Accept()
	require.True(t, err == unix.EAGAIN || err == unix.EWOULDBLOCK)
}

func TestAcceptReturnsConnectedSocket(t *testing.T) {
	acc, err := New(0, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	client, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(acc.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	var accepted Accepted
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		accepted, err = acc.Accept()
		if err == nil {
			break
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		t.Fatalf("accept failed: %v", err)
	}
	require.NoError(t, err)
	require.NotZero(t, accepted.FD)
	require.NotNil(t, accepted.Addr)
	_ = unix.Close(accepted.FD)
}

func TestServeDispatchesAcceptedConnectionsAndStopsOnCancel(t *testing.T) {
	acc, err := New(0, 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	dispatched := make(chan Accepted, 1)
	errCh := make(chan error, 1)

	go func() {
		errCh <- acc.Serve(ctx, func(a Accepted) {
			dispatched <- a
			_ = unix.Close(a.FD)
		}, nil)
	}()

	client, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(acc.Port())))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case a := <-dispatched:
		require.NotZero(t, a.FD)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServeReportsNonEAGAINAcceptErrors(t *testing.T) {
	acc, err := New(0, 16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	reported := make(chan error, 1)

	go func() {
		errCh <- acc.Serve(ctx, func(Accepted) {}, func(e error) {
			select {
			case reported <- e:
			default:
			}
		})
	}()

	// Closing the listening fd out from under Serve forces the next poll
	// or accept to fail with something other than EAGAIN.
	require.NoError(t, acc.Close())

	select {
	case <-reported:
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to observe the closed listener")
	}
}
