// Package reactor implements the non-blocking, readiness-driven proxy: a
// Connection state machine pumped by a single-threaded epoll event loop.
package reactor

import (
	"bytes"
	"net"
	"time"
)

// Phase is one stage in a Connection's lifecycle, advanced only by the
// reactor goroutine as readiness events arrive.
type Phase int

const (
	ReadingRequest Phase = iota
	ConnectingBackend
	ForwardingRequest
	StreamingResponse
	Draining
	Closed
)

func (p Phase) String() string {
	switch p {
	case ReadingRequest:
		return "ReadingRequest"
	case ConnectingBackend:
		return "ConnectingBackend"
	case ForwardingRequest:
		return "ForwardingRequest"
	case StreamingResponse:
		return "StreamingResponse"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var headerTerminator = []byte("\r\n\r\n")

// Connection is the per-flow record: two owned sockets, the client->backend
// read buffer with its progress indices, the optional write-pending buffer
// for the backend->client direction, and the current phase.
//
// A Connection is exclusively owned by the Reactor that registered it; only
// the reactor goroutine ever touches one, so no internal locking is needed.
type Connection struct {
	ClientFD  int
	BackendFD int

	ReadBuf       []byte
	BytesReceived int
	BytesSent     int

	WritePending     []byte
	WritePendingSent int

	ServerIdx int
	Phase     Phase

	StartTime  time.Time
	ClientAddr net.Addr

	// Generation is the admission sequence number the reactor assigned to
	// this Connection. It is copied into the reactor's slot but lookups do
	// not check it.
	Generation uint64

	trackedStart bool
	trackedEnd   bool
}

// Reset clears a Connection for reuse from the pkg/pool.Pool, implementing
// pool.Resettable.
func (c *Connection) Reset() {
	c.ClientFD = -1
	c.BackendFD = -1
	c.ReadBuf = c.ReadBuf[:0]
	c.BytesReceived = 0
	c.BytesSent = 0
	c.WritePending = nil
	c.WritePendingSent = 0
	c.ServerIdx = -1
	c.Phase = ReadingRequest
	c.StartTime = time.Time{}
	c.ClientAddr = nil
	c.trackedStart = false
	c.trackedEnd = false
}

func newConnection(initialBufSize int) *Connection {
	return &Connection{
		ClientFD:  -1,
		BackendFD: -1,
		ReadBuf:   make([]byte, 0, initialBufSize),
		ServerIdx: -1,
		Phase:     ReadingRequest,
	}
}

// HeadersComplete reports whether read_buf contains a contiguous \r\n\r\n
// anywhere, the request-readiness heuristic used to decide when enough of
// the request has arrived to start forwarding it.
func (c *Connection) HeadersComplete() bool {
	return bytes.Contains(c.ReadBuf, headerTerminator)
}

// GrowReadBuf doubles read_buf's capacity up to max. Returns false if
// growing further would exceed max, signalling resource exhaustion to the
// caller so it can fail the connection instead of growing unbounded.
func (c *Connection) GrowReadBuf(max int) bool {
	cur := cap(c.ReadBuf)
	if cur >= max {
		return false
	}
	next := cur * 2
	if next > max {
		next = max
	}
	grown := make([]byte, len(c.ReadBuf), next)
	copy(grown, c.ReadBuf)
	c.ReadBuf = grown
	return true
}

// PendingRequestBytes returns the slice of read_buf not yet sent to the
// backend.
func (c *Connection) PendingRequestBytes() []byte {
	return c.ReadBuf[c.BytesSent:]
}

// RequestFullySent reports whether every byte read from the client has been
// forwarded to the backend.
func (c *Connection) RequestFullySent() bool {
	return c.BytesSent >= len(c.ReadBuf)
}

// BufferResponse appends response bytes to write_pending after a short
// client write leaves some of the backend's response unsent.
func (c *Connection) BufferResponse(b []byte) {
	c.WritePending = append(c.WritePending, b...)
}

// WritePendingRemaining returns the unsent tail of write_pending.
func (c *Connection) WritePendingRemaining() []byte {
	if c.WritePendingSent >= len(c.WritePending) {
		return nil
	}
	return c.WritePending[c.WritePendingSent:]
}

// WritePendingDrained reports whether write_pending has been fully flushed.
func (c *Connection) WritePendingDrained() bool {
	return c.WritePendingSent >= len(c.WritePending)
}

func (c *Connection) markTrackedStart() {
	c.trackedStart = true
}

// HasTrackedStart reports whether TrackStart has already been called for
// this connection. The reactor's trackEnd uses it so that only connections
// that reached backend selection report an outcome.
func (c *Connection) HasTrackedStart() bool {
	return c.trackedStart
}
