package domain

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/thushan/tcpxy/internal/util"
)

// BackendServer is one entry in the fixed-size BackendPool. Every counter is
// updated with atomic operations so TrackStart/TrackEnd/UpdateStatus never
// need to hold a lock across I/O or across servers.
type BackendServer struct {
	Address string
	Port    int

	isHealthy        atomic.Bool
	failedResponses  atomic.Int64
	currentRequests  atomic.Int64
	totalRequests    atomic.Int64
	totalFailures    atomic.Int64
	totalResponseMs  atomic.Int64
	lastStatusChange atomic.Int64 // unix nano of the last health flip, exposed via Snapshot
}

// BackendServerSnapshot is a point-in-time, non-atomic read of a
// BackendServer's published metrics, safe to log or expose.
type BackendServerSnapshot struct {
	Address             string
	Port                int
	IsHealthy           bool
	FailedResponses     int64
	CurrentRequests     int64
	TotalRequests       int64
	TotalFailures       int64
	AvgResponseTimeMs   float64
	FailureRatePct      float64
	LastStatusChangeAt  time.Time
}

func newBackendServer(address string, port int) *BackendServer {
	s := &BackendServer{Address: address, Port: port}
	s.isHealthy.Store(true)
	return s
}

// AddrString renders "address:port" for log lines and selector keys.
func (s *BackendServer) AddrString() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// IsHealthy returns the freshest published health value.
func (s *BackendServer) IsHealthy() bool {
	return s.isHealthy.Load()
}

// CurrentRequests returns the in-flight count for this server.
func (s *BackendServer) CurrentRequests() int64 {
	return s.currentRequests.Load()
}

// Snapshot materialises a consistent-enough view for logging; per-field
// atomic loads may interleave with concurrent writers. Readers see the
// freshest published value per field, not a transactionally consistent
// view across fields, which is an acceptable tradeoff for lock-free access.
func (s *BackendServer) Snapshot() BackendServerSnapshot {
	total := s.totalRequests.Load()
	failures := s.totalFailures.Load()
	totalMs := s.totalResponseMs.Load()

	var avg, rate float64
	if total > 0 {
		avg = float64(totalMs) / float64(total)
		rate = 100 * float64(failures) / float64(total)
	}

	return BackendServerSnapshot{
		Address:            s.Address,
		Port:               s.Port,
		IsHealthy:          s.isHealthy.Load(),
		FailedResponses:    s.failedResponses.Load(),
		CurrentRequests:    s.currentRequests.Load(),
		TotalRequests:      total,
		TotalFailures:      failures,
		AvgResponseTimeMs:  avg,
		FailureRatePct:     rate,
		LastStatusChangeAt: time.Unix(0, s.lastStatusChange.Load()),
	}
}

func (s *BackendServer) markHealthy(now time.Time) (changed bool) {
	changed = !s.isHealthy.Swap(true)
	s.failedResponses.Store(0)
	if changed {
		s.lastStatusChange.Store(now.UnixNano())
	}
	return changed
}

func (s *BackendServer) markUnhealthy(now time.Time) (changed bool) {
	changed = s.isHealthy.Swap(false)
	if changed {
		s.lastStatusChange.Store(now.UnixNano())
	}
	return changed
}

// BackendPool is the fixed-size registry of backends. It owns the
// aggregate counters and the round-robin cursor; selection policies read it
// but never mutate BackendServer state directly, only through the pool's
// methods (NextCursor, SelfHeal, TrackStart/TrackEnd below).
type BackendPool struct {
	Servers []*BackendServer

	maxFailures int
	selfHeal    bool

	totalRequests   atomic.Int64
	totalFailures   atomic.Int64
	totalResponseMs atomic.Int64

	cursor atomic.Uint64 // round-robin selection cursor
}

// PoolSnapshot is the aggregate system metric the "[METRIC][SYSTEM] ..."
// log line reports.
type PoolSnapshot struct {
	TotalRequests  int64
	TotalFailures  int64
	AvgResponseMs  float64
}

// NewBackendPool populates MaxBackends servers addressed as
// (address, basePort+i), all marked healthy, all metrics zeroed.
func NewBackendPool(address string, basePort, maxBackends, maxFailures int, selfHeal bool) *BackendPool {
	servers := make([]*BackendServer, maxBackends)
	for i := 0; i < maxBackends; i++ {
		servers[i] = newBackendServer(address, basePort+i)
	}
	return &BackendPool{
		Servers:     servers,
		maxFailures: maxFailures,
		selfHeal:    selfHeal,
	}
}

// Len returns MAX_BACKENDS.
func (p *BackendPool) Len() int {
	return len(p.Servers)
}

// NextCursor atomically advances and returns the pre-advance round-robin
// cursor value, wrapped into [0, Len()).
func (p *BackendPool) NextCursor() int {
	n := uint64(p.Len())
	v := p.cursor.Add(1) - 1
	return int(v % n)
}

// IsAvailable reports whether Servers[i] is currently healthy.
func (p *BackendPool) IsAvailable(i int) bool {
	return p.Servers[i].IsHealthy()
}

// TrackStart records the start of a request routed to Servers[i]: the
// per-server and pool in-flight/total counters move together, atomically.
func (p *BackendPool) TrackStart(i int) {
	p.Servers[i].currentRequests.Add(1)
	p.Servers[i].totalRequests.Add(1)
	p.totalRequests.Add(1)
}

// TrackEnd records the completion of a request against Servers[i]: the
// in-flight counter is decremented, failure/latency aggregates updated, and
// UpdateStatus is applied to move the health state machine. Returns whether
// the health state flipped, so callers can emit a "[STATUS]" log line.
func (p *BackendPool) TrackEnd(i int, success bool, responseTimeMs int64) (statusChanged bool) {
	s := p.Servers[i]
	s.currentRequests.Add(-1)

	if !success {
		s.totalFailures.Add(1)
		p.totalFailures.Add(1)
	}
	s.totalResponseMs.Add(responseTimeMs)
	p.totalResponseMs.Add(responseTimeMs)

	return p.UpdateStatus(i, success)
}

// UpdateStatus applies the health-transition rule: a failure increments the
// consecutive-failure counter and flips the server unhealthy once it
// reaches maxFailures; any success clears the counter and restores health.
// Returns whether the call caused a status flip, for the [STATUS] log line.
func (p *BackendPool) UpdateStatus(i int, success bool) (statusChanged bool) {
	s := p.Servers[i]
	now := time.Now()

	if success {
		return s.markHealthy(now)
	}

	failures := s.failedResponses.Add(1)
	if failures >= int64(p.maxFailures) {
		return s.markUnhealthy(now)
	}
	return false
}

// SelfHeal forces Servers[0] back to healthy with a clean failure counter.
// It is invoked only when a Selector finds no healthy backend and the pool
// is configured (by default) to never dead-stop on a transient outage.
func (p *BackendPool) SelfHeal() {
	p.Servers[0].markHealthy(time.Now())
}

// SelfHealEnabled reports whether the self-heal escape hatch is active.
func (p *BackendPool) SelfHealEnabled() bool {
	return p.selfHeal
}

// Snapshot returns the aggregate system metrics for the periodic
// "[METRIC][SYSTEM]" log line.
func (p *BackendPool) Snapshot() PoolSnapshot {
	total := p.totalRequests.Load()
	failures := p.totalFailures.Load()
	totalMs := p.totalResponseMs.Load()

	var avg float64
	if total > 0 {
		avg = float64(totalMs) / float64(total)
	}

	return PoolSnapshot{
		TotalRequests: total,
		TotalFailures: failures,
		AvgResponseMs: avg,
	}
}

// InFlight sums CurrentRequests across all servers, used by tests asserting
// the "balance of in-flight" invariant.
func (p *BackendPool) InFlight() int64 {
	var total int64
	for _, s := range p.Servers {
		total += s.CurrentRequests()
	}
	return total
}

// InFlightUint64 exposes InFlight as a non-negative count for display,
// guarding against the impossible-but-unverified case of a stray decrement.
func (p *BackendPool) InFlightUint64() uint64 {
	return util.SafeUint64(p.InFlight())
}
