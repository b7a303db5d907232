package balancer

import (
	"github.com/thushan/tcpxy/internal/core/domain"
)

const NameRoundRobin = "round_robin"

// RoundRobinSelector returns the current cursor, then advances it modulo
// the pool size. It never inspects health, so an unhealthy server can still
// be returned to the caller.
type RoundRobinSelector struct{}

func NewRoundRobinSelector() *RoundRobinSelector {
	return &RoundRobinSelector{}
}

func (r *RoundRobinSelector) Name() string {
	return NameRoundRobin
}

func (r *RoundRobinSelector) Select(pool *domain.BackendPool) (int, error) {
	if pool.Len() == 0 {
		return -1, domain.ErrEmptyPool
	}
	return pool.NextCursor(), nil
}
