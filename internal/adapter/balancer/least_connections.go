package balancer

import (
	"github.com/thushan/tcpxy/internal/core/domain"
)

const NameLeastConnections = "least_connections"

// LeastConnectionsSelector scans all servers and returns the healthy one
// with the smallest CurrentRequests, ties broken by lowest index. Reads of
// CurrentRequests need not be globally consistent across servers; a locally
// stale snapshot is an acceptable tradeoff for lock-free selection.
type LeastConnectionsSelector struct{}

func NewLeastConnectionsSelector() *LeastConnectionsSelector {
	return &LeastConnectionsSelector{}
}

func (l *LeastConnectionsSelector) Name() string {
	return NameLeastConnections
}

func (l *LeastConnectionsSelector) Select(pool *domain.BackendPool) (int, error) {
	if pool.Len() == 0 {
		return -1, domain.ErrEmptyPool
	}

	selected := -1
	var min int64

	for i, s := range pool.Servers {
		if !s.IsHealthy() {
			continue
		}
		load := s.CurrentRequests()
		if selected == -1 || load < min {
			selected = i
			min = load
		}
	}

	if selected == -1 {
		if !pool.SelfHealEnabled() {
			return -1, domain.ErrNoHealthyBackend
		}
		pool.SelfHeal()
		return 0, nil
	}

	return selected, nil
}
