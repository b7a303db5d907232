package balancer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thushan/tcpxy/internal/core/domain"
)

func TestRoundRobinFairDistribution(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 5, 3, true)
	sel := NewRoundRobinSelector()

	counts := make(map[int]int)
	const n = 1003
	for i := 0; i < n; i++ {
		idx, err := sel.Select(pool)
		require.NoError(t, err)
		counts[idx]++
	}

	min, max := n, 0
	for _, c := range counts {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	require.LessOrEqual(t, max-min, 1, "round robin must distribute within +/-1 of uniform")
}

func TestRoundRobinStartsAtZero(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 3, 3, true)
	sel := NewRoundRobinSelector()

	idx, err := sel.Select(pool)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestRoundRobinIgnoresHealth(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 2, 1, true)
	pool.TrackStart(0)
	pool.TrackEnd(0, false, 1) // flips server 0 unhealthy (MaxFailures=1)
	require.False(t, pool.Servers[0].IsHealthy())

	sel := NewRoundRobinSelector()
	idx, err := sel.Select(pool)
	require.NoError(t, err)
	require.Equal(t, 0, idx, "round robin selects the unhealthy server anyway")
}

func TestRoundRobinEmptyPool(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 0, 3, true)
	sel := NewRoundRobinSelector()

	_, err := sel.Select(pool)
	require.ErrorIs(t, err, domain.ErrEmptyPool)
}
