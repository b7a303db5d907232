package balancer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thushan/tcpxy/internal/core/domain"
)

func TestLeastConnectionsPicksLightestLoad(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 3, 3, true)
	pool.TrackStart(0)
	pool.TrackStart(0)
	pool.TrackStart(1)

	sel := NewLeastConnectionsSelector()
	idx, err := sel.Select(pool)
	require.NoError(t, err)
	require.Equal(t, 2, idx)
}

func TestLeastConnectionsTiesBreakByLowestIndex(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 3, 3, true)

	sel := NewLeastConnectionsSelector()
	idx, err := sel.Select(pool)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestLeastConnectionsSkipsUnhealthy(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 3, 1, true)
	pool.TrackStart(0)
	pool.TrackEnd(0, false, 1) // flips server 0 unhealthy

	sel := NewLeastConnectionsSelector()
	idx, err := sel.Select(pool)
	require.NoError(t, err)
	require.NotEqual(t, 0, idx)
}

func TestLeastConnectionsSelfHealsWhenAllUnhealthy(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 3, 1, true)
	for i := range pool.Servers {
		pool.TrackStart(i)
		pool.TrackEnd(i, false, 1)
		require.False(t, pool.Servers[i].IsHealthy())
	}

	sel := NewLeastConnectionsSelector()
	idx, err := sel.Select(pool)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.True(t, pool.Servers[0].IsHealthy())
}

func TestLeastConnectionsReturnsErrorWhenSelfHealDisabled(t *testing.T) {
	pool := domain.NewBackendPool("127.0.0.1", 40000, 2, 1, false)
	for i := range pool.Servers {
		pool.TrackStart(i)
		pool.TrackEnd(i, false, 1)
	}

	sel := NewLeastConnectionsSelector()
	_, err := sel.Select(pool)
	require.ErrorIs(t, err, domain.ErrNoHealthyBackend)
}
