package balancer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFactoryCreatesKnownPolicies(t *testing.T) {
	f := NewFactory()

	rr, err := f.Create(NameRoundRobin)
	require.NoError(t, err)
	require.Equal(t, NameRoundRobin, rr.Name())

	lc, err := f.Create(NameLeastConnections)
	require.NoError(t, err)
	require.Equal(t, NameLeastConnections, lc.Name())
}

func TestFactoryRejectsUnknownPolicy(t *testing.T) {
	f := NewFactory()
	_, err := f.Create("random")
	require.Error(t, err)
}
