package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	require.Equal(t, "512 B", Bytes(512))
	require.Equal(t, "1.00 KB", Bytes(1024))
	require.Equal(t, "1.00 MB", Bytes(1024*1024))
}

func TestDuration(t *testing.T) {
	require.Equal(t, "500ms", Duration(500*time.Millisecond))
	require.Equal(t, "5s", Duration(5*time.Second))
	require.Equal(t, "1m5s", Duration(65*time.Second))
	require.Equal(t, "1h0m5s", Duration(time.Hour+5*time.Second))
}

func TestPercentage(t *testing.T) {
	require.Equal(t, "0%", Percentage(0))
	require.Equal(t, "100%", Percentage(100))
	require.Equal(t, "33.3%", Percentage(33.3333))
}

func TestLatency(t *testing.T) {
	require.Equal(t, "0ms", Latency(0))
	require.Equal(t, "250ms", Latency(250))
	require.Equal(t, "1.5s", Latency(1500))
}
