package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// Call sites pass metrics around unguarded; a nil receiver must be inert.
func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ConnOpened()
		m.ConnClosed()
		m.ChannelCreated()
		m.ChannelRemoved()
		m.MessageReceived("message")
		m.MessageSent("message")
		m.Published()
		m.Fanout(3)
		m.Failure("transport")
	})
}

func TestCountersMove(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()

	require.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsActive))
	require.Equal(t, float64(2), testutil.ToFloat64(m.ConnectionsTotal))

	m.ChannelCreated()
	m.ChannelRemoved()
	require.Equal(t, float64(0), testutil.ToFloat64(m.ChannelsActive))

	m.MessageSent("message")
	m.MessageSent("message")
	require.Equal(t, float64(2), testutil.ToFloat64(m.MessagesSent.WithLabelValues("message")))

	m.Failure("transport")
	require.Equal(t, float64(1), testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("transport")))
}
