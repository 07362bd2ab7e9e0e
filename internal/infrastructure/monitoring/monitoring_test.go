package monitoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsOwnRegistry(t *testing.T) {
	// Two collectors in one process must not collide.
	a := NewMetrics()
	b := NewMetrics()

	a.QueryIssued("moduleCall")
	a.QuerySettled(OutcomeTimeout, time.Second)
	b.QueryIssued("moduleCall")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.QueriesSettled.WithLabelValues(OutcomeTimeout)))
	assert.Equal(t, 0.0, testutil.ToFloat64(a.QueriesPending))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.QueriesPending))

	families, err := a.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.QueryIssued("x")
		m.QuerySettled(OutcomeResolved, 0)
		m.Dispatched(DispatchHandled)
		m.ActiveQueryOpened()
		m.ModuleLoaded("success")
		m.SeedDelivered()
		m.RelayForwarded("bridge", "up")
	})
}

func TestNotableRing(t *testing.T) {
	metrics := NewMetrics()
	n := NewNotable(3, metrics, nil)

	for i := 0; i < 5; i++ {
		n.Record("router", fmt.Sprintf("error %d", i))
	}

	entries := n.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "error 2", entries[0].Message)
	assert.Equal(t, "error 4", entries[2].Message)
	assert.Equal(t, 5, n.Total())
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.NotableErrors.WithLabelValues("router")))
}

func TestNilNotableIsSafe(t *testing.T) {
	var n *Notable
	n.Record("x", "y")
	assert.Nil(t, n.Entries())
	assert.Zero(t, n.Total())
}
