package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestJobMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetrics(reg)
	m.ObserveDuration("reaper", 250*time.Millisecond)
	m.IncSuccess("reaper")
	m.IncFailure("reaper")
	m.IncSkipped("")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.success.WithLabelValues("reaper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failure.WithLabelValues("reaper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("unknown")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestLedgerMetrics(t *testing.T) {
	m := NewLedger(prometheus.NewRegistry())
	m.Observe("reserve", "ok", 3)
	m.Observe("reserve", "out_of_stock", 0)
	m.AddExpired(2)
	m.AddExpired(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("reserve", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.rows.WithLabelValues("reserve")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.expired))
}

func TestTasksInflightReturnsToZero(t *testing.T) {
	m := NewTasks(prometheus.NewRegistry())
	m.Started()
	m.Started()
	m.Finished("cart_clear", "ok")
	m.Finished("cart_clear", "error")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.inflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues("cart_clear", "error")))
}

func TestNilRegistererIsNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		NewJobMetrics(nil).IncSuccess("x")
		NewLedger(nil).Observe("commit", "ok", 1)
		NewPayments(nil).Incident("COMMIT_FAILED")
		NewTasks(nil).Finished("x", "ok")
		var p *Payments
		p.Observe("verify", "ok")
	})
}
