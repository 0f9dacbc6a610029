package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveCall("1", "success", 20*time.Millisecond)
	c.ObserveCall("1", "success", 30*time.Millisecond)
	c.ObserveCall("2", "timed_out", 3*time.Second)
	c.ObserveFailure("3", OutcomeInvalidArgument)
	c.SetPending(4)
	c.SetSubscriptions(2)
	c.Drop("duplicate")
	c.TransportError("publish")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.Calls.WithLabelValues("1", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Calls.WithLabelValues("2", "timed_out")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Calls.WithLabelValues("3", OutcomeInvalidArgument)))
	assert.Equal(t, float64(4), testutil.ToFloat64(c.PendingCalls))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.Subscriptions))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DroppedMessages.WithLabelValues("duplicate")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.TransportErrors.WithLabelValues("publish")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.CallDuration))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveCall("1", "success", time.Millisecond)
		c.ObserveFailure("1", OutcomeTransportUnavailable)
		c.SetPending(1)
		c.SetSubscriptions(1)
		c.Drop("unparsable")
		c.TransportError("subscribe")
	})
}
