package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordInvocationIncrementsCounterAndHistogram(t *testing.T) {
	RecordInvocation("billing.charge", "create", "ok", 42)

	count := testutil.ToFloat64(invocationsTotal.WithLabelValues("billing.charge", "create", "ok"))
	assert.GreaterOrEqual(t, count, 1.0)
}

func TestRecordResolutionIncrementsCounter(t *testing.T) {
	RecordResolution("billing.charge", "cache_hit", 1)

	count := testutil.ToFloat64(resolutionsTotal.WithLabelValues("billing.charge", "cache_hit"))
	assert.GreaterOrEqual(t, count, 1.0)
}

func TestSetPoolConnectionsActiveSetsGauge(t *testing.T) {
	SetPoolConnectionsActive(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(poolConnectionsActive))
}

func TestRecordPoolEvictionAndWorkerHandled(t *testing.T) {
	RecordPoolEviction("lru")
	RecordWorkerHandled("cap.billing.charge.v1", "ok")

	assert.GreaterOrEqual(t, testutil.ToFloat64(poolEvictionsTotal.WithLabelValues("lru")), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(workerHandledTotal.WithLabelValues("cap.billing.charge.v1", "ok")), 1.0)
}
