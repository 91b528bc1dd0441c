package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// Collectors are process-global, so assertions compare deltas and the tests
// use label values no other test touches.

func TestObserveExecution(t *testing.T) {
	before := testutil.ToFloat64(executionsTotal.WithLabelValues("metrics-test", "SUCCESS"))
	ObserveExecution("metrics-test", "SUCCESS")
	ObserveExecution("metrics-test", "SUCCESS")
	assert.InDelta(t, before+2, testutil.ToFloat64(executionsTotal.WithLabelValues("metrics-test", "SUCCESS")), 0)
}

func TestAddArtifactsSwept_IgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(artifactsSweptTotal)
	AddArtifactsSwept(0)
	AddArtifactsSwept(-3)
	AddArtifactsSwept(4)
	assert.InDelta(t, before+4, testutil.ToFloat64(artifactsSweptTotal), 0)
}

func TestObserveArtifactStored(t *testing.T) {
	before := testutil.ToFloat64(artifactsStoredBytes.WithLabelValues("metrics-test"))
	ObserveArtifactStored("metrics-test", 1024)
	assert.InDelta(t, before+1024, testutil.ToFloat64(artifactsStoredBytes.WithLabelValues("metrics-test")), 0)
}

func TestObserveDispatch(t *testing.T) {
	ObserveDispatch("metrics-test", "success", 120*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(dispatchDurationSeconds, "querydesk_dispatch_duration_seconds"), 1)
}
