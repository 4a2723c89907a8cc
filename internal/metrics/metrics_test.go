package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRunIncrementsCounterAndHistogram(t *testing.T) {
	before := testutil.ToFloat64(RunsTotal.WithLabelValues("succeeded"))

	RecordRun("succeeded", 2*time.Second)

	after := testutil.ToFloat64(RunsTotal.WithLabelValues("succeeded"))
	if after != before+1 {
		t.Errorf("RunsTotal[succeeded] = %v, want %v", after, before+1)
	}
}

func TestUpdatePoolMetricsSetsGauges(t *testing.T) {
	UpdatePoolMetrics(4, 3)

	if got := testutil.ToFloat64(BrowserPoolSize); got != 4 {
		t.Errorf("BrowserPoolSize = %v, want 4", got)
	}
	if got := testutil.ToFloat64(BrowserPoolAvailable); got != 3 {
		t.Errorf("BrowserPoolAvailable = %v, want 3", got)
	}
}

func TestUpdateQueueDepthSetsPerQueueGauge(t *testing.T) {
	UpdateQueueDepth("user-1:run", 5)

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("user-1:run")); got != 5 {
		t.Errorf("QueueDepth = %v, want 5", got)
	}
}

func TestUpdateWSConnectionsSetsPerNamespaceGauge(t *testing.T) {
	UpdateWSConnections("session", 2)

	if got := testutil.ToFloat64(WSActiveConnections.WithLabelValues("session")); got != 2 {
		t.Errorf("WSActiveConnections = %v, want 2", got)
	}
}

func TestRecordRecoveryIncrementsByOutcome(t *testing.T) {
	before := testutil.ToFloat64(RecoveredRunsTotal.WithLabelValues("requeued"))

	RecordRecovery("requeued")

	after := testutil.ToFloat64(RecoveredRunsTotal.WithLabelValues("requeued"))
	if after != before+1 {
		t.Errorf("RecoveredRunsTotal[requeued] = %v, want %v", after, before+1)
	}
}

func TestRecordIntegrationDeliveryIncrementsByPipelineAndOutcome(t *testing.T) {
	before := testutil.ToFloat64(IntegrationDeliveriesTotal.WithLabelValues("record-store", "success"))

	RecordIntegrationDelivery("record-store", "success")

	after := testutil.ToFloat64(IntegrationDeliveriesTotal.WithLabelValues("record-store", "success"))
	if after != before+1 {
		t.Errorf("IntegrationDeliveriesTotal = %v, want %v", after, before+1)
	}
}

func TestHandlerReturnsNonNil(t *testing.T) {
	if Handler() == nil {
		t.Error("expected a non-nil Prometheus HTTP handler")
	}
}
