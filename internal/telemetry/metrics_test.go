package telemetry

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderNilSafe(t *testing.T) {
	var r *Recorder
	r.RecordForward("gcs_to_router")
	r.RecordBlock("gcs_to_router")
	r.RecordDelay("gcs_to_router")
	r.RecordBatch("gcs_to_router")
	r.RecordAck("gcs_to_router")
	r.RecordRuleMatch("some_rule")
	r.RecordParseFailure("gcs_to_router")
}

func TestRecorderCountsForwards(t *testing.T) {
	r := NewRecorder(nil)
	r.RecordForward("gcs_to_router")
	r.RecordForward("gcs_to_router")

	count := testutilToFloat(t, r, "gcs_to_router")
	if count != 2 {
		t.Fatalf("expected 2 forwards recorded, got %v", count)
	}
}

func testutilToFloat(t *testing.T, r *Recorder, direction string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := r.framesForwarded.WithLabelValues(direction).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}
