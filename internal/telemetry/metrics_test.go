package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveStage("intent", true, 20*time.Millisecond)
	m.ObserveCache("intent", true)
	m.ObserveCache("intent", false)
	m.IncFlagDisagreement()
	m.AddIdentifiersDropped(2)

	if got := testutil.ToFloat64(m.stageRuns.WithLabelValues("intent", "success")); got != 1 {
		t.Fatalf("expected 1 stage run, got %v", got)
	}
	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("intent", "hit")); got != 1 {
		t.Fatalf("expected 1 cache hit, got %v", got)
	}
	if got := testutil.ToFloat64(m.flagDisagreements); got != 1 {
		t.Fatalf("expected 1 disagreement, got %v", got)
	}
	if got := testutil.ToFloat64(m.identifiersDropped); got != 2 {
		t.Fatalf("expected 2 dropped identifiers, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("intent", false, time.Second)
	m.ObserveLLM("openai", true, time.Second)
	m.ObserveSandbox("timeout")
	m.IncFlagDisagreement()
}
