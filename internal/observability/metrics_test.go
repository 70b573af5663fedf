package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTurn("jobs", "success")
	m.RecordTurn("jobs", "success")
	m.RecordTurn("chat", "error")

	expected := `
		# HELP taskpilot_turns_total Total number of turns by task and outcome
		# TYPE taskpilot_turns_total counter
		taskpilot_turns_total{outcome="error",task="chat"} 1
		taskpilot_turns_total{outcome="success",task="jobs"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestRecordModelRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordModelRequest("complete", "success", 0.4)
	m.RecordModelRequest("stream", "error", 1.2)

	if v := testutil.ToFloat64(m.ModelRequestCounter.WithLabelValues("complete", "success")); v != 1 {
		t.Errorf("expected 1 successful complete request, got %v", v)
	}
	if count := testutil.CollectAndCount(m.ModelRequestDuration); count != 2 {
		t.Errorf("expected 2 duration series, got %d", count)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordToolExecution("addJob", "success", 0.02)
	m.RecordToolExecution("doesNotExist", "unknown", 0)

	if v := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("doesNotExist", "unknown")); v != 1 {
		t.Errorf("expected 1 unknown tool call, got %v", v)
	}
	if count := testutil.CollectAndCount(m.ToolExecutionDuration); count != 1 {
		t.Errorf("expected only handler calls to be timed, got %d series", count)
	}
}

func TestRecordStreamChunk(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	for i := 0; i < 3; i++ {
		m.RecordStreamChunk()
	}
	if v := testutil.ToFloat64(m.StreamChunkCounter); v != 3 {
		t.Errorf("expected 3 chunks, got %v", v)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTurn("chat", "success")
	m.RecordModelRequest("complete", "success", 1)
	m.RecordToolExecution("x", "success", 1)
	m.RecordStreamChunk()
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected registering twice on one registry to panic")
		}
	}()
	NewMetrics(reg)
}
