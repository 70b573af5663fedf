// Package observability holds the Prometheus metrics recorded by turns.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks turn outcomes, model calls, tool executions and streamed
// chunks. A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(reg)
//	metrics.RecordTurn("jobs", "success")
type Metrics struct {
	// TurnCounter counts completed turns.
	// Labels: task, outcome (success|error)
	TurnCounter *prometheus.CounterVec

	// ModelRequestCounter counts model calls.
	// Labels: mode (complete|stream), status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ModelRequestDuration measures model call latency in seconds.
	// Labels: mode
	ModelRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool calls.
	// Labels: tool_name, status (success|unknown|invalid|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures handler time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// StreamChunkCounter counts text chunks emitted to streaming callers.
	StreamChunkCounter prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_turns_total",
				Help: "Total number of turns by task and outcome",
			},
			[]string{"task", "outcome"},
		),

		ModelRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_model_requests_total",
				Help: "Total number of model requests by mode and status",
			},
			[]string{"mode", "status"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpilot_model_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpilot_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool_name"},
		),

		StreamChunkCounter: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskpilot_stream_chunks_total",
				Help: "Total number of text chunks emitted by streaming turns",
			},
		),
	}
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(task, outcome string) {
	if m == nil {
		return
	}
	m.TurnCounter.WithLabelValues(task, outcome).Inc()
}

// RecordModelRequest records one model call.
func (m *Metrics) RecordModelRequest(mode, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ModelRequestCounter.WithLabelValues(mode, status).Inc()
	m.ModelRequestDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// RecordToolExecution records one tool call. Duration is only observed for
// calls that reached the handler.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	if durationSeconds > 0 {
		m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
	}
}

// RecordStreamChunk counts one emitted chunk.
func (m *Metrics) RecordStreamChunk() {
	if m == nil {
		return
	}
	m.StreamChunkCounter.Inc()
}
