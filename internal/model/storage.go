package model

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrGraphNotFound is returned when no graph exists under a name.
	ErrGraphNotFound = errors.New("graph not found")
	// ErrInvalidGraphName is returned for names a store cannot hold.
	ErrInvalidGraphName = errors.New("invalid graph name")
)

// GraphFile describes a graph document available for loading.
type GraphFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// GraphSource lists and reads graph documents.
type GraphSource interface {
	ListGraphs(ctx context.Context) ([]GraphFile, error)
	ReadGraph(ctx context.Context, name string) ([]byte, error)
}

// TimeSeriesPoint represents a single metric data point.
type TimeSeriesPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// MetricWriter writes aggregated metrics.
type MetricWriter interface {
	WriteMetrics(ctx context.Context, points []TimeSeriesPoint, metricType string) error
}

// InteractionSummary describes how one kind of viewer event was handled
// during a flush window. Latencies are in milliseconds.
type InteractionSummary struct {
	Timestamp      time.Time `json:"timestamp"`
	WindowStart    time.Time `json:"windowStart"`
	Event          string    `json:"event"`
	Graph          string    `json:"graph,omitempty"`
	Count          uint64    `json:"count"`
	Notices        uint64    `json:"notices"`
	Failures       uint64    `json:"failures"`
	NoticeRate     float64   `json:"noticeRate"`
	FailureRate    float64   `json:"failureRate"`
	LatencySamples uint64    `json:"latencySamples"`
	LatencyMeanMs  float64   `json:"latencyMeanMs"`
	LatencyP50Ms   float64   `json:"latencyP50Ms"`
	LatencyP95Ms   float64   `json:"latencyP95Ms"`
	LatencyP99Ms   float64   `json:"latencyP99Ms"`
}

// SummaryWriter writes the interaction summaries of a flush window.
type SummaryWriter interface {
	WriteSummaries(ctx context.Context, summaries []InteractionSummary) error
}

// GraphSink stores graph documents under a name.
type GraphSink interface {
	WriteGraph(ctx context.Context, name string, data []byte) error
}
