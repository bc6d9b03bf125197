package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/model"
)

// Default configuration values.
const (
	DefaultFlushInterval = 30 * time.Second
)

// Metric types handed to the MetricWriter.
const (
	TypeLatency  = "latency"
	TypeEvents   = "events"
	TypeNotices  = "notice_rate"
	TypeFailures = "failure_rate"
)

// Outcome classifies how an event was handled.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeNotice is a rejected event the user is told about, such as
	// time navigation on a plain graph.
	OutcomeNotice
	OutcomeFailure
)

// Dispatch latency histogram bucket boundaries in nanoseconds.
// Buckets: 10µs, 50µs, 100µs, 500µs, 1ms, 5ms, 10ms, 50ms, 100ms, 500ms, 1s, +Inf
var defaultBucketBoundaries = []float64{
	10e3,  // 10µs
	50e3,  // 50µs
	100e3, // 100µs
	500e3, // 500µs
	1e6,   // 1ms
	5e6,   // 5ms
	10e6,  // 10ms
	50e6,  // 50ms
	100e6, // 100ms
	500e6, // 500ms
	1e9,   // 1s
}

// Aggregator collects per-event-kind interaction metrics and periodically
// flushes them as one summary per kind, and as time series points.
type Aggregator struct {
	metricWriter  model.MetricWriter
	summaryWriter model.SummaryWriter
	logger        *zap.Logger

	flushInterval time.Duration
	buckets       []float64

	mu          sync.Mutex
	kinds       map[string]*kindMetrics
	windowStart time.Time
	graph       string
	latest      []model.TimeSeriesPoint

	stopCh chan struct{}
	doneCh chan struct{}
}

// kindMetrics holds the counters of one event kind.
type kindMetrics struct {
	// len == len(buckets)+1; the last element is the +Inf bucket.
	latencyCounts []uint64
	latencySum    float64

	count    uint64
	notices  uint64
	failures uint64
}

// NewAggregator creates an aggregator. A nil writer only keeps the latest
// flush in memory.
func NewAggregator(metricWriter model.MetricWriter, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		metricWriter:  metricWriter,
		logger:        logger.Named("metrics"),
		flushInterval: DefaultFlushInterval,
		buckets:       defaultBucketBoundaries,
		kinds:         make(map[string]*kindMetrics),
		windowStart:   time.Now(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetFlushInterval changes the flush period. It must be called before Start.
func (a *Aggregator) SetFlushInterval(d time.Duration) {
	if d > 0 {
		a.flushInterval = d
	}
}

// SetSummaryWriter sets where per-kind summaries go. It must be called
// before Start.
func (a *Aggregator) SetSummaryWriter(w model.SummaryWriter) {
	a.summaryWriter = w
}

// SetGraph records the name of the graph the viewer shows. Summaries
// flushed afterwards carry it.
func (a *Aggregator) SetGraph(name string) {
	a.mu.Lock()
	a.graph = name
	a.mu.Unlock()
}

// Start begins the background flush loop.
func (a *Aggregator) Start() {
	go a.flushLoop()
}

// Stop signals the flush loop to stop and waits for completion.
func (a *Aggregator) Stop() {
	close(a.stopCh)
	<-a.doneCh
}

// Observe records one handled event.
func (a *Aggregator) Observe(kind string, outcome Outcome, latency time.Duration) {
	if kind == "" {
		kind = "unknown"
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	km := a.getOrCreate(kind)
	km.count++
	switch outcome {
	case OutcomeNotice:
		km.notices++
	case OutcomeFailure:
		km.failures++
	}
	if latency > 0 {
		a.observeLatency(km, float64(latency.Nanoseconds()))
	}
}

// Latest returns the points produced by the most recent flush.
func (a *Aggregator) Latest() []model.TimeSeriesPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.TimeSeriesPoint, len(a.latest))
	copy(out, a.latest)
	return out
}

// getOrCreate must be called with a.mu held.
func (a *Aggregator) getOrCreate(kind string) *kindMetrics {
	km, ok := a.kinds[kind]
	if !ok {
		km = &kindMetrics{
			latencyCounts: make([]uint64, len(a.buckets)+1),
		}
		a.kinds[kind] = km
	}
	return km
}

// observeLatency must be called with a.mu held.
func (a *Aggregator) observeLatency(km *kindMetrics, latencyNs float64) {
	km.latencySum += latencyNs

	i := sort.SearchFloat64s(a.buckets, latencyNs)
	km.latencyCounts[i]++
}

func (a *Aggregator) flushLoop() {
	defer close(a.doneCh)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.stopCh:
			// Final flush before exit.
			a.flush()
			return
		}
	}
}

// flush summarises the accumulated counters, hands them to the writers,
// and resets the accumulators.
func (a *Aggregator) flush() {
	now := time.Now()

	a.mu.Lock()
	snapshot := a.kinds
	start := a.windowStart
	graph := a.graph
	a.kinds = make(map[string]*kindMetrics)
	a.windowStart = now
	a.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	summaries := a.summarize(snapshot, start, now, graph)
	byType := pointsOf(summaries)

	var latest []model.TimeSeriesPoint
	for _, t := range []string{TypeLatency, TypeEvents, TypeNotices, TypeFailures} {
		latest = append(latest, byType[t]...)
	}
	a.mu.Lock()
	a.latest = latest
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.metricWriter != nil {
		for _, t := range []string{TypeLatency, TypeEvents, TypeNotices, TypeFailures} {
			if len(byType[t]) == 0 {
				continue
			}
			if err := a.metricWriter.WriteMetrics(ctx, byType[t], t); err != nil {
				a.logger.Error("failed to write metrics", zap.String("type", t), zap.Error(err))
			}
		}
	}
	if a.summaryWriter != nil {
		if err := a.summaryWriter.WriteSummaries(ctx, summaries); err != nil {
			a.logger.Error("failed to write summaries", zap.Error(err))
		}
	}

	a.logger.Debug("flushed metrics",
		zap.Int("kinds", len(snapshot)),
		zap.Int("points", len(latest)),
	)
}

// summarize returns one summary per event kind, in kind name order.
func (a *Aggregator) summarize(snapshot map[string]*kindMetrics, start, now time.Time, graph string) []model.InteractionSummary {
	kinds := make([]string, 0, len(snapshot))
	for k := range snapshot {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	out := make([]model.InteractionSummary, 0, len(kinds))
	for _, kind := range kinds {
		km := snapshot[kind]
		s := model.InteractionSummary{
			Timestamp:   now,
			WindowStart: start,
			Event:       kind,
			Graph:       graph,
			Count:       km.count,
			Notices:     km.notices,
			Failures:    km.failures,
		}
		if km.count > 0 {
			s.NoticeRate = float64(km.notices) / float64(km.count)
			s.FailureRate = float64(km.failures) / float64(km.count)
		}
		if total := totalHistogramCount(km.latencyCounts); total > 0 {
			s.LatencySamples = total
			s.LatencyMeanMs = km.latencySum / float64(total) / 1e6
			s.LatencyP50Ms = histogramPercentile(a.buckets, km.latencyCounts, total, 0.50) / 1e6
			s.LatencyP95Ms = histogramPercentile(a.buckets, km.latencyCounts, total, 0.95) / 1e6
			s.LatencyP99Ms = histogramPercentile(a.buckets, km.latencyCounts, total, 0.99) / 1e6
		}
		out = append(out, s)
	}
	return out
}

// pointsOf flattens summaries into points grouped by metric type. Latency
// points are in nanoseconds and labelled with their quantile.
func pointsOf(summaries []model.InteractionSummary) map[string][]model.TimeSeriesPoint {
	byType := make(map[string][]model.TimeSeriesPoint)
	for _, s := range summaries {
		labels := map[string]string{"event": s.Event}
		if s.LatencySamples > 0 {
			for _, q := range []struct {
				label string
				ms    float64
			}{{"0.5", s.LatencyP50Ms}, {"0.95", s.LatencyP95Ms}, {"0.99", s.LatencyP99Ms}} {
				byType[TypeLatency] = append(byType[TypeLatency], model.TimeSeriesPoint{
					Timestamp: s.Timestamp,
					Value:     q.ms * 1e6,
					Labels:    withLabel(labels, "quantile", q.label),
				})
			}
		}
		byType[TypeEvents] = append(byType[TypeEvents], model.TimeSeriesPoint{
			Timestamp: s.Timestamp,
			Value:     float64(s.Count),
			Labels:    copyLabels(labels),
		})
		byType[TypeNotices] = append(byType[TypeNotices], model.TimeSeriesPoint{
			Timestamp: s.Timestamp,
			Value:     s.NoticeRate,
			Labels:    copyLabels(labels),
		})
		byType[TypeFailures] = append(byType[TypeFailures], model.TimeSeriesPoint{
			Timestamp: s.Timestamp,
			Value:     s.FailureRate,
			Labels:    copyLabels(labels),
		})
	}
	return byType
}

// LogWriter is a MetricWriter that logs every point.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter returns a writer logging at info level.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger.Named("stats")}
}

// WriteMetrics implements model.MetricWriter.
func (w *LogWriter) WriteMetrics(_ context.Context, points []model.TimeSeriesPoint, metricType string) error {
	for _, p := range points {
		w.logger.Info(metricType,
			zap.Time("ts", p.Timestamp),
			zap.Float64("value", p.Value),
			zap.Any("labels", p.Labels),
		)
	}
	return nil
}

// -----------------------------------------------------------------------
// Histogram helpers
// -----------------------------------------------------------------------

func totalHistogramCount(counts []uint64) uint64 {
	var total uint64
	for _, c := range counts {
		total += c
	}
	return total
}

// histogramPercentile estimates a quantile from bucket counts by linear
// interpolation inside the bucket holding it. counts has one more entry
// than buckets for +Inf, which is taken to end at twice the last boundary.
func histogramPercentile(buckets []float64, counts []uint64, total uint64, quantile float64) float64 {
	target := quantile * float64(total)
	var cumulative float64

	for i, count := range counts {
		cumulative += float64(count)
		if cumulative < target || count == 0 {
			continue
		}
		var lower, upper float64
		if i > 0 {
			lower = buckets[i-1]
		}
		if i < len(buckets) {
			upper = buckets[i]
		} else if len(buckets) > 0 {
			upper = buckets[len(buckets)-1] * 2
		}
		fraction := (target - (cumulative - float64(count))) / float64(count)
		return lower + fraction*(upper-lower)
	}

	if len(buckets) > 0 {
		return buckets[len(buckets)-1]
	}
	return 0
}

// -----------------------------------------------------------------------
// Label helpers
// -----------------------------------------------------------------------

func copyLabels(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func withLabel(src map[string]string, key, value string) map[string]string {
	dst := copyLabels(src)
	dst[key] = value
	return dst
}
