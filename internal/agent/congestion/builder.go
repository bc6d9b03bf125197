// Package congestion attaches per-bin congestion indices to a probe graph
// from the change points detected in each probe's RTT series.
package congestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/agent/inputs"
	"github.com/gihongjo/probeviz/internal/model"
)

// Defaults.
const (
	DefaultBinSize = 600
	DefaultMethod  = "cpt_poisson&MBIC"
)

// TimeLayout is the layout of --begin and --stop.
const TimeLayout = "2006-01-02 15:04:05 -0700"

// ErrEmptyRange is returned when the range ends before it begins.
var ErrEmptyRange = errors.New("congestion range ends before it begins")

// ProbeChanges is the content of one change detection file, keyed by
// probe id. Each record holds parallel arrays: "epoch" and one array per
// detection method. Arrays of other methods are not decoded.
type ProbeChanges map[string]map[string]json.RawMessage

// Options controls a build.
type Options struct {
	Begin   int64 // unix seconds, inclusive
	End     int64 // unix seconds, inclusive
	BinSize int64 // seconds
	// Method names the detection result array to read.
	Method      string
	Concurrency int
}

// Builder computes congestion series for the links of a topology.
type Builder struct {
	opts   Options
	logger *zap.Logger
}

// NewBuilder creates a builder, filling unset options with defaults.
func NewBuilder(opts Options, logger *zap.Logger) (*Builder, error) {
	if opts.BinSize <= 0 {
		opts.BinSize = DefaultBinSize
	}
	if opts.Method == "" {
		opts.Method = DefaultMethod
	}
	if opts.End < opts.Begin {
		return nil, fmt.Errorf("%w: %d < %d", ErrEmptyRange, opts.End, opts.Begin)
	}
	return &Builder{opts: opts, logger: logger.Named("congestion")}, nil
}

// binAccumulator sums the changes seen on one link per bin.
type binAccumulator struct {
	bins map[int64]float64
}

func (a *binAccumulator) add(bin int64, v float64) {
	if a.bins == nil {
		a.bins = make(map[int64]float64)
	}
	a.bins[bin] += v
}

// series normalises the sums by the probe count of the link, rounded to
// three decimals, sorted by bin.
func (a *binAccumulator) series(probes int) model.TimeSeries {
	if len(a.bins) == 0 || probes == 0 {
		return nil
	}
	epochs := make([]int64, 0, len(a.bins))
	for e := range a.bins {
		epochs = append(epochs, e)
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })

	out := make(model.TimeSeries, len(epochs))
	for i, e := range epochs {
		v := math.Round(a.bins[e]/float64(probes)*1000) / 1000
		out[i] = model.Sample{Epoch: e, Value: model.Number(v)}
	}
	return out
}

// Build returns a copy of topo carrying the congestion series of every
// link and the time axis metadata.
func (b *Builder) Build(ctx context.Context, topo *model.Document, files []string) (*model.Document, inputs.Stats, error) {
	probeLinks := make(map[model.ID][]int)
	for i, l := range topo.Links {
		if len(l.Probe) == 0 {
			b.logger.Warn("link without probes", zap.Int("link", i))
		}
		for _, pb := range l.Probe {
			probeLinks[pb] = append(probeLinks[pb], i)
		}
	}

	acc := make([]binAccumulator, len(topo.Links))
	stats, err := inputs.DecodeAll(ctx, b.logger, files, b.opts.Concurrency, func(path string, changes *ProbeChanges) error {
		start := time.Now()
		for pb, rec := range *changes {
			links := probeLinks[model.ID(pb)]
			if len(links) == 0 {
				continue
			}
			epochs, values, err := b.decodeRecord(rec)
			if err != nil {
				b.logger.Warn("skipping probe record", zap.String("file", path), zap.String("probe", pb), zap.Error(err))
				continue
			}
			n := min(len(epochs), len(values))
			for k := 0; k < n; k++ {
				t := int64(epochs[k])
				if t < b.opts.Begin || t > b.opts.End {
					continue
				}
				bin := floorDiv(t, b.opts.BinSize) * b.opts.BinSize
				for _, li := range links {
					acc[li].add(bin, values[k])
				}
			}
		}
		b.logger.Debug("input handled", zap.String("file", path), zap.Duration("elapsed", time.Since(start)))
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	out := *topo
	out.Congestion = true
	out.Graph = topo.Graph
	out.Graph.Congestion = true
	out.Graph.Begin = b.opts.Begin
	out.Graph.End = b.opts.End
	out.Graph.BinSize = b.opts.BinSize
	out.Graph.Method = b.opts.Method
	out.Nodes = append([]model.Node(nil), topo.Nodes...)
	out.Links = make([]model.Link, len(topo.Links))
	for i, l := range topo.Links {
		l.Congestion = acc[i].series(len(l.Probe))
		out.Links[i] = l
	}

	b.logger.Info("congestion computed",
		zap.Int("files", stats.Files),
		zap.Int("skipped", stats.Skipped),
		zap.Int("links", len(out.Links)),
		zap.Int("probes", len(probeLinks)),
	)
	return &out, stats, nil
}

func (b *Builder) decodeRecord(rec map[string]json.RawMessage) (epochs, values []float64, err error) {
	if raw, ok := rec["epoch"]; ok {
		if err := json.Unmarshal(raw, &epochs); err != nil {
			return nil, nil, fmt.Errorf("epoch: %w", err)
		}
	}
	if raw, ok := rec[b.opts.Method]; ok {
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", b.opts.Method, err)
		}
	}
	return epochs, values, nil
}

// ParseTime reads a --begin/--stop value: either TimeLayout or unix
// seconds.
func ParseTime(s string) (int64, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return secs, nil
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return 0, fmt.Errorf("time %q must be unix seconds or %q: %w", s, TimeLayout, err)
	}
	return t.Unix(), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
