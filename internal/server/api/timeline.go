package api

import (
	"errors"
	"io"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/server/clock"
	"github.com/gihongjo/probeviz/internal/server/style"
)

const (
	timelineWidth  = 960
	timelineHeight = 320
)

// errNoSamples is returned for a series that is empty or all NA.
var errNoSamples = errors.New("no numeric samples")

// timeline is what the chart of one link's congestion series needs.
type timeline struct {
	title   string
	series  model.TimeSeries
	binSize int64
	moment  int64 // unix milliseconds
}

func hexColor(hex string) drawing.Color {
	return drawing.ColorFromHex(strings.TrimPrefix(hex, "#"))
}

// renderTimeline draws the congestion level over time with a marker at the
// current moment. NA samples are left out.
func renderTimeline(w io.Writer, tl timeline) error {
	var xs []time.Time
	var ys []float64
	for _, s := range tl.series {
		f, ok := s.Value.Float()
		if !ok {
			continue
		}
		xs = append(xs, time.Unix(s.Epoch, 0).UTC())
		ys = append(ys, f)
	}
	if len(xs) == 0 {
		return errNoSamples
	}
	// go-chart needs two X values to compute a range.
	if len(xs) == 1 {
		bin := tl.binSize
		if bin <= 0 {
			bin = clock.DefaultBinSize
		}
		xs = append(xs, xs[0].Add(time.Duration(bin)*time.Second))
		ys = append(ys, ys[0])
	}

	top := 1.0
	for _, y := range ys {
		if y > top {
			top = y
		}
	}

	levels := chart.TimeSeries{
		Name:    "congestion level",
		XValues: xs,
		YValues: ys,
		Style: chart.Style{
			StrokeColor: hexColor(style.ColorLinkSelected),
			StrokeWidth: 2,
			DotColor:    hexColor(style.Reds(0.6)),
			DotWidth:    3,
		},
	}
	threshold := chart.TimeSeries{
		Name:    "threshold",
		XValues: []time.Time{xs[0], xs[len(xs)-1]},
		YValues: []float64{style.CongestionThreshold, style.CongestionThreshold},
		Style: chart.Style{
			StrokeColor:     hexColor(style.ColorLink),
			StrokeWidth:     1,
			StrokeDashArray: []float64{4, 4},
		},
	}
	series := []chart.Series{levels, threshold}

	now := time.UnixMilli(tl.moment).UTC()
	if tl.moment != 0 && !now.Before(xs[0]) && !now.After(xs[len(xs)-1]) {
		series = append(series, chart.TimeSeries{
			Name:    clock.Format(tl.moment),
			XValues: []time.Time{now, now},
			YValues: []float64{0, top},
			Style: chart.Style{
				StrokeColor: hexColor(style.ColorSelected),
				StrokeWidth: 2,
			},
		})
	}

	ch := chart.Chart{
		Title:      tl.title,
		Width:      timelineWidth,
		Height:     timelineHeight,
		Background: chart.Style{Padding: chart.Box{Top: 30, Left: 16, Right: 16, Bottom: 16}},
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat(clock.DatetimeLayout),
		},
		YAxis: chart.YAxis{
			Name:  "level",
			Range: &chart.ContinuousRange{Min: 0, Max: top},
		},
		Series: series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	return ch.Render(chart.PNG, w)
}
