// Package clock tracks the moment a congestion graph is viewed at. All
// instants are unix milliseconds; bins are whole seconds.
package clock

import (
	"errors"
	"time"

	"github.com/gihongjo/probeviz/internal/model"
)

// DatetimeLayout is the format of the datetime text field (UTC).
const DatetimeLayout = "2006-01-02 15:04"

// DefaultBinSize is used when a congestion graph does not declare
// cpt_bin_size. It matches the bin the congestion builder writes.
const DefaultBinSize = 600

// ErrNotCongestion is returned when a clock is requested for a plain
// topology graph.
var ErrNotCongestion = errors.New("graph carries no congestion time axis")

// Clock holds the current moment of a congestion graph together with its
// bin size and valid range.
type Clock struct {
	binSize int64 // seconds
	begin   int64
	end     int64
	moment  int64
}

// New returns a clock initialised from meta with the moment on the bin
// containing congestion_begin.
func New(meta model.GraphMetadata) (*Clock, error) {
	if !meta.Congestion {
		return nil, ErrNotCongestion
	}
	c := &Clock{}
	c.Initialize(meta)
	return c, nil
}

// Initialize resets bin size, range and moment from meta.
func (c *Clock) Initialize(meta model.GraphMetadata) {
	c.binSize = meta.BinSize
	if c.binSize <= 0 {
		c.binSize = DefaultBinSize
	}
	c.begin = meta.Begin * 1000
	c.end = meta.End * 1000
	c.moment = floorDiv(meta.Begin, c.binSize) * c.binSize * 1000
}

// BinSize returns the bin size in seconds.
func (c *Clock) BinSize() int64 {
	return c.binSize
}

// Range returns the valid congestion range.
func (c *Clock) Range() (begin, end int64) {
	return c.begin, c.end
}

// InRange reports whether the bin starting at millis overlaps the declared
// range, so the initial moment is always in range. Moments outside it are
// still allowed; their lookups resolve to NA.
func (c *Clock) InRange(millis int64) bool {
	return millis+c.binSize*1000 > c.begin && millis <= c.end
}

// Moment returns the current bin-aligned moment.
func (c *Clock) Moment() int64 {
	return c.moment
}

// SetMoment snaps millis to its bin and makes it the current moment.
func (c *Clock) SetMoment(millis int64) int64 {
	c.moment = c.Snap(millis)
	return c.moment
}

// Snap returns the start of the bin containing millis.
func (c *Clock) Snap(millis int64) int64 {
	bin := c.binSize * 1000
	return floorDiv(millis, bin) * bin
}

// SnapText parses a datetime field value and snaps it. Text that does not
// parse falls back to the start of the range.
func (c *Clock) SnapText(text string) int64 {
	millis, err := Parse(text)
	if err != nil {
		millis = c.begin
	}
	return c.Snap(millis)
}

// Step moves the moment one bin forward or backward and returns it. The
// moment is not clamped to the range.
func (c *Clock) Step(forward bool) int64 {
	if forward {
		c.moment += c.binSize * 1000
	} else {
		c.moment -= c.binSize * 1000
	}
	return c.moment
}

// Format renders millis for the datetime field.
func Format(millis int64) string {
	return time.UnixMilli(millis).UTC().Format(DatetimeLayout)
}

// Parse reads a datetime field value as UTC.
func Parse(text string) (int64, error) {
	t, err := time.ParseInLocation(DatetimeLayout, text, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
