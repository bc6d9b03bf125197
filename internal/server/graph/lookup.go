package graph

import (
	"sort"

	"github.com/gihongjo/probeviz/internal/model"
)

// Lookup returns the value recorded exactly at queryMillis (unix
// milliseconds), or model.NA when no sample sits on that instant. series
// must be sorted ascending by epoch; this is not checked.
func Lookup(series model.TimeSeries, queryMillis int64) model.Value {
	i := sort.Search(len(series), func(i int) bool {
		return series[i].Epoch*1000 >= queryMillis
	})
	if i < len(series) && series[i].Epoch*1000 == queryMillis {
		return series[i].Value
	}
	return model.NA
}
