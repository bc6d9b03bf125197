// Package style maps graph elements and view toggles to render
// attributes. Every function here is pure.
package style

import (
	"fmt"
	"math"
	"strings"

	"github.com/gihongjo/probeviz/internal/model"
)

// Palette.
const (
	ColorDestination = "#e41a1c"
	ColorIXP         = "#fdb462"
	ColorSource      = "#bebada"
	ColorOther       = "#b3de69"
	ColorSelected    = "#4a1486"

	ColorInferred    = "#810f7c"
	ColorNotInferred = "#74c476"
	ColorBorder      = "white"

	ColorLink         = "#999"
	ColorLinkSelected = "#e34a31"
)

// Sizes and thresholds.
const (
	NodeRadiusDefault  = 6
	NodeRadiusSelected = 10
	NodeStrokeWidth    = 2

	// CongestionThreshold is the level above which a link is drawn as
	// congested.
	CongestionThreshold = 0.1
	// BusyProbeCount is the probe count above which a plain-graph link is
	// drawn prominently.
	BusyProbeCount = 30

	OpacitySelected = 0.9
	OpacityBusy     = 0.6
	OpacityQuiet    = 0.1
)

// NodeColor returns the fill of a node: the selection color while its
// paths are shown, otherwise the color of its most significant role
// (destination, then IXP, then source).
func NodeColor(n *model.Node, highlighted bool) string {
	switch {
	case highlighted:
		return ColorSelected
	case n.HasTag(model.TagDestination):
		return ColorDestination
	case n.HasTag(model.TagIXP):
		return ColorIXP
	case n.HasTag(model.TagSource):
		return ColorSource
	default:
		return ColorOther
	}
}

// NodeBorder returns the stroke of a node.
func NodeBorder(isCongestion, showInference bool, inference model.Value) string {
	if isCongestion && showInference {
		return inferenceColor(inference)
	}
	return ColorBorder
}

// NodeRadius returns the circle radius of a node.
func NodeRadius(highlighted bool) float64 {
	if highlighted {
		return NodeRadiusSelected
	}
	return NodeRadiusDefault
}

// LinkColor returns the stroke of a link.
func LinkColor(isCongestion, showInference bool, level, inference model.Value, highlighted bool) string {
	if !isCongestion {
		if highlighted {
			return ColorLinkSelected
		}
		return ColorLink
	}
	if showInference {
		return inferenceColor(inference)
	}
	if l, ok := congested(level); ok {
		return Reds(l)
	}
	return ColorLink
}

// LinkOpacity returns the opacity of a link.
func LinkOpacity(l *model.Link, isCongestion bool, level model.Value, highlighted bool) float64 {
	switch {
	case highlighted:
		return OpacitySelected
	case isCongestion:
		if _, ok := congested(level); ok {
			return OpacityBusy
		}
		return OpacityQuiet
	case len(l.Probe) > BusyProbeCount:
		return OpacityBusy
	default:
		return OpacityQuiet
	}
}

// LinkWidth returns the stroke width of a link, growing with the square
// root of its probe count.
func LinkWidth(l *model.Link, highlighted bool) float64 {
	w := math.Sqrt(float64(len(l.Probe)))
	if highlighted {
		return 6 * w
	}
	return 2 * w
}

// NodeTitle returns the tooltip of a node.
func NodeTitle(n *model.Node) string {
	if len(n.Hosting) == 0 {
		return string(n.Name)
	}
	return fmt.Sprintf("%s\nhosting: %s", n.Name, joinIDs(n.Hosting, ","))
}

// LinkTitle returns the tooltip of a link.
func LinkTitle(l *model.Link, isCongestion bool, level model.Value) string {
	src, tgt := l.Names()
	text := fmt.Sprintf("%d probes on (%s, %s)", len(l.Probe), src, tgt)
	if isCongestion {
		text += "\ncongestion level: " + level.String()
	}
	return text
}

// ProbeList renders probe ids one per line.
func ProbeList(l *model.Link) string {
	return joinIDs(l.Probe, "\n")
}

func inferenceColor(v model.Value) string {
	if v.Truthy() {
		return ColorInferred
	}
	return ColorNotInferred
}

// congested returns the level when it is above the threshold. NA counts
// as below.
func congested(level model.Value) (float64, bool) {
	l, ok := level.Float()
	if !ok || l <= CongestionThreshold {
		return 0, false
	}
	return l, true
}

func joinIDs(ids []model.ID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, sep)
}
