package graph

import (
	"fmt"

	"github.com/gihongjo/probeviz/internal/model"
)

// GraphModel holds one loaded graph and the state derived from it: which
// nodes have their probe paths highlighted, and the time series values at
// the moment last passed to Sync.
//
// A link is highlighted while at least one highlighted node hosts a probe
// traversing it. Overlapping paths are reference counted, so turning one
// path off never hides a link another highlighted path still uses.
//
// GraphModel is not safe for concurrent use.
type GraphModel struct {
	doc *model.Document

	nodeIndex  map[model.ID]int
	linkProbes []map[model.ID]struct{}
	incident   [][]int // node index -> link indices

	nodeHighlighted []bool
	linkHighlights  []int

	synced        bool
	moment        int64
	linkLevel     []model.Value
	linkInference []model.Value
	nodeInference []model.Value
}

// New indexes a decoded document. It fails when a link refers to a node
// the document does not contain.
func New(doc *model.Document) (*GraphModel, error) {
	g := &GraphModel{
		doc:             doc,
		nodeIndex:       make(map[model.ID]int, len(doc.Nodes)),
		linkProbes:      make([]map[model.ID]struct{}, len(doc.Links)),
		incident:        make([][]int, len(doc.Nodes)),
		nodeHighlighted: make([]bool, len(doc.Nodes)),
		linkHighlights:  make([]int, len(doc.Links)),
		linkLevel:       make([]model.Value, len(doc.Links)),
		linkInference:   make([]model.Value, len(doc.Links)),
		nodeInference:   make([]model.Value, len(doc.Nodes)),
	}

	for i := range doc.Nodes {
		g.nodeIndex[doc.Nodes[i].ID] = i
	}

	for i := range doc.Links {
		l := &doc.Links[i]
		src, ok := g.nodeIndex[l.Source]
		if !ok {
			return nil, fmt.Errorf("link %d: unknown source node %q", i, l.Source)
		}
		tgt, ok := g.nodeIndex[l.Target]
		if !ok {
			return nil, fmt.Errorf("link %d: unknown target node %q", i, l.Target)
		}
		g.incident[src] = append(g.incident[src], i)
		if tgt != src {
			g.incident[tgt] = append(g.incident[tgt], i)
		}

		probes := make(map[model.ID]struct{}, len(l.Probe))
		for _, p := range l.Probe {
			probes[p] = struct{}{}
		}
		g.linkProbes[i] = probes
	}

	return g, nil
}

// IsCongestion reports whether the graph carries time series.
func (g *GraphModel) IsCongestion() bool {
	return g.doc.Congestion
}

// Metadata returns the graph-level metadata.
func (g *GraphModel) Metadata() model.GraphMetadata {
	return g.doc.Graph
}

// Nodes returns the node slice. Callers must not modify it.
func (g *GraphModel) Nodes() []model.Node {
	return g.doc.Nodes
}

// Links returns the link slice. Callers must not modify it.
func (g *GraphModel) Links() []model.Link {
	return g.doc.Links
}

// NodeIndex resolves a node id to its position in Nodes.
func (g *GraphModel) NodeIndex(id model.ID) (int, bool) {
	i, ok := g.nodeIndex[id]
	return i, ok
}

// LinksOf returns the indices of links incident to node i.
func (g *GraphModel) LinksOf(i int) []int {
	return g.incident[i]
}

// CongestionLevel returns the congestion index of link at moment (unix
// milliseconds). Plain topology graphs always yield model.NA.
func (g *GraphModel) CongestionLevel(link *model.Link, moment int64) model.Value {
	if !g.doc.Congestion {
		return model.NA
	}
	return Lookup(link.Congestion, moment)
}

// InferenceResult returns the inference value of a node or link at moment.
// Plain topology graphs always yield model.NA.
func (g *GraphModel) InferenceResult(el model.Element, moment int64) model.Value {
	if !g.doc.Congestion {
		return model.NA
	}
	return Lookup(el.InferenceSeries(), moment)
}

// Sync caches the congestion and inference values of every element at
// moment. The cache is read through LinkLevel, LinkInference and
// NodeInference.
func (g *GraphModel) Sync(moment int64) {
	if g.synced && g.moment == moment {
		return
	}
	for i := range g.doc.Links {
		l := &g.doc.Links[i]
		g.linkLevel[i] = g.CongestionLevel(l, moment)
		g.linkInference[i] = g.InferenceResult(l, moment)
	}
	for i := range g.doc.Nodes {
		g.nodeInference[i] = g.InferenceResult(&g.doc.Nodes[i], moment)
	}
	g.synced = true
	g.moment = moment
}

// LinkLevel returns the cached congestion level of link i.
func (g *GraphModel) LinkLevel(i int) model.Value {
	return g.linkLevel[i]
}

// LinkInference returns the cached inference value of link i.
func (g *GraphModel) LinkInference(i int) model.Value {
	return g.linkInference[i]
}

// NodeInference returns the cached inference value of node i.
func (g *GraphModel) NodeInference(i int) model.Value {
	return g.nodeInference[i]
}

// IsNodeHighlighted reports whether node i has its paths shown.
func (g *GraphModel) IsNodeHighlighted(i int) bool {
	return g.nodeHighlighted[i]
}

// IsLinkHighlighted reports whether link i lies on a highlighted path.
func (g *GraphModel) IsLinkHighlighted(i int) bool {
	return g.linkHighlights[i] > 0
}

// HighlightedNodes returns the ids of nodes whose paths are shown.
func (g *GraphModel) HighlightedNodes() []model.ID {
	var ids []model.ID
	for i, on := range g.nodeHighlighted {
		if on {
			ids = append(ids, g.doc.Nodes[i].ID)
		}
	}
	return ids
}

// TogglePathHighlight flips the path highlight of node i and returns the
// new state together with the links whose reference count changed. A node
// without hosted probes has no path and is left untouched.
func (g *GraphModel) TogglePathHighlight(i int) (bool, []int) {
	node := &g.doc.Nodes[i]
	if len(node.Hosting) == 0 {
		return g.nodeHighlighted[i], nil
	}

	on := !g.nodeHighlighted[i]
	g.nodeHighlighted[i] = on

	delta := 1
	if !on {
		delta = -1
	}

	var touched []int
	for li := range g.doc.Links {
		if !g.sharesProbe(li, node.Hosting) {
			continue
		}
		g.linkHighlights[li] += delta
		if g.linkHighlights[li] < 0 {
			g.linkHighlights[li] = 0
		}
		touched = append(touched, li)
	}
	return on, touched
}

func (g *GraphModel) sharesProbe(link int, probes []model.ID) bool {
	set := g.linkProbes[link]
	for _, p := range probes {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}
