// Package topology builds the AS-level probe graph from traceroute AS paths.
package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/agent/inputs"
	"github.com/gihongjo/probeviz/internal/model"
)

// Defaults.
const (
	DefaultDestination = 226
	DefaultMaxPaths    = 300
	DefaultSuffix      = "5010.json"
)

// ReservedHops are labels an IP-to-AS lookup returns for addresses that
// belong to no AS. They are dropped from paths.
var ReservedHops = []string{
	"", "Invalid IP address", "this", "private", "CGN", "host", "linklocal",
	"TEST-NET-1", "TEST-NET-2", "TEST-NET-3", "benchmark", "6to4",
	"multicast", "future", "broadcast",
}

// Hop is one element of an AS path: an AS number, or the name of an IXP.
type Hop struct {
	Label model.ID
	IXP   bool
}

// UnmarshalJSON accepts a number (AS) or a string (IXP or reserved label).
func (h *Hop) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*h = Hop{Label: model.ID(s), IXP: true}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("hop must be a number or a string: %s", b)
	}
	*h = Hop{Label: model.ID(n.String())}
	return nil
}

// ProbeTraces is the content of one AS path file, keyed by probe id.
type ProbeTraces map[string]struct {
	ASNPath [][]Hop `json:"asn_path"`
}

// Options controls a build.
type Options struct {
	// Destinations are the AS numbers a path must contain to be kept.
	Destinations []int64
	// MaxPaths is how many leading paths of each probe are considered.
	MaxPaths    int
	Concurrency int
}

// Builder composes AS path files into one undirected graph.
type Builder struct {
	opts     Options
	dests    map[model.ID]struct{}
	reserved map[model.ID]struct{}
	logger   *zap.Logger
}

// NewBuilder creates a builder, filling unset options with defaults.
func NewBuilder(opts Options, logger *zap.Logger) *Builder {
	if len(opts.Destinations) == 0 {
		opts.Destinations = []int64{DefaultDestination}
	}
	if opts.MaxPaths <= 0 {
		opts.MaxPaths = DefaultMaxPaths
	}
	b := &Builder{
		opts:     opts,
		dests:    make(map[model.ID]struct{}, len(opts.Destinations)),
		reserved: make(map[model.ID]struct{}, len(ReservedHops)),
		logger:   logger.Named("topology"),
	}
	for _, d := range opts.Destinations {
		b.dests[model.IDFromInt(d)] = struct{}{}
	}
	for _, r := range ReservedHops {
		b.reserved[model.ID(r)] = struct{}{}
	}
	return b
}

// Build reads files in parallel and returns the composed graph.
func (b *Builder) Build(ctx context.Context, files []string) (*model.Document, inputs.Stats, error) {
	g := newGraph()
	stats, err := inputs.DecodeAll(ctx, b.logger, files, b.opts.Concurrency, func(path string, traces *ProbeTraces) error {
		before := len(g.links)
		b.add(g, *traces)
		b.logger.Debug("input handled",
			zap.String("file", path),
			zap.Int("probes", len(*traces)),
			zap.Int("newLinks", len(g.links)-before),
		)
		return nil
	})
	if err != nil {
		return nil, stats, err
	}

	doc := g.document()
	b.logger.Info("topology built",
		zap.Int("files", stats.Files),
		zap.Int("skipped", stats.Skipped),
		zap.Int("nodes", len(doc.Nodes)),
		zap.Int("links", len(doc.Links)),
	)
	return doc, stats, nil
}

// add merges the paths of every probe of one file into g. Probes are
// handled in sorted order so ids are stable across runs.
func (b *Builder) add(g *graph, traces ProbeTraces) {
	probes := make([]string, 0, len(traces))
	for pb := range traces {
		probes = append(probes, pb)
	}
	sortLabels(probes)

	for _, pb := range probes {
		paths := traces[pb].ASNPath
		if len(paths) > b.opts.MaxPaths {
			paths = paths[:b.opts.MaxPaths]
		}
		for _, raw := range paths {
			if !b.reachesDestination(raw) {
				continue
			}
			p := b.clean(raw)
			if len(p) == 0 {
				continue
			}
			g.addPath(p, model.ID(pb), b.dests)
		}
	}
}

func (b *Builder) reachesDestination(path []Hop) bool {
	for _, h := range path {
		if _, ok := b.dests[h.Label]; ok && !h.IXP {
			return true
		}
	}
	return false
}

// clean drops reserved labels and collapses repeated consecutive hops.
func (b *Builder) clean(path []Hop) []Hop {
	out := make([]Hop, 0, len(path))
	for _, h := range path {
		if _, ok := b.reserved[h.Label]; ok && h.IXP {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == h {
			continue
		}
		out = append(out, h)
	}
	return out
}

// -----------------------------------------------------------------------
// Graph accumulation
// -----------------------------------------------------------------------

type role uint8

const (
	roleSource role = 1 << iota
	roleIXP
	roleDestination
)

type nodeAccumulator struct {
	hop     Hop
	roles   role
	hosting map[model.ID]struct{}
}

type edgeKey struct{ a, b model.ID }

func keyOf(a, b model.ID) edgeKey {
	if b < a {
		a, b = b, a
	}
	return edgeKey{a, b}
}

// linkAccumulator collects the probes traversing one undirected link.
type linkAccumulator struct {
	source, target model.ID
	probes         map[model.ID]struct{}
}

type graph struct {
	nodes     map[model.ID]*nodeAccumulator
	nodeOrder []model.ID
	links     map[edgeKey]*linkAccumulator
	linkOrder []edgeKey
}

func newGraph() *graph {
	return &graph{
		nodes: make(map[model.ID]*nodeAccumulator),
		links: make(map[edgeKey]*linkAccumulator),
	}
}

func (g *graph) node(h Hop) *nodeAccumulator {
	n, ok := g.nodes[h.Label]
	if !ok {
		n = &nodeAccumulator{hop: h, hosting: make(map[model.ID]struct{})}
		g.nodes[h.Label] = n
		g.nodeOrder = append(g.nodeOrder, h.Label)
	}
	return n
}

func (g *graph) addPath(p []Hop, probe model.ID, dests map[model.ID]struct{}) {
	for i, h := range p {
		n := g.node(h)
		if i == 0 {
			n.roles |= roleSource
			n.hosting[probe] = struct{}{}
		}
		if h.IXP {
			n.roles |= roleIXP
		}
		if _, ok := dests[h.Label]; ok || i == len(p)-1 {
			n.roles |= roleDestination
		}
		if i == 0 {
			continue
		}

		prev := p[i-1].Label
		k := keyOf(prev, h.Label)
		l, ok := g.links[k]
		if !ok {
			l = &linkAccumulator{source: prev, target: h.Label, probes: make(map[model.ID]struct{})}
			g.links[k] = l
			g.linkOrder = append(g.linkOrder, k)
		}
		l.probes[probe] = struct{}{}
	}
}

// document lays the graph out with dense integer node ids in order of
// first appearance.
func (g *graph) document() *model.Document {
	doc := &model.Document{
		Nodes: make([]model.Node, 0, len(g.nodeOrder)),
		Links: make([]model.Link, 0, len(g.linkOrder)),
	}

	ids := make(map[model.ID]model.ID, len(g.nodeOrder))
	for i, label := range g.nodeOrder {
		n := g.nodes[label]
		id := model.IDFromInt(int64(i))
		ids[label] = id

		tags, termination := n.roles.tags()
		doc.Nodes = append(doc.Nodes, model.Node{
			ID:          id,
			Name:        label,
			Tag:         tags,
			Termination: termination,
			Hosting:     sortedIDs(n.hosting),
		})
	}

	for _, k := range g.linkOrder {
		l := g.links[k]
		doc.Links = append(doc.Links, model.Link{
			Source:  ids[l.source],
			Target:  ids[l.target],
			SrcName: l.source,
			TgtName: l.target,
			Probe:   sortedIDs(l.probes),
		})
	}
	return doc
}

// tags returns every role tag of the node and the termination, the first
// role in source, IXP, destination order.
func (r role) tags() ([]int, int) {
	var tags []int
	if r&roleSource != 0 {
		tags = append(tags, model.TagSource)
	}
	if r&roleIXP != 0 {
		tags = append(tags, model.TagIXP)
	}
	if r&roleDestination != 0 {
		tags = append(tags, model.TagDestination)
	}
	if len(tags) == 0 {
		return []int{model.TagOther}, model.TagOther
	}
	return tags, tags[0]
}

func sortedIDs(set map[model.ID]struct{}) []model.ID {
	if len(set) == 0 {
		return nil
	}
	labels := make([]string, 0, len(set))
	for id := range set {
		labels = append(labels, string(id))
	}
	sortLabels(labels)
	ids := make([]model.ID, len(labels))
	for i, l := range labels {
		ids[i] = model.ID(l)
	}
	return ids
}

// sortLabels orders numeric labels numerically, before any other label.
func sortLabels(labels []string) {
	sort.Slice(labels, func(i, j int) bool {
		a, aerr := strconv.ParseInt(labels[i], 10, 64)
		b, berr := strconv.ParseInt(labels[j], 10, 64)
		switch {
		case aerr == nil && berr == nil:
			return a < b
		case aerr == nil:
			return true
		case berr == nil:
			return false
		default:
			return labels[i] < labels[j]
		}
	})
}
