package session

import (
	"errors"
	"math"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gihongjo/probeviz/internal/server/style"
)

const congestionGraph = `{
  "congestion": true,
  "graph": {"cpt_bin_size": 300, "congestion_begin": 1000000, "congestion_end": 1003600},
  "nodes": [
    {"id": 0, "name": 3333, "tag": [1], "hosting": ["p1", "p2"],
     "inference": [{"epoch": 999900, "value": true}]},
    {"id": 1, "name": "IX", "tag": [2]},
    {"id": 2, "name": 226, "tag": [3]}
  ],
  "links": [
    {"source": 0, "target": 1, "src_name": 3333, "tgt_name": "IX", "probe": ["p1", "p2", "p3", "p4"],
     "congestion": [{"epoch": 999900, "value": 0.5}, {"epoch": 1000200, "value": 0.05}],
     "inference": [{"epoch": 999900, "value": false}, {"epoch": 1000200, "value": true}]},
    {"source": 1, "target": 2, "src_name": "IX", "tgt_name": 226, "probe": ["p9"]}
  ]
}`

const plainGraph = `{
  "congestion": false,
  "graph": {},
  "nodes": [
    {"id": "a", "name": "a", "tag": [1], "hosting": ["p1", "p2"]},
    {"id": "b", "name": "b", "tag": [3]},
    {"id": "c", "name": "c", "tag": [1]}
  ],
  "links": [
    {"source": "a", "target": "b", "src_name": "a", "tgt_name": "b", "probe": ["p1", "p5", "p6", "p7"]},
    {"source": "c", "target": "b", "src_name": "c", "tgt_name": "b", "probe": ["p2"]},
    {"source": "c", "target": "a", "src_name": "c", "tgt_name": "a", "probe": ["p8"]}
  ]
}`

func newController(t *testing.T) *Controller {
	t.Helper()
	return NewController(zaptest.NewLogger(t))
}

func mustLoad(t *testing.T, c *Controller, doc, datetime string) {
	t.Helper()
	d, err := c.Handle(Load("test.json", []byte(doc), datetime))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !d.Reset {
		t.Fatalf("expected load to reset the display")
	}
}

func TestCongestionEndToEnd(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, congestionGraph, "")

	want := int64(1000000/300) * 300 * 1000
	if c.View().Moment != want {
		t.Fatalf("expected moment %d, got %d", want, c.View().Moment)
	}

	// floor(1000000/300)*300 = 999900: the sample at 999900 is active.
	l := &c.Graph().Links()[0]
	level := c.Graph().CongestionLevel(l, c.View().Moment)
	if f, _ := level.Float(); f != 0.5 {
		t.Fatalf("expected congestion level 0.5, got %v", level)
	}

	f, err := c.Frame()
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}
	if got := f.Links[0].Stroke; got != style.Reds(0.5) || got == style.ColorLink {
		t.Errorf("expected red link, got %s", got)
	}
	if got := f.Links[0].Opacity; got != style.OpacityBusy {
		t.Errorf("expected congested opacity, got %v", got)
	}
	if got := f.Links[1].Stroke; got != style.ColorLink {
		t.Errorf("expected gray link without series, got %s", got)
	}
	if f.Datetime != "1970-01-12 13:45" {
		t.Errorf("unexpected datetime %q", f.Datetime)
	}
}

func TestStepAndInference(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, congestionGraph, "")
	start := c.View().Moment

	p, _, err := c.Dispatch(Key(KeyArrowRight, true))
	if err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if p.Moment != start+300_000 {
		t.Fatalf("expected moment %d, got %d", start+300_000, p.Moment)
	}
	if len(p.Links) != 2 || len(p.Nodes) != 3 {
		t.Fatalf("expected every element re-resolved, got %d nodes %d links", len(p.Nodes), len(p.Links))
	}
	if p.Links[0].Stroke != style.ColorLink {
		t.Errorf("level 0.05 is below threshold, got %s", p.Links[0].Stroke)
	}

	p, _, err = c.Dispatch(Key(KeyEnter, true))
	if err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	if !p.ShowInference {
		t.Fatalf("expected inference display on")
	}
	if p.Links[0].Stroke != style.ColorInferred {
		t.Errorf("expected inferred link color, got %s", p.Links[0].Stroke)
	}
	if p.Nodes[0].Stroke != style.ColorNotInferred {
		t.Errorf("node has no inference at this bin, got %s", p.Nodes[0].Stroke)
	}

	p, _, err = c.Dispatch(Step(false))
	if err != nil {
		t.Fatalf("step back failed: %v", err)
	}
	if p.Moment != start {
		t.Errorf("expected moment back at %d, got %d", start, p.Moment)
	}
	if p.Nodes[0].Stroke != style.ColorInferred {
		t.Errorf("expected node inferred at start, got %s", p.Nodes[0].Stroke)
	}
}

func TestStepOutsideRangeResolvesNA(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, congestionGraph, "")
	for i := 0; i < 100; i++ {
		if _, err := c.Handle(Step(true)); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	f, _ := c.Frame()
	if !f.Links[0].CongestionLevel.IsNA() {
		t.Errorf("expected NA beyond range, got %v", f.Links[0].CongestionLevel)
	}
	if c.MomentInRange() {
		t.Errorf("moment %d reported in range", c.View().Moment)
	}
}

func TestMomentInRange(t *testing.T) {
	c := newController(t)
	if c.MomentInRange() {
		t.Errorf("nothing loaded must not be in range")
	}

	mustLoad(t, c, congestionGraph, "")
	if !c.MomentInRange() {
		t.Errorf("initial bin must be in range")
	}
	if _, err := c.Handle(Step(false)); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if c.MomentInRange() {
		t.Errorf("bin before begin reported in range")
	}

	mustLoad(t, c, plainGraph, "")
	if c.MomentInRange() {
		t.Errorf("topology graph must not be in range")
	}
}

func TestReplotSnapsDatetime(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, congestionGraph, "")

	p, _, err := c.Dispatch(Replot("1970-01-12 13:52"))
	if err != nil {
		t.Fatalf("replot failed: %v", err)
	}
	if p.Datetime != "1970-01-12 13:50" {
		t.Errorf("expected snapped datetime, got %q", p.Datetime)
	}

	p, _, err = c.Dispatch(Key(KeyEnter, false))
	if err != nil {
		t.Fatalf("enter failed: %v", err)
	}
	if p.Datetime != "1970-01-12 13:50" {
		t.Errorf("expected current field to be kept, got %q", p.Datetime)
	}

	p, _, err = c.Dispatch(Replot("garbage"))
	if err != nil {
		t.Fatalf("replot failed: %v", err)
	}
	if p.Datetime != "1970-01-12 13:45" {
		t.Errorf("expected fallback to range begin bin, got %q", p.Datetime)
	}
}

func TestLoadUsesSuppliedDatetime(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, congestionGraph, "1970-01-12 13:50")
	if got := c.View().Datetime; got != "1970-01-12 13:50" {
		t.Errorf("expected supplied datetime, got %q", got)
	}
	if f, _ := c.Graph().LinkLevel(0).Float(); f != 0.05 {
		t.Errorf("expected cached level at supplied moment, got %v", c.Graph().LinkLevel(0))
	}
}

func TestNavigationOnPlainGraph(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, plainGraph, "")

	for _, ev := range []Event{Step(true), Step(false), ToggleInference(), Replot(""), Key(KeyEnter, false), Key(KeyArrowLeft, true)} {
		_, err := c.Handle(ev)
		if !errors.Is(err, ErrNotCongestionGraph) {
			t.Errorf("%v: expected ErrNotCongestionGraph, got %v", ev, err)
		}
	}
	if v := c.View(); v.ShowInference || v.Moment != 0 {
		t.Errorf("expected view untouched, got %+v", v)
	}
}

func TestPathHighlightWidths(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, plainGraph, "")

	p, d, err := c.Dispatch(ClickNode("a"))
	if err != nil {
		t.Fatalf("click failed: %v", err)
	}
	if len(d.Nodes) != 1 || len(d.Links) != 2 {
		t.Fatalf("expected node a and two links touched, got %+v", d)
	}
	if p.Nodes[0].Fill != style.ColorSelected || p.Nodes[0].Radius != style.NodeRadiusSelected {
		t.Errorf("expected selected node, got %+v", p.Nodes[0])
	}
	for _, lv := range p.Links {
		l := c.Graph().Links()[lv.Index]
		want := 6 * math.Sqrt(float64(len(l.Probe)))
		if lv.StrokeWidth != want {
			t.Errorf("link %d: expected width %v, got %v", lv.Index, want, lv.StrokeWidth)
		}
		if lv.Stroke != style.ColorLinkSelected || lv.Opacity != style.OpacitySelected {
			t.Errorf("link %d: expected highlighted stroke, got %+v", lv.Index, lv)
		}
	}
	if _, ok := c.View().Selected["a"]; !ok {
		t.Errorf("expected a in selection")
	}

	p, _, err = c.Dispatch(ClickNode("a"))
	if err != nil {
		t.Fatalf("second click failed: %v", err)
	}
	for _, lv := range p.Links {
		l := c.Graph().Links()[lv.Index]
		want := 2 * math.Sqrt(float64(len(l.Probe)))
		if lv.StrokeWidth != want {
			t.Errorf("link %d: expected width %v, got %v", lv.Index, want, lv.StrokeWidth)
		}
	}
	if len(c.View().Selected) != 0 {
		t.Errorf("expected empty selection")
	}
}

func TestClickNodeWithoutHosting(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, plainGraph, "")
	d, err := c.Handle(ClickNode("b"))
	if err != nil {
		t.Fatalf("click failed: %v", err)
	}
	if !d.Empty() {
		t.Errorf("expected no-op, got %+v", d)
	}
	if _, err := c.Handle(ClickNode("zzz")); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
}

func TestDoubleClickArtifact(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, plainGraph, "")

	d, err := c.Handle(DoubleClickLink(0))
	if err != nil {
		t.Fatalf("dblclick failed: %v", err)
	}
	if d.Artifact == nil {
		t.Fatal("expected artifact")
	}
	if d.Artifact.Filename != "a_b.txt" {
		t.Errorf("unexpected filename %q", d.Artifact.Filename)
	}
	if d.Artifact.Body != "p1\np5\np6\np7" {
		t.Errorf("unexpected body %q", d.Artifact.Body)
	}
	if !strings.Contains(d.Artifact.Message, "4 probes") {
		t.Errorf("unexpected message %q", d.Artifact.Message)
	}
	if _, err := c.Handle(DoubleClickLink(7)); !errors.Is(err, ErrUnknownLink) {
		t.Errorf("expected ErrUnknownLink, got %v", err)
	}
}

func TestMalformedLoadKeepsGraph(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewController(zap.New(core))
	mustLoad(t, c, plainGraph, "")
	c.Handle(ClickNode("a"))

	_, err := c.Handle(Load("broken.json", []byte(`{"nodes": [`), ""))
	if !errors.Is(err, ErrMalformedGraph) {
		t.Fatalf("expected ErrMalformedGraph, got %v", err)
	}
	if c.Name() != "test.json" || len(c.Graph().Nodes()) != 3 {
		t.Errorf("expected previous graph to stay loaded")
	}
	if _, ok := c.View().Selected["a"]; !ok {
		t.Errorf("expected previous selection to survive")
	}
	if logs.FilterMessageSnippet("keeping current graph").Len() != 1 {
		t.Errorf("expected one warning logged, got %d", logs.Len())
	}
}

func TestLoadResetsView(t *testing.T) {
	c := newController(t)
	mustLoad(t, c, congestionGraph, "")
	c.Handle(ToggleInference())
	c.Handle(ClickNode("0"))

	mustLoad(t, c, congestionGraph, "")
	v := c.View()
	if v.ShowInference || len(v.Selected) != 0 {
		t.Errorf("expected fresh view after load, got %+v", v)
	}
	if c.Graph().IsLinkHighlighted(0) {
		t.Errorf("expected fresh highlight state after load")
	}
}

func TestEventsWithoutGraph(t *testing.T) {
	c := newController(t)
	for _, ev := range []Event{Step(true), ClickNode("a"), DoubleClickLink(0), Replot("")} {
		if _, err := c.Handle(ev); !errors.Is(err, ErrNoGraph) {
			t.Errorf("%v: expected ErrNoGraph, got %v", ev.Kind, err)
		}
	}
	if _, err := c.Frame(); !errors.Is(err, ErrNoGraph) {
		t.Errorf("expected ErrNoGraph from Frame, got %v", err)
	}
	if _, err := c.Handle(Event{Kind: "dance"}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
}
