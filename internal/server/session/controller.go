// Package session turns user actions into graph and view state changes and
// resolves the render attributes those changes affect.
package session

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/server/clock"
	"github.com/gihongjo/probeviz/internal/server/graph"
	"github.com/gihongjo/probeviz/internal/server/style"
)

var (
	// ErrNoGraph is returned for events that need a loaded graph.
	ErrNoGraph = errors.New("no graph loaded")
	// ErrNotCongestionGraph is the notice shown when time navigation is
	// attempted on a plain topology graph. No state is changed.
	ErrNotCongestionGraph = errors.New("only congestion graph can be navigated in time")
	// ErrMalformedGraph is returned when a loaded file cannot be used. The
	// previously loaded graph stays in place.
	ErrMalformedGraph = errors.New("malformed graph file")
	// ErrUnknownNode is returned when a click names a node not in the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrUnknownLink is returned for a link index out of range.
	ErrUnknownLink = errors.New("unknown link")
	// ErrUnknownEvent is returned for an unrecognised event kind.
	ErrUnknownEvent = errors.New("unknown event")
)

// ViewState is the state of the viewer that survives time navigation:
// the current moment, the inference toggle, the selected nodes, and the
// text of the datetime field.
type ViewState struct {
	Moment        int64
	Datetime      string
	ShowInference bool
	Selected      map[model.ID]struct{}
}

// Controller owns the loaded GraphModel, its clock, and the ViewState.
// Every event is applied in full by Handle before Resolve reads the
// result.
//
// Controller is not safe for concurrent use; callers serialise access.
type Controller struct {
	logger *zap.Logger

	name  string
	graph *graph.GraphModel
	clock *clock.Clock
	view  ViewState
}

// NewController creates a controller with nothing loaded.
func NewController(logger *zap.Logger) *Controller {
	return &Controller{
		logger: logger.Named("session"),
		view:   ViewState{Selected: make(map[model.ID]struct{})},
	}
}

// Loaded reports whether a graph is loaded.
func (c *Controller) Loaded() bool {
	return c.graph != nil
}

// Name returns the name the current graph was loaded under.
func (c *Controller) Name() string {
	return c.name
}

// Graph returns the loaded graph model, or nil.
func (c *Controller) Graph() *graph.GraphModel {
	return c.graph
}

// View returns a copy of the view state.
func (c *Controller) View() ViewState {
	v := c.view
	v.Selected = make(map[model.ID]struct{}, len(c.view.Selected))
	for id := range c.view.Selected {
		v.Selected[id] = struct{}{}
	}
	return v
}

// MomentInRange reports whether the current moment lies within the
// congestion range the graph declares. It is false for topology graphs.
func (c *Controller) MomentInRange() bool {
	return c.clock != nil && c.clock.InRange(c.view.Moment)
}

// Handle applies one event and reports what it touched.
func (c *Controller) Handle(ev Event) (Delta, error) {
	switch ev.Kind {
	case EventLoad:
		return c.load(ev.Name, ev.Data, ev.Datetime)
	case EventReplot:
		return c.replot(ev.Datetime)
	case EventToggleInference:
		return c.toggleInference()
	case EventStep:
		return c.step(ev.Forward)
	case EventClickNode:
		return c.clickNode(ev.Node)
	case EventDoubleClickLink:
		return c.doubleClickLink(ev.Link)
	case EventKey:
		return c.key(ev)
	default:
		return Delta{}, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
}

func (c *Controller) load(name string, data []byte, datetime string) (Delta, error) {
	doc, err := model.DecodeDocument(data)
	if err != nil {
		c.logger.Warn("failed to parse graph file, keeping current graph",
			zap.String("name", name),
			zap.Error(err),
		)
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformedGraph, err)
	}
	g, err := graph.New(doc)
	if err != nil {
		c.logger.Warn("failed to index graph file, keeping current graph",
			zap.String("name", name),
			zap.Error(err),
		)
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformedGraph, err)
	}

	view := ViewState{
		Datetime: datetime,
		Selected: make(map[model.ID]struct{}),
	}

	var clk *clock.Clock
	if doc.Congestion {
		clk, err = clock.New(doc.Graph)
		if err != nil {
			return Delta{}, fmt.Errorf("%w: %v", ErrMalformedGraph, err)
		}
		if millis, perr := clock.Parse(datetime); perr == nil {
			clk.SetMoment(millis)
		}
		view.Moment = clk.Moment()
		view.Datetime = clock.Format(view.Moment)
		g.Sync(view.Moment)
	}

	c.name = name
	c.graph = g
	c.clock = clk
	c.view = view

	c.logger.Info("graph loaded",
		zap.String("name", name),
		zap.Bool("congestion", doc.Congestion),
		zap.Int("nodes", len(doc.Nodes)),
		zap.Int("links", len(doc.Links)),
		zap.String("moment", view.Datetime),
	)
	return Delta{Reset: true}, nil
}

func (c *Controller) replot(datetime string) (Delta, error) {
	if err := c.requireCongestion(); err != nil {
		return Delta{}, err
	}
	if datetime == "" {
		datetime = c.view.Datetime
	}
	c.setMoment(c.clock.SnapText(datetime))
	return Delta{All: true}, nil
}

func (c *Controller) toggleInference() (Delta, error) {
	if err := c.requireCongestion(); err != nil {
		return Delta{}, err
	}
	c.view.ShowInference = !c.view.ShowInference
	return Delta{All: true}, nil
}

func (c *Controller) step(forward bool) (Delta, error) {
	if err := c.requireCongestion(); err != nil {
		return Delta{}, err
	}
	c.setMoment(c.clock.Step(forward))
	return Delta{All: true}, nil
}

func (c *Controller) clickNode(id model.ID) (Delta, error) {
	if c.graph == nil {
		return Delta{}, ErrNoGraph
	}
	i, ok := c.graph.NodeIndex(id)
	if !ok {
		return Delta{}, fmt.Errorf("%w: %q", ErrUnknownNode, id)
	}
	if len(c.graph.Nodes()[i].Hosting) == 0 {
		return Delta{}, nil
	}

	on, links := c.graph.TogglePathHighlight(i)
	if on {
		c.view.Selected[id] = struct{}{}
	} else {
		delete(c.view.Selected, id)
	}
	return Delta{Nodes: []int{i}, Links: links}, nil
}

func (c *Controller) doubleClickLink(i int) (Delta, error) {
	a, err := c.LinkArtifact(i)
	if err != nil {
		return Delta{}, err
	}
	return Delta{Artifact: &a}, nil
}

func (c *Controller) key(ev Event) (Delta, error) {
	if ev.Shift {
		switch ev.Key {
		case KeyEnter:
			return c.toggleInference()
		case KeyArrowRight:
			return c.step(true)
		case KeyArrowLeft:
			return c.step(false)
		}
		return Delta{}, nil
	}
	if ev.Key == KeyEnter {
		return c.replot(ev.Datetime)
	}
	return Delta{}, nil
}

// LinkArtifact returns the probe id list of link i as a downloadable
// text file named after its end points.
func (c *Controller) LinkArtifact(i int) (Artifact, error) {
	if c.graph == nil {
		return Artifact{}, ErrNoGraph
	}
	links := c.graph.Links()
	if i < 0 || i >= len(links) {
		return Artifact{}, fmt.Errorf("%w: %d", ErrUnknownLink, i)
	}
	l := &links[i]
	src, tgt := l.Names()
	fn := fmt.Sprintf("%s_%s.txt", src, tgt)
	return Artifact{
		Filename: fn,
		Body:     style.ProbeList(l),
		Message:  fmt.Sprintf("IDs of %d probes on (%s, %s) saved to file: %s", len(l.Probe), src, tgt, fn),
	}, nil
}

func (c *Controller) requireCongestion() error {
	if c.graph == nil {
		return ErrNoGraph
	}
	if c.clock == nil {
		return ErrNotCongestionGraph
	}
	return nil
}

func (c *Controller) setMoment(millis int64) {
	c.view.Moment = c.clock.SetMoment(millis)
	c.view.Datetime = clock.Format(c.view.Moment)
	c.graph.Sync(c.view.Moment)
}
