package session

import (
	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/server/style"
)

// Frame resolves every element of the loaded graph.
func (c *Controller) Frame() (*model.Frame, error) {
	if c.graph == nil {
		return nil, ErrNoGraph
	}
	nodes := c.graph.Nodes()
	links := c.graph.Links()

	f := &model.Frame{
		Name:          c.name,
		Congestion:    c.graph.IsCongestion(),
		Moment:        c.view.Moment,
		Datetime:      c.view.Datetime,
		ShowInference: c.view.ShowInference,
		Graph:         c.graph.Metadata(),
		Nodes:         make([]model.NodeView, len(nodes)),
		Links:         make([]model.LinkView, len(links)),
	}
	if !f.Congestion {
		f.Moment = 0
	}
	for i := range nodes {
		f.Nodes[i] = c.nodeView(i)
	}
	for i := range links {
		f.Links[i] = c.linkView(i)
	}
	return f, nil
}

// Resolve computes the render attributes of everything d touched. It must
// be called after Handle returned d and before the next event.
func (c *Controller) Resolve(d Delta) model.Patch {
	p := model.Patch{
		ShowInference: c.view.ShowInference,
	}
	if c.graph == nil {
		return p
	}
	if c.graph.IsCongestion() {
		p.Moment = c.view.Moment
		p.Datetime = c.view.Datetime
	}

	switch {
	case d.Reset:
		p.Frame, _ = c.Frame()
	case d.All:
		for i := range c.graph.Nodes() {
			p.Nodes = append(p.Nodes, c.nodeView(i))
		}
		for i := range c.graph.Links() {
			p.Links = append(p.Links, c.linkView(i))
		}
	default:
		for _, i := range d.Nodes {
			p.Nodes = append(p.Nodes, c.nodeView(i))
		}
		for _, i := range d.Links {
			p.Links = append(p.Links, c.linkView(i))
		}
	}
	return p
}

// Dispatch handles ev and resolves what it touched.
func (c *Controller) Dispatch(ev Event) (model.Patch, Delta, error) {
	d, err := c.Handle(ev)
	if err != nil {
		return model.Patch{}, d, err
	}
	return c.Resolve(d), d, nil
}

func (c *Controller) nodeView(i int) model.NodeView {
	n := &c.graph.Nodes()[i]
	highlighted := c.graph.IsNodeHighlighted(i)
	inference := c.graph.NodeInference(i)
	isCongestion := c.graph.IsCongestion()

	return model.NodeView{
		Index:       i,
		ID:          n.ID,
		Name:        n.Name,
		Fill:        style.NodeColor(n, highlighted),
		Stroke:      style.NodeBorder(isCongestion, c.view.ShowInference, inference),
		StrokeWidth: style.NodeStrokeWidth,
		Radius:      style.NodeRadius(highlighted),
		Highlighted: highlighted,
		Inference:   inference,
		Title:       style.NodeTitle(n),
	}
}

func (c *Controller) linkView(i int) model.LinkView {
	l := &c.graph.Links()[i]
	highlighted := c.graph.IsLinkHighlighted(i)
	level := c.graph.LinkLevel(i)
	inference := c.graph.LinkInference(i)
	isCongestion := c.graph.IsCongestion()

	return model.LinkView{
		Index:           i,
		Source:          l.Source,
		Target:          l.Target,
		Stroke:          style.LinkColor(isCongestion, c.view.ShowInference, level, inference, highlighted),
		StrokeWidth:     style.LinkWidth(l, highlighted),
		Opacity:         style.LinkOpacity(l, isCongestion, level, highlighted),
		Highlighted:     highlighted,
		CongestionLevel: level,
		Inference:       inference,
		Title:           style.LinkTitle(l, isCongestion, level),
	}
}
