package model

// NodeView holds the resolved render attributes of one node.
type NodeView struct {
	Index       int     `json:"index"`
	ID          ID      `json:"id"`
	Name        ID      `json:"name"`
	Fill        string  `json:"fill"`
	Stroke      string  `json:"stroke"`
	StrokeWidth float64 `json:"strokeWidth"`
	Radius      float64 `json:"r"`
	Highlighted bool    `json:"highlighted"`
	Inference   Value   `json:"inference"`
	Title       string  `json:"title"`
}

// LinkView holds the resolved render attributes of one link.
type LinkView struct {
	Index           int     `json:"index"`
	Source          ID      `json:"source"`
	Target          ID      `json:"target"`
	Stroke          string  `json:"stroke"`
	StrokeWidth     float64 `json:"strokeWidth"`
	Opacity         float64 `json:"opacity"`
	Highlighted     bool    `json:"highlighted"`
	CongestionLevel Value   `json:"congestionLevel"`
	Inference       Value   `json:"inference"`
	Title           string  `json:"title"`
}

// Frame is the fully resolved view of the loaded graph.
type Frame struct {
	Name          string        `json:"name"`
	Congestion    bool          `json:"congestion"`
	Moment        int64         `json:"moment,omitempty"` // unix milliseconds
	Datetime      string        `json:"datetime,omitempty"`
	ShowInference bool          `json:"showInference"`
	Graph         GraphMetadata `json:"graph"`
	Nodes         []NodeView    `json:"nodes"`
	Links         []LinkView    `json:"links"`
}

// Patch carries the attributes re-resolved after one event. When Frame is
// set the render layer must discard what it has and redraw from it.
type Patch struct {
	Frame         *Frame     `json:"frame,omitempty"`
	Moment        int64      `json:"moment,omitempty"`
	Datetime      string     `json:"datetime,omitempty"`
	ShowInference bool       `json:"showInference"`
	Nodes         []NodeView `json:"nodes,omitempty"`
	Links         []LinkView `json:"links,omitempty"`
}

// Empty reports whether the patch changes nothing on screen.
func (p *Patch) Empty() bool {
	return p.Frame == nil && len(p.Nodes) == 0 && len(p.Links) == 0
}
