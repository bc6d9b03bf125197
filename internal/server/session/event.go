package session

import (
	"github.com/gihongjo/probeviz/internal/model"
)

// EventKind names a user action.
type EventKind string

const (
	EventLoad            EventKind = "load"
	EventReplot          EventKind = "replot"
	EventToggleInference EventKind = "toggle_inference"
	EventStep            EventKind = "step"
	EventClickNode       EventKind = "click"
	EventDoubleClickLink EventKind = "dblclick"
	EventKey             EventKind = "key"
)

// Key names as reported by the browser's KeyboardEvent.key.
const (
	KeyEnter      = "Enter"
	KeyArrowRight = "ArrowRight"
	KeyArrowLeft  = "ArrowLeft"
)

// Event is one user action posted by the render layer.
type Event struct {
	Kind EventKind `json:"type"`

	// Load.
	Name string `json:"name,omitempty"`
	Data []byte `json:"-"`

	// Load and Replot: the datetime field, YYYY-MM-DD HH:MM (UTC).
	Datetime string `json:"datetime,omitempty"`

	// Step.
	Forward bool `json:"forward,omitempty"`

	// ClickNode.
	Node model.ID `json:"node,omitempty"`

	// DoubleClickLink.
	Link int `json:"link,omitempty"`

	// Key.
	Key   string `json:"key,omitempty"`
	Shift bool   `json:"shift,omitempty"`
}

// Load returns a load event for a parsed-on-dispatch graph file.
func Load(name string, data []byte, datetime string) Event {
	return Event{Kind: EventLoad, Name: name, Data: data, Datetime: datetime}
}

// Replot returns the event fired when the datetime field is submitted.
func Replot(datetime string) Event {
	return Event{Kind: EventReplot, Datetime: datetime}
}

// ToggleInference returns the event flipping the inference display.
func ToggleInference() Event {
	return Event{Kind: EventToggleInference}
}

// Step returns a time navigation event.
func Step(forward bool) Event {
	return Event{Kind: EventStep, Forward: forward}
}

// ClickNode returns a node click event.
func ClickNode(id model.ID) Event {
	return Event{Kind: EventClickNode, Node: id}
}

// DoubleClickLink returns a link double-click event.
func DoubleClickLink(index int) Event {
	return Event{Kind: EventDoubleClickLink, Link: index}
}

// Key returns a key press event.
func Key(key string, shift bool) Event {
	return Event{Kind: EventKey, Key: key, Shift: shift}
}

// Artifact is a text file offered for download.
type Artifact struct {
	Filename string `json:"filename"`
	Body     string `json:"body"`
	Message  string `json:"message"`
}

// Delta records which elements an event touched and must be re-resolved.
type Delta struct {
	Reset    bool  // a new graph was loaded; redraw everything
	All      bool  // every element's attributes may have changed
	Nodes    []int // node indices
	Links    []int // link indices
	Artifact *Artifact
}

// Empty reports whether the event changed nothing.
func (d Delta) Empty() bool {
	return !d.Reset && !d.All && len(d.Nodes) == 0 && len(d.Links) == 0
}
