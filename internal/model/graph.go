package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Role tags carried in Node.Tag.
const (
	TagSource      = 1
	TagIXP         = 2
	TagDestination = 3
	TagOther       = 4
)

// ErrInvalidDocument is returned when a graph document cannot be decoded.
var ErrInvalidDocument = errors.New("invalid graph document")

// ID identifies a node, a node name, or a probe. Graph files mix JSON
// strings and integers for these; both decode to the same ID.
type ID string

// IDFromInt formats an integer identifier.
func IDFromInt(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("identifier must be a string or a number, got %s", b)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON writes integer-looking identifiers back as numbers so
// documents keep the shape they were built with.
func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// Sample is one time series entry.
type Sample struct {
	Epoch int64 `json:"epoch"` // unix seconds
	Value Value `json:"value"`
}

// TimeSeries is a sequence of samples sorted ascending by Epoch.
type TimeSeries []Sample

// Element is anything that carries an inference series.
type Element interface {
	InferenceSeries() TimeSeries
}

// Node is a network entity: a probe source AS, an IXP, a destination, or
// a transit AS.
type Node struct {
	ID          ID         `json:"id"`
	Name        ID         `json:"name"`
	Tag         []int      `json:"tag"`
	Termination int        `json:"termination,omitempty"`
	Hosting     []ID       `json:"hosting,omitempty"`
	Congestion  TimeSeries `json:"congestion,omitempty"`
	Inference   TimeSeries `json:"inference,omitempty"`
}

// UnmarshalJSON fills Tag from the legacy scalar termination field when
// the document predates role sets.
func (n *Node) UnmarshalJSON(b []byte) error {
	type plain Node
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	if len(p.Tag) == 0 {
		if p.Termination != 0 {
			p.Tag = []int{p.Termination}
		} else {
			p.Tag = []int{TagOther}
		}
	}
	*n = Node(p)
	return nil
}

// HasTag reports whether the node carries the given role tag.
func (n *Node) HasTag(tag int) bool {
	for _, t := range n.Tag {
		if t == tag {
			return true
		}
	}
	return false
}

// InferenceSeries implements Element.
func (n *Node) InferenceSeries() TimeSeries {
	return n.Inference
}

// Link is an undirected adjacency traversed by one or more probes.
type Link struct {
	Source     ID         `json:"source"`
	Target     ID         `json:"target"`
	SrcName    ID         `json:"src_name,omitempty"`
	TgtName    ID         `json:"tgt_name,omitempty"`
	Probe      []ID       `json:"probe"`
	Congestion TimeSeries `json:"congestion,omitempty"`
	Inference  TimeSeries `json:"inference,omitempty"`
}

// InferenceSeries implements Element.
func (l *Link) InferenceSeries() TimeSeries {
	return l.Inference
}

// Names returns the display names of both ends, falling back to the node
// ids when the document carries no names.
func (l *Link) Names() (src, tgt ID) {
	src, tgt = l.SrcName, l.TgtName
	if src == "" {
		src = l.Source
	}
	if tgt == "" {
		tgt = l.Target
	}
	return src, tgt
}

// GraphMetadata describes the time axis of a congestion graph. Keys this
// package does not know are kept in Extra so they can be shown as-is.
type GraphMetadata struct {
	Congestion bool   `json:"-"`
	BinSize    int64  `json:"cpt_bin_size,omitempty"`     // seconds
	Begin      int64  `json:"congestion_begin,omitempty"` // unix seconds
	End        int64  `json:"congestion_end,omitempty"`   // unix seconds
	Method     string `json:"cpt_method,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

var metadataKeys = map[string]bool{
	"cpt_bin_size":     true,
	"congestion_begin": true,
	"congestion_end":   true,
	"cpt_method":       true,
}

// UnmarshalJSON decodes the known keys and keeps the rest in Extra.
func (m *GraphMetadata) UnmarshalJSON(b []byte) error {
	type plain GraphMetadata
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k, v := range all {
		if metadataKeys[k] {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]json.RawMessage)
		}
		p.Extra[k] = v
	}
	congestion := m.Congestion
	*m = GraphMetadata(p)
	m.Congestion = congestion
	return nil
}

// MarshalJSON merges Extra back with the known keys.
func (m GraphMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.BinSize != 0 {
		out["cpt_bin_size"] = m.BinSize
	}
	if m.Begin != 0 {
		out["congestion_begin"] = m.Begin
	}
	if m.End != 0 {
		out["congestion_end"] = m.End
	}
	if m.Method != "" {
		out["cpt_method"] = m.Method
	}
	return json.Marshal(out)
}

// Document is the on-disk graph file.
type Document struct {
	Congestion bool          `json:"congestion"`
	Directed   bool          `json:"directed"`
	Multigraph bool          `json:"multigraph"`
	Graph      GraphMetadata `json:"graph"`
	Nodes      []Node        `json:"nodes"`
	Links      []Link        `json:"links"`
}

// DecodeDocument parses a graph file and checks that every link refers to
// a known node.
func DecodeDocument(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	doc.Graph.Congestion = doc.Congestion

	ids := make(map[ID]struct{}, len(doc.Nodes))
	for i := range doc.Nodes {
		id := doc.Nodes[i].ID
		if _, dup := ids[id]; dup {
			return nil, fmt.Errorf("%w: duplicate node id %q", ErrInvalidDocument, id)
		}
		ids[id] = struct{}{}
	}
	for i := range doc.Links {
		l := &doc.Links[i]
		if _, ok := ids[l.Source]; !ok {
			return nil, fmt.Errorf("%w: link %d has unknown source %q", ErrInvalidDocument, i, l.Source)
		}
		if _, ok := ids[l.Target]; !ok {
			return nil, fmt.Errorf("%w: link %d has unknown target %q", ErrInvalidDocument, i, l.Target)
		}
	}
	return &doc, nil
}

// Encode serialises the document in the graph file format.
func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}
