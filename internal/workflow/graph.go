package workflow

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Output references one output slot of a graph node. It marshals to the
// renderer's ["<node id>", slot] wire form.
type Output struct {
	Node string
	Slot int
}

// MarshalJSON implements the renderer's connection encoding.
func (o Output) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{o.Node, o.Slot})
}

// Node is one operation in a render graph.
type Node struct {
	ClassType string                 `json:"class_type"`
	Inputs    map[string]interface{} `json:"inputs"`
}

// NodeRef is a handle to a node in a specific graph. Wiring happens through
// handles instead of raw string ids so chain construction stays correct for
// any chain length.
type NodeRef struct {
	id string
}

// ID exposes the underlying node id for inspection.
func (r NodeRef) ID() string { return r.id }

// Out returns a connection to one of the node's output slots.
func (r NodeRef) Out(slot int) Output {
	return Output{Node: r.id, Slot: slot}
}

// Graph is a render request graph under construction. Node ids are assigned
// sequentially, so identical build sequences produce identical graphs.
type Graph struct {
	nodes map[string]*Node
	next  int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node), next: 1}
}

// Add appends a node and returns its handle. The inputs map is copied.
func (g *Graph) Add(classType string, inputs map[string]interface{}) NodeRef {
	id := strconv.Itoa(g.next)
	g.next++

	copied := make(map[string]interface{}, len(inputs))
	for k, v := range inputs {
		copied[k] = v
	}
	g.nodes[id] = &Node{ClassType: classType, Inputs: copied}
	return NodeRef{id: id}
}

// Remove deletes a node. Connections into it become dangling and must be
// rewired by the caller.
func (g *Graph) Remove(ref NodeRef) {
	delete(g.nodes, ref.id)
}

// Node returns the node behind a handle.
func (g *Graph) Node(ref NodeRef) (*Node, bool) {
	n, ok := g.nodes[ref.id]
	return n, ok
}

// SetInput sets one input on an existing node.
func (g *Graph) SetInput(ref NodeRef, key string, value interface{}) bool {
	n, ok := g.nodes[ref.id]
	if !ok {
		return false
	}
	n.Inputs[key] = value
	return true
}

// Input reads one input from a node.
func (g *Graph) Input(ref NodeRef, key string) (interface{}, bool) {
	n, ok := g.nodes[ref.id]
	if !ok {
		return nil, false
	}
	v, ok := n.Inputs[key]
	return v, ok
}

// Len reports the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Refs returns handles for all nodes in id order.
func (g *Graph) Refs() []NodeRef {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, _ := strconv.Atoi(ids[i])
		b, _ := strconv.Atoi(ids[j])
		return a < b
	})
	refs := make([]NodeRef, len(ids))
	for i, id := range ids {
		refs[i] = NodeRef{id: id}
	}
	return refs
}

// ByClass returns handles for all nodes of a class type, in id order.
func (g *Graph) ByClass(classType string) []NodeRef {
	var refs []NodeRef
	for _, ref := range g.Refs() {
		if g.nodes[ref.id].ClassType == classType {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Clone deep-copies the graph, preserving ids and the id counter.
func (g *Graph) Clone() *Graph {
	out := &Graph{nodes: make(map[string]*Node, len(g.nodes)), next: g.next}
	for id, n := range g.nodes {
		inputs := make(map[string]interface{}, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = v
		}
		out.nodes[id] = &Node{ClassType: n.ClassType, Inputs: inputs}
	}
	return out
}

// MarshalJSON encodes the graph as the renderer's node-id keyed object.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.nodes)
}
