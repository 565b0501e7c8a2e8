package graph

import (
	"fmt"
	"maps"
	"slices"
	"sort"
)

// Connection feeds one output of a source node into an input of another node.
type Connection struct {
	SourceNodeID    string `json:"nodeId" yaml:"node_id"`
	SourceOutputKey string `json:"outputKey" yaml:"output_key"`
}

// Node is a single vertex in the workflow graph.
type Node struct {
	ID string `json:"id"`
	// Block is the registry name of the block this node runs.
	Block string `json:"block"`
	// Name is a human-readable label. It defaults to ID.
	Name     string                  `json:"name,omitempty"`
	Data     map[string]any          `json:"data,omitempty"`
	Inputs   map[string][]Connection `json:"inputs,omitempty"`
	Outputs  map[string]any          `json:"outputs,omitempty"`
	State    RunState                `json:"state"`
	Disabled bool                    `json:"disabled,omitempty"`
}

// DisplayName returns Name, or ID when no name is set.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Graph is a set of nodes keyed by id. Insertion order is kept so every
// traversal is deterministic.
type Graph struct {
	ID    string
	nodes map[string]*Node
	order []string
}

// New creates and returns an initialized, empty Graph.
func New(id string) *Graph {
	return &Graph{
		ID:    id,
		nodes: make(map[string]*Node),
	}
}

// AddNode adds n to the graph. Adding a second node with the same id is an
// error.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if _, ok := g.nodes[n.ID]; ok {
		return fmt.Errorf("duplicate node id: %s", n.ID)
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string][]Connection)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// Connect wires output outputKey of node fromID into input inputKey of node
// toID. Several connections may feed the same input.
func (g *Graph) Connect(fromID, outputKey, toID, inputKey string) error {
	if _, ok := g.nodes[fromID]; !ok {
		return fmt.Errorf("source node not found: %s", fromID)
	}
	to, ok := g.nodes[toID]
	if !ok {
		return fmt.Errorf("destination node not found: %s", toID)
	}
	to.Inputs[inputKey] = append(to.Inputs[inputKey], Connection{SourceNodeID: fromID, SourceOutputKey: outputKey})
	return nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// IDs returns every node id in insertion order.
func (g *Graph) IDs() []string {
	return slices.Clone(g.order)
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Dependencies returns the sorted, unique ids of the nodes id consumes from.
// Connections to unknown nodes are included; callers decide what a missing
// producer means.
func (g *Graph) Dependencies(id string) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	return dependenciesOf(n), nil
}

// Dependents returns an index from node id to the sorted ids of the nodes
// that consume from it.
func (g *Graph) Dependents() map[string][]string {
	index := make(map[string][]string, len(g.nodes))
	for _, id := range g.order {
		for _, dep := range dependenciesOf(g.nodes[id]) {
			index[dep] = append(index[dep], id)
		}
	}
	for k := range index {
		sort.Strings(index[k])
	}
	return index
}

// Sinks returns, in insertion order, the ids of nodes nothing consumes from.
func (g *Graph) Sinks() []string {
	dependents := g.Dependents()
	var out []string
	for _, id := range g.order {
		if len(dependents[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a deep copy of the graph, including node data and outputs.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		ID:    g.ID,
		nodes: make(map[string]*Node, len(g.nodes)),
		order: slices.Clone(g.order),
	}
	for id, n := range g.nodes {
		cp := *n
		cp.Data = copyMap(n.Data)
		cp.Outputs = copyMap(n.Outputs)
		cp.Inputs = make(map[string][]Connection, len(n.Inputs))
		for k, conns := range n.Inputs {
			cp.Inputs[k] = slices.Clone(conns)
		}
		c.nodes[id] = &cp
	}
	return c
}

func dependenciesOf(n *Node) []string {
	seen := make(map[string]struct{})
	for _, conns := range n.Inputs {
		for _, c := range conns {
			seen[c.SourceNodeID] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
