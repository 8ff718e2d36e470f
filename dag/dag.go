// Package dag holds the gonum graph behind a saga definition and renders it
// as Graphviz DOT.
package dag

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type Graph struct {
	*simple.DirectedGraph
	attrs encoding.Attributes
	byID  map[int64]*Node
}

func New() *Graph {
	g := &Graph{DirectedGraph: simple.NewDirectedGraph(), byID: make(map[int64]*Node)}
	_ = g.attrs.SetAttribute(encoding.Attribute{Key: "rankdir", Value: "LR"})
	return g
}

// AddStep adds a node named after a saga step. Node IDs are handed out in
// call order, so declaration order survives into the graph.
func (g *Graph) AddStep(name, label string) *Node {
	n := &Node{Node: g.DirectedGraph.NewNode(), name: name}
	if label == "" {
		label = name
	}
	_ = n.attrs.SetAttribute(encoding.Attribute{Key: "label", Value: fmt.Sprintf("%q", label)})
	g.AddNode(n)
	g.byID[n.ID()] = n
	return n
}

// Connect adds the edge from -> to, meaning "to" depends on "from".
func (g *Graph) Connect(from, to *Node) {
	g.SetEdge(g.NewEdge(from, to))
}

// Sort returns the steps in a topological order. Among the steps that are
// ready at any point the earliest declared goes first. It fails if the
// graph has a cycle.
func (g *Graph) Sort() ([]*Node, error) {
	if _, err := topo.Sort(g); err != nil {
		return nil, err
	}

	indegree := make(map[int64]int)
	var ready []graph.Node
	nodes := g.Nodes()
	for nodes.Next() {
		n := nodes.Node()
		indegree[n.ID()] = g.To(n.ID()).Len()
		if indegree[n.ID()] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]*Node, 0, len(indegree))
	for len(ready) > 0 {
		sortByID(ready)
		n := ready[0]
		ready = ready[1:]
		out = append(out, g.byID[n.ID()])

		succ := g.From(n.ID())
		for succ.Next() {
			id := succ.Node().ID()
			indegree[id]--
			if indegree[id] == 0 {
				ready = append(ready, succ.Node())
			}
		}
	}
	return out, nil
}

// Parents returns the direct dependencies of n.
func (g *Graph) Parents(n *Node) []*Node {
	it := g.To(n.ID())
	var out []*Node
	for it.Next() {
		out = append(out, g.byID[it.Node().ID()])
	}
	return out
}

func (g *Graph) DOTAttributers() (graphAttrs, nodeAttrs, edgeAttrs encoding.Attributer) {
	return &g.attrs, &encoding.Attributes{{Key: "shape", Value: "box"}}, &encoding.Attributes{}
}

// ExportToDot exports the DAG to Graphviz .dot format.
func (g *Graph) ExportToDot(name string) (string, error) {
	data, err := dot.Marshal(g, name, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to export DAG to DOT format: %v", err)
	}
	return string(data), nil
}

func (g *Graph) NewEdge(from, to graph.Node) graph.Edge {
	return &edge{Edge: g.DirectedGraph.NewEdge(from, to)}
}

type Node struct {
	graph.Node
	name  string
	attrs encoding.Attributes
}

func (n *Node) Name() string { return n.name }

func (n *Node) DOTID() string { return n.name }

func (n *Node) Attributes() []encoding.Attribute {
	return n.attrs.Attributes()
}

func (n *Node) SetAttribute(attr encoding.Attribute) error {
	return n.attrs.SetAttribute(attr)
}

type edge struct {
	graph.Edge
	attrs encoding.Attributes
}

func (e *edge) Attributes() []encoding.Attribute {
	return e.attrs.Attributes()
}

func (e *edge) SetAttribute(attr encoding.Attribute) error {
	return e.attrs.SetAttribute(attr)
}

func sortByID(nodes []graph.Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
}
