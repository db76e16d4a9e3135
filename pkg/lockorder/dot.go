package lockorder

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

type dotNode struct {
	id    int64
	label string
	self  bool
}

func (n dotNode) ID() int64 { return n.id }
func (n dotNode) DOTID() string { return fmt.Sprintf("l%d", n.id) }
func (n dotNode) Attributes() []encoding.Attribute {
	attrs := []encoding.Attribute{{Key: "label", Value: fmt.Sprintf("%q", n.label)}}
	if n.self {
		attrs = append(attrs, encoding.Attribute{Key: "peripheries", Value: "2"})
	}
	return attrs
}

type dotEdge struct {
	from, to dotNode
	inCycle  bool
}

func (e dotEdge) From() graph.Node { return e.from }
func (e dotEdge) To() graph.Node { return e.to }
func (e dotEdge) ReversedEdge() graph.Edge { return dotEdge{from: e.to, to: e.from, inCycle: e.inCycle} }
func (e dotEdge) Attributes() []encoding.Attribute {
	if e.inCycle {
		return []encoding.Attribute{{Key: "color", Value: "red"}}
	}
	return nil
}

// WriteDOT writes the graph in the dot language, with cycle edges in red and
// self-locking locks drawn with a double border. name labels each lock.
func (g *Graph) WriteDOT(w io.Writer, title string, name func(Lock) string) error {
	if name == nil {
		name = Lock.String
	}
	cycleEdges := make(map[[2]Lock]bool)
	for _, c := range g.Cycles() {
		for _, e := range g.CycleEdges(c) {
			cycleEdges[[2]Lock{e.From, e.To}] = true
		}
	}

	dg := simple.NewDirectedGraph()
	nodes := make(map[Lock]dotNode)
	nodeFor := func(l Lock) dotNode {
		if n, ok := nodes[l]; ok {
			return n
		}
		_, self := g.selfLoops[l]
		n := dotNode{id: int64(len(nodes)), label: name(l), self: self}
		nodes[l] = n
		dg.AddNode(n)
		return n
	}
	for _, l := range g.Locks() {
		nodeFor(l)
	}
	for _, s := range g.SelfLoops() {
		nodeFor(s.Lock)
	}
	for _, e := range g.Edges() {
		dg.SetEdge(dotEdge{from: nodeFor(e.From), to: nodeFor(e.To), inCycle: cycleEdges[[2]Lock{e.From, e.To}]})
	}

	b, err := dot.Marshal(dg, title, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling lock graph: %w", err)
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
