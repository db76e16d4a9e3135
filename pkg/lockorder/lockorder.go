// Package lockorder records "held-before" relations between locks and
// reports the cycles and self-loops that indicate potential deadlocks.
package lockorder

import (
	"fmt"
	"go/token"
	"sort"

	"github.com/akerouanton/lockgraph/pkg/ir"
)

// Lock identifies a lock by the procedure and site of the alias graph
// location that holds it. Synthetic sites are placeholders for locks only
// reached through parameters.
type Lock struct {
	Proc      ir.ProcID
	Site      int
	Synthetic bool
}

func (l Lock) String() string {
	if l.Synthetic {
		return fmt.Sprintf("%s:#%d", l.Proc, l.Site)
	}
	return fmt.Sprintf("%s:_%d", l.Proc, l.Site)
}

// Less orders locks by procedure, named sites first, then site index.
func (l Lock) Less(o Lock) bool {
	if l.Proc != o.Proc {
		return l.Proc < o.Proc
	}
	if l.Synthetic != o.Synthetic {
		return !l.Synthetic
	}
	return l.Site < o.Site
}

// Edge records that To was acquired while From was held.
type Edge struct {
	From, To Lock
	Pos      token.Pos // where To was acquired, first occurrence
	Proc     ir.ProcID // procedure performing the acquisition
}

// SelfLoop records a lock acquired while already held.
type SelfLoop struct {
	Lock Lock
	Pos  token.Pos
	Proc ir.ProcID
}

// Cycle is a sequence of locks in acquisition order; the last lock is held
// when the first one is acquired again.
type Cycle []Lock

// Graph is the lock-order graph. It only grows.
type Graph struct {
	adj       map[Lock][]Lock
	edges     map[[2]Lock]Edge
	selfLoops map[Lock]SelfLoop
}

// New returns an empty lock-order graph.
func New() *Graph {
	return &Graph{
		adj:       make(map[Lock][]Lock),
		edges:     make(map[[2]Lock]Edge),
		selfLoops: make(map[Lock]SelfLoop),
	}
}

// AddEdge records that acquired was taken while held was held. Duplicate
// edges collapse onto the first recorded position. held == acquired is
// stored as a self-loop. It reports whether the graph changed.
func (g *Graph) AddEdge(held, acquired Lock, proc ir.ProcID, pos token.Pos) bool {
	if held == acquired {
		if _, ok := g.selfLoops[held]; ok {
			return false
		}
		g.selfLoops[held] = SelfLoop{Lock: held, Pos: pos, Proc: proc}
		return true
	}
	key := [2]Lock{held, acquired}
	if _, ok := g.edges[key]; ok {
		return false
	}
	g.edges[key] = Edge{From: held, To: acquired, Pos: pos, Proc: proc}
	g.adj[held] = append(g.adj[held], acquired)
	if _, ok := g.adj[acquired]; !ok {
		g.adj[acquired] = nil
	}
	return true
}

// HasEdge reports whether from→to was recorded.
func (g *Graph) HasEdge(from, to Lock) bool {
	_, ok := g.edges[[2]Lock{from, to}]
	return ok
}

// Edge returns the recorded edge from→to.
func (g *Graph) Edge(from, to Lock) (Edge, bool) {
	e, ok := g.edges[[2]Lock{from, to}]
	return e, ok
}

// Edges returns every non-self edge sorted by endpoints.
func (g *Graph) Edges() []Edge {
	es := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		es = append(es, e)
	}
	sort.Slice(es, func(i, j int) bool {
		if es[i].From != es[j].From {
			return es[i].From.Less(es[j].From)
		}
		return es[i].To.Less(es[j].To)
	})
	return es
}

// Locks returns every vertex with an edge, sorted.
func (g *Graph) Locks() []Lock {
	locks := make([]Lock, 0, len(g.adj))
	for l := range g.adj {
		locks = append(locks, l)
	}
	sortLocks(locks)
	return locks
}

// SelfLoops returns the re-entrant acquisitions, sorted by lock.
func (g *Graph) SelfLoops() []SelfLoop {
	loops := make([]SelfLoop, 0, len(g.selfLoops))
	for _, s := range g.selfLoops {
		loops = append(loops, s)
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i].Lock.Less(loops[j].Lock) })
	return loops
}

func sortLocks(ls []Lock) {
	sort.Slice(ls, func(i, j int) bool { return ls[i].Less(ls[j]) })
}

// Cycles enumerates cycles with a depth-first search from every unvisited
// vertex. A back edge to a vertex still on the recursion stack emits the
// stack slice from that vertex to the top. Vertices and neighbours are
// visited in sorted order so the result is deterministic. A cycle reachable
// through several back edges may be reported more than once.
func (g *Graph) Cycles() []Cycle {
	var (
		cycles  []Cycle
		stack   []Lock
		onStack = make(map[Lock]bool)
		visited = make(map[Lock]bool)
	)

	var dfs func(l Lock)
	dfs = func(l Lock) {
		visited[l] = true
		stack = append(stack, l)
		onStack[l] = true

		next := append([]Lock(nil), g.adj[l]...)
		sortLocks(next)
		for _, n := range next {
			if !visited[n] {
				dfs(n)
			} else if onStack[n] {
				i := len(stack) - 1
				for stack[i] != n {
					i--
				}
				cycles = append(cycles, append(Cycle(nil), stack[i:]...))
			}
		}

		stack = stack[:len(stack)-1]
		onStack[l] = false
	}

	for _, l := range g.Locks() {
		if !visited[l] {
			dfs(l)
		}
	}
	return cycles
}

// CycleEdges returns the edges closing c, in order, including the edge from
// the last lock back to the first.
func (g *Graph) CycleEdges(c Cycle) []Edge {
	es := make([]Edge, 0, len(c))
	for i, from := range c {
		to := c[(i+1)%len(c)]
		if e, ok := g.edges[[2]Lock{from, to}]; ok {
			es = append(es, e)
		}
	}
	return es
}
