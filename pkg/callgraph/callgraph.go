// Package callgraph records the direct calls between the procedures of a
// Source and computes the callee-before-caller visiting order shared by the
// alias and lock-set analyses.
package callgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/yourbasic/graph"
)

// Site is one in-source call.
type Site struct {
	Caller ir.ProcID
	Block  ir.BlockID
	Call   *ir.Call
	Callee ir.ProcID
}

// Graph is the caller→callee relation of a Source.
type Graph struct {
	procs   []ir.ProcID
	index   map[ir.ProcID]int
	callees map[ir.ProcID][]ir.ProcID
	entry   ir.ProcID
	order   []ir.ProcID

	// Sites lists every in-source call in procedure declaration order.
	Sites []Site
}

// Build scans every procedure's terminators for direct calls to other
// procedures of src.
func Build(src ir.Source) *Graph {
	g := &Graph{
		index:   make(map[ir.ProcID]int),
		callees: make(map[ir.ProcID][]ir.ProcID),
	}
	for _, p := range src.Procedures() {
		g.index[p.ID] = len(g.procs)
		g.procs = append(g.procs, p.ID)
	}
	for _, p := range src.Procedures() {
		seen := make(map[ir.ProcID]bool)
		for _, bc := range p.Calls() {
			if !bc.Call.InSource() {
				continue
			}
			callee := bc.Call.Callee.Proc
			if _, ok := g.index[callee]; !ok {
				continue
			}
			g.Sites = append(g.Sites, Site{Caller: p.ID, Block: bc.Block, Call: bc.Call, Callee: callee})
			if !seen[callee] {
				seen[callee] = true
				g.callees[p.ID] = append(g.callees[p.ID], callee)
			}
		}
	}
	if entry, ok := src.Entry(); ok {
		g.entry = entry
	}
	g.order = g.topoOrder()
	return g
}

// Callees returns the distinct procedures p calls, in first-call order.
func (g *Graph) Callees(p ir.ProcID) []ir.ProcID { return g.callees[p] }

// Order returns every procedure with callees before their callers. Within a
// recursive cycle the order is the DFS finishing order.
func (g *Graph) Order() []ir.ProcID { return g.order }

// topoOrder is a DFS postorder seeded from the entry procedure, then from
// every procedure not yet visited in declaration order.
func (g *Graph) topoOrder() []ir.ProcID {
	visited := make(map[ir.ProcID]bool, len(g.procs))
	order := make([]ir.ProcID, 0, len(g.procs))

	var dfs func(p ir.ProcID)
	dfs = func(p ir.ProcID) {
		visited[p] = true
		for _, c := range g.callees[p] {
			if !visited[c] {
				dfs(c)
			}
		}
		order = append(order, p)
	}

	if g.entry != "" {
		dfs(g.entry)
	}
	for _, p := range g.procs {
		if !visited[p] {
			dfs(p)
		}
	}
	return order
}

// Recursive returns the groups of procedures that call each other
// (directly or through a cycle), including self-recursive procedures.
// Each group is sorted and groups are ordered by their first member.
func (g *Graph) Recursive() [][]ir.ProcID {
	m := graph.New(len(g.procs))
	for caller, callees := range g.callees {
		for _, callee := range callees {
			m.Add(g.index[caller], g.index[callee])
		}
	}

	var groups [][]ir.ProcID
	for _, comp := range graph.StrongComponents(m) {
		if len(comp) == 1 && !m.Edge(comp[0], comp[0]) {
			continue
		}
		group := make([]ir.ProcID, len(comp))
		for i, v := range comp {
			group[i] = g.procs[v]
		}
		sort.Slice(group, func(i, j int) bool { return group[i] < group[j] })
		groups = append(groups, group)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })
	return groups
}

// String dumps the visiting order and edges. The format is for debugging
// only.
func (g *Graph) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "call graph order (%d procedures):\n", len(g.order))
	for i, p := range g.order {
		fmt.Fprintf(&b, "  %3d %s", i, p)
		if cs := g.callees[p]; len(cs) > 0 {
			names := make([]string, len(cs))
			for j, c := range cs {
				names[j] = string(c)
			}
			fmt.Fprintf(&b, " -> %s", strings.Join(names, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
