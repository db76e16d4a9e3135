package deadlock

import (
	"fmt"
	"go/token"
	"io"
	"strings"

	"github.com/akerouanton/lockgraph/pkg/alias"
	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/akerouanton/lockgraph/pkg/lockorder"
)

// LockInfo describes a lock for humans: the variable it was constructed
// into and where.
type LockInfo struct {
	Lock  lockorder.Lock
	Label string
	Pos   token.Pos // construction site, if known
}

func (l LockInfo) String() string { return l.Label }

// Cycle is a lock ordering cycle. Edges[i] is the acquisition of the lock
// following Locks[i] while Locks[i] was held; the last edge closes the
// cycle.
type Cycle struct {
	Locks []LockInfo
	Edges []lockorder.Edge
}

// SelfLoop is a lock acquired while already held.
type SelfLoop struct {
	Lock LockInfo
	Pos  token.Pos
	Proc ir.ProcID
}

// Anomaly is a release with no matching acquisition.
type Anomaly struct {
	Lock LockInfo
	Pos  token.Pos
	Proc ir.ProcID
}

// Skipped is a procedure left out of the analysis.
type Skipped struct {
	Proc ir.ProcID
	Err  error
}

// Report is the result of Analyze.
type Report struct {
	Cycles    []Cycle
	SelfLoops []SelfLoop
	Anomalies []Anomaly
	Skipped   []Skipped

	// Locks is the lock-order graph the report was derived from.
	Locks *lockorder.Graph

	fset  *token.FileSet
	graph *alias.Graph
}

func newReport(fset *token.FileSet, g *alias.Graph, locks *lockorder.Graph) *Report {
	r := &Report{Locks: locks, fset: fset, graph: g}
	for _, c := range locks.Cycles() {
		rc := Cycle{Edges: locks.CycleEdges(c)}
		for _, l := range c {
			rc.Locks = append(rc.Locks, r.lockInfo(l))
		}
		r.Cycles = append(r.Cycles, rc)
	}
	for _, s := range locks.SelfLoops() {
		r.SelfLoops = append(r.SelfLoops, SelfLoop{Lock: r.lockInfo(s.Lock), Pos: s.Pos, Proc: s.Proc})
	}
	return r
}

func (r *Report) lockInfo(l lockorder.Lock) LockInfo {
	id := alias.Identity{Proc: l.Proc, Index: l.Site, Synthetic: l.Synthetic}
	return LockInfo{Lock: l, Label: r.graph.Label(id), Pos: r.graph.SitePos(id)}
}

// LockName returns the human label of l.
func (r *Report) LockName(l lockorder.Lock) string { return r.lockInfo(l).Label }

// Position resolves pos, or returns the zero Position without a file set.
func (r *Report) Position(pos token.Pos) token.Position {
	if r.fset == nil || !pos.IsValid() {
		return token.Position{}
	}
	return r.fset.Position(pos)
}

func (r *Report) where(pos token.Pos) string {
	if p := r.Position(pos); p.IsValid() {
		return p.String()
	}
	if pos.IsValid() {
		return fmt.Sprintf("pos %d", pos)
	}
	return "unknown position"
}

// Empty reports whether no deadlock was found.
func (r *Report) Empty() bool { return len(r.Cycles) == 0 && len(r.SelfLoops) == 0 }

// Write renders the report as text.
func (r *Report) Write(w io.Writer) error {
	var b strings.Builder
	for _, c := range r.Cycles {
		names := make([]string, 0, len(c.Locks)+1)
		for _, l := range c.Locks {
			names = append(names, l.Label)
		}
		names = append(names, c.Locks[0].Label)
		fmt.Fprintf(&b, "potential deadlock: lock ordering cycle %s\n", strings.Join(names, " -> "))
		for _, e := range c.Edges {
			fmt.Fprintf(&b, "\t%s acquired while holding %s at %s (%s)\n",
				r.LockName(e.To), r.LockName(e.From), r.where(e.Pos), e.Proc)
		}
	}
	for _, s := range r.SelfLoops {
		fmt.Fprintf(&b, "potential deadlock: %s is acquired while already held at %s (%s)\n",
			s.Lock.Label, r.where(s.Pos), s.Proc)
	}
	for _, a := range r.Anomalies {
		fmt.Fprintf(&b, "note: release of %s without matching acquisition at %s (%s)\n",
			a.Lock.Label, r.where(a.Pos), a.Proc)
	}
	for _, s := range r.Skipped {
		fmt.Fprintf(&b, "note: skipped %s: %v\n", s.Proc, s.Err)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
