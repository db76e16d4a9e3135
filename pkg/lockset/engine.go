package lockset

import (
	"fmt"
	"go/token"
	"sort"
	"strings"

	"github.com/akerouanton/lockgraph/pkg/alias"
	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/akerouanton/lockgraph/pkg/lockorder"
	"github.com/sirupsen/logrus"
)

// DefaultMaxPasses bounds the interprocedural iteration.
const DefaultMaxPasses = 3

// Anomaly is a release with no matching acquisition in the releasing
// procedure or any of its callees.
type Anomaly struct {
	Proc ir.ProcID
	Lock lockorder.Lock
	Pos  token.Pos
}

// Engine runs the lock-set analysis over a Source whose alias graph has
// already been built and refined.
type Engine struct {
	graph  *alias.Graph
	src    ir.Source
	oracle ir.TypeOracle
	locks  *lockorder.Graph
	log    logrus.FieldLogger

	// MaxPasses bounds the number of sweeps over the call-graph order.
	MaxPasses int
	// Summaries maps each analyzed procedure to its exit lock sets.
	Summaries map[ir.ProcID]LockSummary
	// Skipped holds the procedures whose analysis failed.
	Skipped map[ir.ProcID]error

	anomalies map[Anomaly]struct{}
}

// NewEngine returns an engine that emits held-before edges into locks.
func NewEngine(g *alias.Graph, src ir.Source, locks *lockorder.Graph, log logrus.FieldLogger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Engine{
		graph:     g,
		src:       src,
		oracle:    src.Oracle(),
		locks:     locks,
		log:       log,
		MaxPasses: DefaultMaxPasses,
		Summaries: make(map[ir.ProcID]LockSummary),
		Skipped:   make(map[ir.ProcID]error),
		anomalies: make(map[Anomaly]struct{}),
	}
}

// Run analyzes every procedure of order, callees first, and repeats the
// sweep until no summary changes or MaxPasses is reached. It returns the
// number of passes run.
func (e *Engine) Run(order []ir.ProcID) int {
	passes := 0
	for passes < e.MaxPasses {
		passes++
		changed := false
		for _, id := range order {
			proc, ok := e.src.Procedure(id)
			if !ok {
				continue
			}
			if _, skipped := e.Skipped[id]; skipped {
				continue
			}
			var summary LockSummary
			err := alias.Protect(id, func() { summary = e.Analyze(proc) })
			if err != nil {
				e.log.WithField("proc", id).Warnf("lockset: skipping procedure: %v", err)
				e.Skipped[id] = err
				delete(e.Summaries, id)
				continue
			}
			if prev, ok := e.Summaries[id]; !ok || !prev.Equal(summary) {
				changed = true
			}
			e.Summaries[id] = summary
		}
		e.log.Debugf("lockset: pass %d done, summaries changed: %t", passes, changed)
		if !changed {
			break
		}
	}
	return passes
}

// Anomalies returns the recorded dangling releases, sorted.
func (e *Engine) Anomalies() []Anomaly {
	out := make([]Anomaly, 0, len(e.anomalies))
	for a := range e.anomalies {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Proc != out[j].Proc {
			return out[i].Proc < out[j].Proc
		}
		if out[i].Pos != out[j].Pos {
			return out[i].Pos < out[j].Pos
		}
		return out[i].Lock.Less(out[j].Lock)
	})
	return out
}

// Analyze runs the intraprocedural fixpoint over proc, emits its edges and
// anomalies, and returns its summary. Callee summaries are read from
// e.Summaries; a callee without one is transparent.
func (e *Engine) Analyze(proc *ir.Procedure) LockSummary {
	if len(proc.Blocks) == 0 {
		return nil
	}
	in := make([]LockSetFact, len(proc.Blocks))
	for i := range in {
		in[i] = NewLockSetFact()
	}
	reached := make([]bool, len(proc.Blocks))
	reached[0] = true
	work := []ir.BlockID{0}
	for len(work) > 0 {
		b := work[0]
		work = work[1:]
		out := e.transfer(proc, b, in[b].Clone(), false)
		for _, s := range e.successors(proc, b) {
			if in[s].Join(out) || !reached[s] {
				reached[s] = true
				work = append(work, s)
			}
		}
	}

	// The in-states only grow, so the facts held at any point of a
	// transient state are also held in the final one. Edges and anomalies
	// are therefore emitted by one last sweep over the stable states.
	var exits []LockSetFact
	for i, blk := range proc.Blocks {
		if !reached[i] {
			continue
		}
		out := e.transfer(proc, ir.BlockID(i), in[i].Clone(), true)
		if _, ok := blk.Terminator.(*ir.Return); ok {
			exits = append(exits, out)
		}
	}
	return summarize(exits)
}

func (e *Engine) successors(proc *ir.Procedure, b ir.BlockID) []ir.BlockID {
	term := proc.Blocks[b].Terminator
	if term == nil {
		return nil
	}
	var succ []ir.BlockID
	for _, s := range term.Successors() {
		if int(s) >= 0 && int(s) < len(proc.Blocks) {
			succ = append(succ, s)
		}
	}
	return succ
}

// summarize deduplicates exit states and orders them deterministically.
func summarize(exits []LockSetFact) LockSummary {
	summary := append(LockSummary(nil), exits...)
	sort.Slice(summary, func(i, j int) bool { return compareSets(summary[i], summary[j]) < 0 })
	out := summary[:0]
	for _, s := range summary {
		if len(out) > 0 && s.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// transfer applies block b to state. Statements never touch locks; only the
// terminator does.
func (e *Engine) transfer(proc *ir.Procedure, b ir.BlockID, state LockSetFact, emit bool) LockSetFact {
	switch t := proc.Blocks[b].Terminator.(type) {
	case *ir.Call:
		return e.call(proc, t, state, emit)
	case *ir.Drop:
		if lock, ok := e.droppedGuard(proc, t.Place); ok {
			e.release(proc, state, lock, t.Pos, emit, state.acquired())
		}
	}
	return state
}

func (e *Engine) call(proc *ir.Procedure, call *ir.Call, state LockSetFact, emit bool) LockSetFact {
	if call.Spawn {
		// The spawned procedure runs on its own thread and starts with no
		// lock held; it does not affect the spawner's lock set.
		return state
	}
	if call.InSource() {
		return e.splice(proc, call, state, emit)
	}
	switch e.oracle.ClassifyCall(call) {
	case ir.CallAcquire:
		lock, ok := e.acquiredLock(proc, call)
		if !ok {
			e.log.WithField("proc", proc.ID).Debugf("lockset: %v: cannot resolve lock of %s", alias.ErrUnresolved, call)
			return state
		}
		e.acquire(proc, state, lock, call.Pos, emit)
	case ir.CallRelease:
		lock, ok := e.releasedLock(proc, call)
		if !ok {
			return state
		}
		e.release(proc, state, lock, call.Pos, emit, state.acquired())
	}
	return state
}

func (e *Engine) acquire(proc *ir.Procedure, state LockSetFact, lock lockorder.Lock, pos token.Pos, emit bool) {
	if emit {
		for _, held := range state.Held() {
			if e.locks.AddEdge(held.Lock, lock, proc.ID, pos) {
				e.log.WithField("proc", proc.ID).Debugf("lockset: %s held while acquiring %s", held.Lock, lock)
			}
		}
	}
	state.Add(LockFact{Lock: lock, Acquire: true, Pos: pos})
}

func (e *Engine) release(proc *ir.Procedure, state LockSetFact, lock lockorder.Lock, pos token.Pos, emit, late bool) {
	if state.release(lock, pos, late) || !emit {
		return
	}
	a := Anomaly{Proc: proc.ID, Lock: lock, Pos: pos}
	if _, seen := e.anomalies[a]; !seen {
		e.anomalies[a] = struct{}{}
		e.log.WithField("proc", proc.ID).Debugf("lockset: release of %s without matching acquisition", lock)
	}
}

// splice folds the callee's summary into state. Parameters are unified with
// arguments in the alias graph, so callee locks already carry their caller
// identities. Every summary entry is one possible outcome of the call; the
// continuation state is the union over all of them. Spliced facts are
// positioned at the call site.
//
// Within an entry, releases of caller locks that precede every callee
// acquisition are applied first, so they do not order the released lock
// before the callee's locks. Later releases only end the caller's holds: the
// callee's own acquisitions are added after them and stay as summarized.
func (e *Engine) splice(proc *ir.Procedure, call *ir.Call, state LockSetFact, emit bool) LockSetFact {
	summary, ok := e.Summaries[call.Callee.Proc]
	if !ok || len(summary) == 0 {
		return state
	}
	out := NewLockSetFact()
	for _, entry := range summary {
		cont := state.Clone()
		facts := entry.Sorted()
		dangling := make(map[lockorder.Lock]bool)
		for _, f := range facts {
			if !f.Acquire {
				dangling[f.Lock] = true
			}
			if !f.Acquire && !f.Late {
				e.release(proc, cont, f.Lock, call.Pos, emit, cont.acquired())
			}
		}
		held := cont.Held()
		for _, f := range facts {
			if !f.Acquire && f.Late {
				e.release(proc, cont, f.Lock, call.Pos, emit, true)
			}
		}
		for _, f := range facts {
			if !f.Acquire {
				continue
			}
			if emit {
				for _, h := range held {
					// The callee released this lock before taking it again.
					if h.Lock == f.Lock && dangling[f.Lock] {
						continue
					}
					e.locks.AddEdge(h.Lock, f.Lock, proc.ID, call.Pos)
				}
			}
			cont.Add(LockFact{Lock: f.Lock, Acquire: true, Released: f.Released, Pos: call.Pos})
		}
		out.Join(cont)
	}
	return out
}

func (e *Engine) lockOf(n alias.NodeID) lockorder.Lock {
	id := e.graph.LockIdentity(n)
	return lockorder.Lock{Proc: id.Proc, Site: id.Index, Synthetic: id.Synthetic}
}

// acquiredLock follows the guard edge of the call's destination, falling
// back to the receiver's dereference target.
func (e *Engine) acquiredLock(proc *ir.Procedure, call *ir.Call) (lockorder.Lock, bool) {
	if guard, err := e.graph.Resolve(proc.ID, call.Dest); err == nil {
		if n, ok := e.graph.Target(guard, alias.GuardLabel); ok {
			return e.lockOf(n), true
		}
	}
	if len(call.Args) == 0 || !call.Args[0].IsPlace() {
		return lockorder.Lock{}, false
	}
	recv, err := e.graph.Resolve(proc.ID, call.Args[0].Place)
	if err != nil {
		return lockorder.Lock{}, false
	}
	if n, ok := e.graph.Target(recv, alias.DerefLabel); ok {
		return e.lockOf(n), true
	}
	return lockorder.Lock{}, false
}

// releasedLock handles both release styles: dropping a guard explicitly,
// and calling an unlock method on a reference to the lock. A shared pointer
// argument is never a release.
func (e *Engine) releasedLock(proc *ir.Procedure, call *ir.Call) (lockorder.Lock, bool) {
	if len(call.Args) == 0 || !call.Args[0].IsPlace() {
		return lockorder.Lock{}, false
	}
	arg := call.Args[0].Place
	if lock, ok := e.droppedGuard(proc, arg); ok {
		return lock, true
	}
	if len(arg.Projection) == 0 && e.oracle.IsSharedPointerType(proc.LocalType(arg.Local)) {
		return lockorder.Lock{}, false
	}
	n, err := e.graph.Resolve(proc.ID, arg)
	if err != nil {
		return lockorder.Lock{}, false
	}
	t, ok := e.graph.Target(n, alias.DerefLabel)
	if !ok {
		return lockorder.Lock{}, false
	}
	lockRef := len(arg.Projection) == 0 && e.oracle.IsLockType(proc.LocalType(arg.Local))
	if !lockRef && !e.graph.IsLock(t) {
		return lockorder.Lock{}, false
	}
	return e.lockOf(t), true
}

// droppedGuard returns the lock guarded by the value at place, if any.
func (e *Engine) droppedGuard(proc *ir.Procedure, place ir.Place) (lockorder.Lock, bool) {
	n, err := e.graph.Resolve(proc.ID, place)
	if err != nil {
		return lockorder.Lock{}, false
	}
	if t, ok := e.graph.Target(n, alias.GuardLabel); ok {
		return e.lockOf(t), true
	}
	return lockorder.Lock{}, false
}

// Dump renders the summaries in order for debugging.
func (e *Engine) Dump(order []ir.ProcID) string {
	var b strings.Builder
	b.WriteString("lock summaries:\n")
	for _, id := range order {
		s, ok := e.Summaries[id]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %s: %s\n", id, s)
	}
	return b.String()
}
