package alias

import (
	"errors"
	"fmt"

	"github.com/akerouanton/lockgraph/pkg/callgraph"
	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/sirupsen/logrus"
)

// ErrUnresolved reports a place whose points-to target could not be derived
// locally. The builder substitutes a placeholder location and goes on.
var ErrUnresolved = errors.New("unresolved origin")

// Builder populates a Graph from the procedures of a Source.
type Builder struct {
	Graph  *Graph
	src    ir.Source
	oracle ir.TypeOracle
	log    logrus.FieldLogger

	// Unsupported counts statements and terminators skipped because their
	// construct is not modeled.
	Unsupported int
	// Skipped holds the procedures whose construction failed outright.
	Skipped map[ir.ProcID]error
}

// NewBuilder returns a builder writing into g.
func NewBuilder(g *Graph, src ir.Source, log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{Graph: g, src: src, oracle: src.Oracle(), log: log, Skipped: make(map[ir.ProcID]error)}
}

// BuildAll runs the intraprocedural pass over the globals pseudo-procedure
// and then over every procedure in order, and normalizes the result.
func (b *Builder) BuildAll(order []ir.ProcID) {
	if globals := b.src.Globals(); globals != nil {
		b.protect(globals)
	}
	for _, id := range order {
		proc, ok := b.src.Procedure(id)
		if !ok {
			continue
		}
		b.protect(proc)
	}
	b.Graph.Normalize()
}

func (b *Builder) protect(proc *ir.Procedure) {
	if err := Protect(proc.ID, func() { b.BuildProcedure(proc) }); err != nil {
		b.log.WithField("proc", proc.ID).Warnf("alias: skipping procedure: %v", err)
		b.Skipped[proc.ID] = err
	}
}

// BuildProcedure folds the statements and library calls of proc into the
// graph. Unsupported constructs are skipped one at a time.
func (b *Builder) BuildProcedure(proc *ir.Procedure) {
	log := b.log.WithField("proc", proc.ID)
	for i := range proc.Locals {
		b.Graph.SetLabel(Identity{Proc: proc.ID, Index: i}, proc.LocalName(ir.Local(i)))
	}
	for bi, blk := range proc.Blocks {
		for _, stmt := range blk.Statements {
			if err := b.visitStatement(proc, stmt); err != nil {
				b.skip(log, bi, err)
			}
		}
		if blk.Terminator == nil {
			continue
		}
		if err := b.visitTerminator(proc, blk.Terminator); err != nil {
			b.skip(log, bi, err)
		}
	}
}

func (b *Builder) skip(log logrus.FieldLogger, block int, err error) {
	if errors.Is(err, ir.ErrUnsupported) {
		b.Unsupported++
	}
	log.WithField("block", block).Debugf("alias: skipping: %v", err)
}

func (b *Builder) resolve(proc *ir.Procedure, p ir.Place) (NodeID, error) {
	return b.Graph.Resolve(proc.ID, p)
}

func (b *Builder) visitStatement(proc *ir.Procedure, stmt ir.Statement) error {
	assign, ok := stmt.(*ir.Assign)
	if !ok {
		return nil
	}
	switch rv := assign.Value.(type) {
	case ir.Use:
		dst, err := b.resolve(proc, assign.Dest)
		if err != nil {
			return err
		}
		if !rv.Operand.IsPlace() {
			return nil
		}
		src, err := b.resolve(proc, rv.Operand.Place)
		if err != nil {
			return err
		}
		b.Graph.Unify(dst, src)
	case ir.Ref:
		dst, err := b.resolve(proc, assign.Dest)
		if err != nil {
			return err
		}
		target, err := b.resolve(proc, rv.Place)
		if err != nil {
			return err
		}
		b.Graph.AddEdge(dst, DerefLabel, target)
	case ir.StaticRef:
		dst, err := b.resolve(proc, assign.Dest)
		if err != nil {
			return err
		}
		b.Graph.AddEdge(dst, DerefLabel, b.Graph.LocalNode(ir.GlobalsProc, rv.Global))
	case ir.Aggregate:
		for i, op := range rv.Fields {
			if !op.IsPlace() {
				continue
			}
			field, err := b.resolve(proc, assign.Dest.Project(ir.Field(i, "")))
			if err != nil {
				return err
			}
			src, err := b.resolve(proc, op.Place)
			if err != nil {
				return err
			}
			b.Graph.Unify(field, src)
		}
	default:
		_, err := b.resolve(proc, assign.Dest)
		return err
	}
	return nil
}

// receiverTarget returns the dereference target of the first argument,
// minting a placeholder when the receiver has no known origin.
func (b *Builder) receiverTarget(proc *ir.Procedure, call *ir.Call) (NodeID, error) {
	if len(call.Args) == 0 || !call.Args[0].IsPlace() {
		return 0, fmt.Errorf("%w: %s has no receiver place", ErrUnresolved, call)
	}
	recv, err := b.resolve(proc, call.Args[0].Place)
	if err != nil {
		return 0, err
	}
	if _, ok := b.Graph.Target(recv, DerefLabel); !ok {
		b.log.WithField("proc", proc.ID).Debugf("alias: %v: placeholder for %s", ErrUnresolved, call.Args[0].Place)
	}
	return b.Graph.TargetOrCreate(proc.ID, recv, DerefLabel, ""), nil
}

func (b *Builder) visitTerminator(proc *ir.Procedure, term ir.Terminator) error {
	call, ok := term.(*ir.Call)
	if !ok {
		return nil
	}
	if call.Callee.Indirect {
		return fmt.Errorf("%w: indirect call %s", ir.ErrUnsupported, call)
	}
	g := b.Graph
	switch b.oracle.ClassifyCall(call) {
	case ir.CallConstructLock:
		dst, err := b.resolve(proc, call.Dest)
		if err != nil {
			return err
		}
		g.MarkLock(dst, call.Pos)
	case ir.CallConstructSharedPointer:
		dst, err := b.resolve(proc, call.Dest)
		if err != nil {
			return err
		}
		if len(call.Args) == 0 || !call.Args[0].IsPlace() {
			g.TargetOrCreate(proc.ID, dst, DerefLabel, "")
			return nil
		}
		val, err := b.resolve(proc, call.Args[0].Place)
		if err != nil {
			return err
		}
		g.AddEdge(dst, DerefLabel, val)
	case ir.CallAcquire:
		guard, err := b.resolve(proc, call.Dest)
		if err != nil {
			return err
		}
		lock, err := b.receiverTarget(proc, call)
		if err != nil {
			return err
		}
		g.AddEdge(guard, GuardLabel, lock)
	case ir.CallClone, ir.CallDeref:
		dst, err := b.resolve(proc, call.Dest)
		if err != nil {
			return err
		}
		target, err := b.receiverTarget(proc, call)
		if err != nil {
			return err
		}
		g.Unify(target, dst)
	case ir.CallUnwrap:
		dst, err := b.resolve(proc, call.Dest)
		if err != nil {
			return err
		}
		if len(call.Args) == 0 || !call.Args[0].IsPlace() {
			return nil
		}
		arg, err := b.resolve(proc, call.Args[0].Place)
		if err != nil {
			return err
		}
		g.Unify(arg, dst)
	case ir.CallRelease:
		// Releases only matter to the lock-set analysis.
	default:
		_, err := b.resolve(proc, call.Dest)
		return err
	}
	return nil
}

// Refine unifies arguments with callee parameters and call destinations
// with callee return slots for every in-source call, then normalizes. It
// stops after maxIterations rounds or as soon as a round merges nothing, and
// returns the number of rounds run. Spawned calls bind arguments only.
func (b *Builder) Refine(cg *callgraph.Graph, maxIterations int) int {
	rounds := 0
	for rounds < maxIterations {
		rounds++
		before := b.Graph.Merges()
		for _, site := range cg.Sites {
			b.bindCall(site)
		}
		b.Graph.Normalize()
		b.log.Debugf("alias: refinement round %d merged %d classes", rounds, b.Graph.Merges()-before)
		if b.Graph.Merges() == before {
			break
		}
	}
	return rounds
}

func (b *Builder) bindCall(site callgraph.Site) {
	caller, ok := b.src.Procedure(site.Caller)
	if !ok {
		return
	}
	callee, ok := b.src.Procedure(site.Callee)
	if !ok {
		return
	}
	g := b.Graph
	for i, arg := range site.Call.Args {
		if i >= callee.ArgCount {
			break
		}
		if !arg.IsPlace() {
			continue
		}
		a, err := b.resolve(caller, arg.Place)
		if err != nil {
			continue
		}
		g.Unify(g.LocalNode(callee.ID, callee.Param(i)), a)
	}
	if site.Call.Spawn {
		return
	}
	d, err := b.resolve(caller, site.Call.Dest)
	if err != nil {
		return
	}
	g.Unify(g.LocalNode(callee.ID, ir.ReturnLocal), d)
}
