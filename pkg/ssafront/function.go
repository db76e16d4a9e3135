package ssafront

import (
	"go/token"
	"go/types"

	"github.com/akerouanton/lockgraph/pkg/ir"
	"golang.org/x/tools/go/ssa"
)

// lowerer lowers the body of one function. SSA block i starts at IR block
// i; calls split blocks, so a block may continue in blocks appended later.
type lowerer struct {
	*builder
	fn      *ssa.Function
	ids     map[*ssa.Function]ir.ProcID
	globals *globalTable
	vals    map[ssa.Value]ir.Local
	tails   []ir.BlockID // last IR block of each SSA block
	defers  []*ssa.Defer
}

func newLowerer(fn *ssa.Function, ids map[*ssa.Function]ir.ProcID, globals *globalTable, isLock func(types.Type) bool) *lowerer {
	proc := &ir.Procedure{ID: ids[fn], Name: fn.Name(), Pos: fn.Pos()}
	return &lowerer{
		builder: newBuilder(proc, typeString(fn.Signature.Results()), isLock),
		fn:      fn,
		ids:     ids,
		globals: globals,
		vals:    make(map[ssa.Value]ir.Local),
		tails:   make([]ir.BlockID, len(fn.Blocks)),
	}
}

func (l *lowerer) lower() {
	for _, p := range l.fn.Params {
		l.vals[p] = l.newLocal(p.Name(), typeString(p.Type()))
	}
	// Free variables of closures are trailing parameters.
	for _, fv := range l.fn.FreeVars {
		l.vals[fv] = l.newLocal(fv.Name(), typeString(fv.Type()))
	}
	l.proc.ArgCount = len(l.fn.Params) + len(l.fn.FreeVars)

	for _, b := range l.fn.Blocks {
		l.newBlock()
		for _, instr := range b.Instrs {
			if d, ok := instr.(*ssa.Defer); ok {
				l.defers = append(l.defers, d)
			}
		}
	}
	for _, b := range l.fn.Blocks {
		l.cur = ir.BlockID(b.Index)
		for _, instr := range b.Instrs {
			l.instr(instr)
		}
		l.tails[b.Index] = l.cur
	}
	l.phis()
}

// phis assigns each phi from the end of its predecessors.
func (l *lowerer) phis() {
	for _, b := range l.fn.Blocks {
		for _, instr := range b.Instrs {
			phi, ok := instr.(*ssa.Phi)
			if !ok {
				continue
			}
			dest := ir.LocalPlace(l.local(phi))
			for i, edge := range phi.Edges {
				l.cur = l.tails[b.Preds[i].Index]
				l.emit(&ir.Assign{Dest: dest, Value: ir.Use{Operand: l.operand(edge)}, Pos: phi.Pos()})
			}
		}
	}
}

// local returns the local holding v, declaring it on first use.
func (l *lowerer) local(v ssa.Value) ir.Local {
	if loc, ok := l.vals[v]; ok {
		return loc
	}
	loc := l.newLocal(v.Name(), typeString(v.Type()))
	l.vals[v] = loc
	return loc
}

func (l *lowerer) temp(t ir.Type) ir.Local { return l.newLocal("", t) }

// operand reads v. Globals are read through a fresh reference to their
// local in the globals procedure.
func (l *lowerer) operand(v ssa.Value) ir.Operand {
	switch v := v.(type) {
	case *ssa.Const, *ssa.Function, *ssa.Builtin:
		return ir.Const()
	case *ssa.Global:
		g, ok := l.globals.index[v]
		if !ok {
			return ir.Const()
		}
		t := l.temp(typeString(v.Type()))
		l.emit(&ir.Assign{Dest: ir.LocalPlace(t), Value: ir.StaticRef{Global: g}, Pos: v.Pos()})
		return ir.CopyOf(ir.LocalPlace(t))
	}
	return ir.CopyOf(ir.LocalPlace(l.local(v)))
}

func (l *lowerer) operands(vs []ssa.Value) []ir.Operand {
	ops := make([]ir.Operand, 0, len(vs))
	for _, v := range vs {
		ops = append(ops, l.operand(v))
	}
	return ops
}

// assign stores rv into the local of v.
func (l *lowerer) assign(v ssa.Value, rv ir.Rvalue, pos token.Pos) {
	l.emit(&ir.Assign{Dest: ir.LocalPlace(l.local(v)), Value: rv, Pos: pos})
}

// project assigns the place x.proj to v, by value or by reference. Values
// without a place (constants) make v opaque.
func (l *lowerer) project(v ssa.Value, x ssa.Value, ref bool, proj ...ir.Projection) {
	op := l.operand(x)
	if !op.IsPlace() {
		l.assign(v, ir.Opaque{}, v.Pos())
		return
	}
	place := op.Place.Project(proj...)
	if ref {
		l.assign(v, ir.Ref{Place: place}, v.Pos())
		return
	}
	l.assign(v, ir.Use{Operand: ir.CopyOf(place)}, v.Pos())
}

func (l *lowerer) instr(instr ssa.Instruction) {
	switch v := instr.(type) {
	case *ssa.Alloc:
		l.alloc(v)
	case *ssa.FieldAddr:
		l.project(v, v.X, true, ir.Deref(), fieldOf(v.X.Type().Underlying().(*types.Pointer).Elem(), v.Field))
	case *ssa.Field:
		l.project(v, v.X, false, fieldOf(v.X.Type(), v.Field))
	case *ssa.IndexAddr:
		l.project(v, v.X, true, ir.Deref(), ir.Projection{Kind: ir.ProjIndex})
	case *ssa.Index:
		l.project(v, v.X, false, ir.Projection{Kind: ir.ProjIndex})
	case *ssa.UnOp:
		if v.Op != token.MUL {
			l.assign(v, ir.Opaque{}, v.Pos())
			return
		}
		l.project(v, v.X, false, ir.Deref())
	case *ssa.Store:
		addr := l.operand(v.Addr)
		if !addr.IsPlace() {
			return
		}
		l.emit(&ir.Assign{Dest: addr.Place.Project(ir.Deref()), Value: ir.Use{Operand: l.operand(v.Val)}, Pos: v.Pos()})
	case *ssa.Extract:
		l.project(v, v.Tuple, false, ir.Field(v.Index, ""))
	case *ssa.MakeClosure:
		l.assign(v, ir.Aggregate{Fields: l.operands(v.Bindings)}, v.Pos())
	case *ssa.MakeInterface:
		l.project(v, v.X, false)
	case *ssa.ChangeType:
		l.project(v, v.X, false)
	case *ssa.ChangeInterface:
		l.project(v, v.X, false)
	case *ssa.TypeAssert:
		l.project(v, v.X, false, ir.Projection{Kind: ir.ProjDowncast})
	case *ssa.Convert:
		l.assign(v, ir.Cast{Operand: l.operand(v.X)}, v.Pos())
	case *ssa.Phi:
		l.local(v)
	case *ssa.Call:
		l.call(v.Common(), ir.LocalPlace(l.local(v)), false, v.Pos())
	case *ssa.Go:
		l.call(v.Common(), ir.LocalPlace(l.temp("()")), true, v.Pos())
	case *ssa.Defer:
		// Replayed at RunDefers.
	case *ssa.RunDefers:
		for i := len(l.defers) - 1; i >= 0; i-- {
			d := l.defers[i]
			l.call(d.Common(), ir.LocalPlace(l.temp("()")), false, d.Pos())
		}
	case *ssa.Return:
		l.ret(v)
	case *ssa.If:
		succs := v.Block().Succs
		l.terminate(&ir.SwitchInt{Targets: []ir.BlockID{ir.BlockID(succs[0].Index), ir.BlockID(succs[1].Index)}})
	case *ssa.Jump:
		l.terminate(&ir.Goto{Target: ir.BlockID(v.Block().Succs[0].Index)})
	case *ssa.Panic:
		l.terminate(&ir.Unreachable{})
	case *ssa.DebugRef:
	default:
		if value, ok := instr.(ssa.Value); ok {
			l.assign(value, ir.Opaque{}, instr.Pos())
		}
	}
}

// fieldOf returns the projection onto field i of the struct type t.
func fieldOf(t types.Type, i int) ir.Projection {
	return ir.Field(i, t.Underlying().(*types.Struct).Field(i).Name())
}

// alloc declares the allocated object, points the Alloc value at it and
// constructs the mutexes it holds.
func (l *lowerer) alloc(v *ssa.Alloc) {
	elem := v.Type().Underlying().(*types.Pointer).Elem()
	name := v.Comment
	if name == "" || name == "complit" || name == "new" || name == "varargs" || name == "slicelit" {
		name = "new(" + types.TypeString(elem, l.qualifier()) + ")"
	}
	obj := l.newLocal(name, typeString(elem))
	ptr := l.local(v)
	l.proc.Locals[ptr].Name = "&" + name
	l.assign(v, ir.Ref{Place: ir.LocalPlace(obj)}, v.Pos())
	l.constructLocks(ir.LocalPlace(obj), elem, v.Pos())
}

// qualifier prints types of the function's own package unqualified.
func (l *lowerer) qualifier() types.Qualifier {
	if l.fn.Pkg == nil {
		return nil
	}
	return types.RelativeTo(l.fn.Pkg.Pkg)
}

// ret stores the results into the return slot: a single result directly,
// several results as fields.
func (l *lowerer) ret(v *ssa.Return) {
	switch len(v.Results) {
	case 0:
	case 1:
		l.emit(&ir.Assign{Dest: ir.LocalPlace(ir.ReturnLocal), Value: ir.Use{Operand: l.operand(v.Results[0])}, Pos: v.Pos()})
	default:
		for i, r := range v.Results {
			dest := ir.LocalPlace(ir.ReturnLocal).Project(ir.Field(i, ""))
			l.emit(&ir.Assign{Dest: dest, Value: ir.Use{Operand: l.operand(r)}, Pos: v.Pos()})
		}
	}
	l.terminate(&ir.Return{Pos: v.Pos()})
}

// call lowers a call, go or deferred call. Lock methods become library
// calls of the sync model; calls to lowered functions are in-source calls
// with closure bindings passed after the arguments.
func (l *lowerer) call(c *ssa.CallCommon, dest ir.Place, spawn bool, pos token.Pos) {
	call := &ir.Call{Dest: dest, Spawn: spawn, Pos: pos}
	if c.IsInvoke() {
		call.Callee = ir.Callee{Name: c.Method.FullName(), Indirect: true}
		call.Args = append([]ir.Operand{l.operand(c.Value)}, l.operands(c.Args)...)
		l.builder.call(call)
		return
	}
	if b, ok := c.Value.(*ssa.Builtin); ok {
		call.Callee = ir.Callee{Name: b.Name()}
		call.Args = l.operands(c.Args)
		l.builder.call(call)
		return
	}
	callee := c.StaticCallee()
	if callee == nil {
		call.Callee = ir.Callee{Indirect: true}
		call.Args = l.operands(c.Args)
		l.builder.call(call)
		return
	}
	if len(c.Args) > 0 {
		if m, ok := resolveLockMethod(callee, c.Args[0]); ok {
			l.lockCall(call, m, c.Args[0])
			return
		}
	}
	call.Args = l.operands(c.Args)
	if mc, ok := c.Value.(*ssa.MakeClosure); ok {
		call.Args = append(call.Args, l.operands(mc.Bindings)...)
	}
	if id, ok := l.ids[callee]; ok {
		call.Callee = ir.Callee{Proc: id, Name: string(id)}
	} else {
		call.Callee = ir.Callee{Name: callee.String()}
	}
	l.builder.call(call)
}

// lockCall emits a sync lock method call on recv. An acquisition stores
// its guard in a fresh local; the release takes the mutex pointer.
func (l *lowerer) lockCall(call *ir.Call, m lockMethod, recv ssa.Value) {
	arg := l.operand(recv)
	if len(m.embed) > 0 && arg.IsPlace() {
		t := l.temp(typeString(types.NewPointer(m.mutex)))
		l.emit(&ir.Assign{Dest: ir.LocalPlace(t), Value: ir.Ref{Place: arg.Place.Project(m.embed...)}, Pos: call.Pos})
		arg = ir.CopyOf(ir.LocalPlace(t))
	}
	call.Callee = ir.Callee{Name: m.path}
	call.Args = []ir.Operand{arg}
	if m.acquire {
		call.Dest = ir.LocalPlace(l.temp(ir.GoGuardType))
	}
	l.builder.call(call)
}
