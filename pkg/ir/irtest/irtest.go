// Package irtest builds small hand-written procedures for tests.
package irtest

import (
	"go/token"

	"github.com/akerouanton/lockgraph/pkg/ir"
)

// ProcBuilder appends blocks to a procedure one terminator at a time. Calls
// and drops continue in a fresh block that becomes the current one.
type ProcBuilder struct {
	proc *ir.Procedure
	cur  ir.BlockID
	pos  *token.Pos
}

// Positions is a shared position counter, so that procedures of one program
// never reuse a position.
type Positions struct{ next token.Pos }

// NewPositions starts counting at 1.
func NewPositions() *Positions { return &Positions{next: 1} }

// NewProc returns a builder for a procedure with a unit return slot and one
// empty current block.
func NewProc(id ir.ProcID, pos *Positions) *ProcBuilder {
	if pos == nil {
		pos = NewPositions()
	}
	b := &ProcBuilder{
		proc: &ir.Procedure{
			ID:     id,
			Name:   string(id),
			Locals: []ir.LocalDecl{{Name: "_ret", Type: "()"}},
			Blocks: []*ir.BasicBlock{{}},
		},
		pos: &pos.next,
	}
	return b
}

func (b *ProcBuilder) nextPos() token.Pos {
	p := *b.pos
	*b.pos++
	return p
}

// Param declares the next parameter. Parameters must be declared before any
// other local.
func (b *ProcBuilder) Param(name string, ty ir.Type) ir.Local {
	if len(b.proc.Locals) != b.proc.ArgCount+1 {
		panic("irtest: parameters must be declared first")
	}
	b.proc.ArgCount++
	return b.Local(name, ty)
}

// Local declares a local.
func (b *ProcBuilder) Local(name string, ty ir.Type) ir.Local {
	b.proc.Locals = append(b.proc.Locals, ir.LocalDecl{Name: name, Type: ty})
	return ir.Local(len(b.proc.Locals) - 1)
}

// Temp declares an unnamed unit local, for calls whose result is unused.
func (b *ProcBuilder) Temp() ir.Local { return b.Local("", "()") }

// Current returns the block being filled.
func (b *ProcBuilder) Current() ir.BlockID { return b.cur }

// NewBlock appends an empty block without switching to it.
func (b *ProcBuilder) NewBlock() ir.BlockID {
	b.proc.Blocks = append(b.proc.Blocks, &ir.BasicBlock{})
	return ir.BlockID(len(b.proc.Blocks) - 1)
}

// SetBlock makes blk the current block.
func (b *ProcBuilder) SetBlock(blk ir.BlockID) { b.cur = blk }

func (b *ProcBuilder) block() *ir.BasicBlock { return b.proc.Blocks[b.cur] }

// Assign appends dest = value to the current block.
func (b *ProcBuilder) Assign(dest ir.Place, value ir.Rvalue) {
	b.block().Statements = append(b.block().Statements, &ir.Assign{Dest: dest, Value: value, Pos: b.nextPos()})
}

// Ref appends dest = &src.
func (b *ProcBuilder) Ref(dest, src ir.Local) {
	b.Assign(ir.LocalPlace(dest), ir.Ref{Place: ir.LocalPlace(src)})
}

// Copy appends dest = src.
func (b *ProcBuilder) Copy(dest, src ir.Local) {
	b.Assign(ir.LocalPlace(dest), ir.Use{Operand: ir.CopyOf(ir.LocalPlace(src))})
}

func operands(args []ir.Local) []ir.Operand {
	ops := make([]ir.Operand, len(args))
	for i, a := range args {
		ops[i] = ir.CopyOf(ir.LocalPlace(a))
	}
	return ops
}

func (b *ProcBuilder) terminate(call *ir.Call) *ir.Call {
	next := b.NewBlock()
	call.Target = next
	call.Pos = b.nextPos()
	b.block().Terminator = call
	b.cur = next
	return call
}

// Call ends the current block with a library call.
func (b *ProcBuilder) Call(name string, dest ir.Local, args ...ir.Local) *ir.Call {
	return b.terminate(&ir.Call{Callee: ir.Callee{Name: name}, Args: operands(args), Dest: ir.LocalPlace(dest)})
}

// CallProc ends the current block with a call to an in-source procedure.
func (b *ProcBuilder) CallProc(id ir.ProcID, dest ir.Local, args ...ir.Local) *ir.Call {
	return b.terminate(&ir.Call{Callee: ir.Callee{Proc: id, Name: string(id)}, Args: operands(args), Dest: ir.LocalPlace(dest)})
}

// Spawn ends the current block with a call running id on a new thread.
func (b *ProcBuilder) Spawn(id ir.ProcID, args ...ir.Local) *ir.Call {
	return b.terminate(&ir.Call{Callee: ir.Callee{Proc: id, Name: string(id)}, Args: operands(args), Dest: ir.LocalPlace(b.Temp()), Spawn: true})
}

// Indirect ends the current block with a call through a function value.
func (b *ProcBuilder) Indirect(dest ir.Local, args ...ir.Local) *ir.Call {
	return b.terminate(&ir.Call{Callee: ir.Callee{Indirect: true}, Args: operands(args), Dest: ir.LocalPlace(dest)})
}

// Drop ends the current block with a drop of l.
func (b *ProcBuilder) Drop(l ir.Local) {
	next := b.NewBlock()
	b.block().Terminator = &ir.Drop{Place: ir.LocalPlace(l), Target: next, Pos: b.nextPos()}
	b.cur = next
}

// Goto ends the current block with a jump.
func (b *ProcBuilder) Goto(target ir.BlockID) {
	b.block().Terminator = &ir.Goto{Target: target}
}

// Switch ends the current block with a branch to targets.
func (b *ProcBuilder) Switch(targets ...ir.BlockID) {
	b.block().Terminator = &ir.SwitchInt{Targets: targets}
}

// Return ends the current block with a return.
func (b *ProcBuilder) Return() {
	b.block().Terminator = &ir.Return{Pos: b.nextPos()}
}

// Build returns the procedure.
func (b *ProcBuilder) Build() *ir.Procedure { return b.proc }

// Rust type names used by tests.
const (
	MutexType = ir.Type("std::sync::Mutex<i32>")
	RefMutex  = ir.Type("&std::sync::Mutex<i32>")
	GuardType = ir.Type("std::sync::MutexGuard<i32>")
	ArcType   = ir.Type("std::sync::Arc<std::sync::Mutex<i32>>")
	RefArc    = ir.Type("&std::sync::Arc<std::sync::Mutex<i32>>")
)

// Rust library paths used by tests.
const (
	MutexNew = "std::sync::Mutex::new"
	Lock     = "std::sync::Mutex::lock"
	ArcNew   = "std::sync::Arc::new"
	ArcClone = "std::sync::Arc::clone"
	Deref    = "std::ops::Deref::deref"
	Drop     = "std::mem::drop"
)

// NewMutex emits m = Mutex::new(); r = &m and returns both locals.
func (b *ProcBuilder) NewMutex(name string) (m, r ir.Local) {
	m = b.Local(name, MutexType)
	r = b.Local("&"+name, RefMutex)
	b.Call(MutexNew, m)
	b.Ref(r, m)
	return m, r
}

// LockGuard emits g = r.lock() and returns the guard.
func (b *ProcBuilder) LockGuard(r ir.Local) ir.Local {
	g := b.Local("", GuardType)
	b.Call(Lock, g, r)
	return g
}
