// Package ir defines the control-flow-graph intermediate representation the
// lock analyses consume. A front end lowers its own program representation
// into these types and exposes the result through a Source.
package ir

import (
	"errors"
	"fmt"
	"go/token"
	"strings"
)

// ErrUnsupported is returned for statements, terminators and projections the
// analyses do not model (array indexing, downcasts, indirect calls).
var ErrUnsupported = errors.New("unsupported construct")

// ProcID is an opaque procedure identifier, unique within a Source.
type ProcID string

// GlobalsProc is the reserved procedure whose locals are the program globals.
// StaticRef rvalues denote the address of one of its locals.
const GlobalsProc ProcID = "<globals>"

// BlockID indexes Procedure.Blocks.
type BlockID int

// NoBlock marks a call without a continuation (diverging callee).
const NoBlock BlockID = -1

// Local indexes Procedure.Locals. Local 0 is the return slot and locals
// 1..ArgCount are the parameters.
type Local int

// ReturnLocal is the local holding a procedure's return value.
const ReturnLocal Local = 0

// Type is the source type of a local as printed by the front end. It is
// opaque to the analyses, which only ask the TypeOracle about it.
type Type string

// LocalDecl describes one local variable.
type LocalDecl struct {
	Name string
	Type Type
}

// ProjKind is the kind of a single place projection.
type ProjKind int

const (
	ProjDeref ProjKind = iota
	ProjField
	ProjIndex    // unsupported
	ProjDowncast // unsupported
)

// Projection is one step of a place's projection chain.
type Projection struct {
	Kind  ProjKind
	Field int
	Name  string // field name, for labels only
}

// Deref returns a dereference projection.
func Deref() Projection { return Projection{Kind: ProjDeref} }

// Field returns a projection onto field i.
func Field(i int, name string) Projection { return Projection{Kind: ProjField, Field: i, Name: name} }

// Place denotes a storage location: a local plus a projection chain.
type Place struct {
	Local      Local
	Projection []Projection
}

// LocalPlace returns the place of a bare local.
func LocalPlace(l Local) Place { return Place{Local: l} }

// Project returns a copy of p extended with the given projections.
func (p Place) Project(elems ...Projection) Place {
	proj := make([]Projection, 0, len(p.Projection)+len(elems))
	proj = append(proj, p.Projection...)
	proj = append(proj, elems...)
	return Place{Local: p.Local, Projection: proj}
}

func (p Place) String() string {
	s := fmt.Sprintf("_%d", p.Local)
	for _, e := range p.Projection {
		switch e.Kind {
		case ProjDeref:
			s = "(*" + s + ")"
		case ProjField:
			s = fmt.Sprintf("%s.%d", s, e.Field)
		case ProjIndex:
			s += "[_]"
		case ProjDowncast:
			s += " as _"
		}
	}
	return s
}

// OperandKind distinguishes place operands from constants.
type OperandKind int

const (
	Copy OperandKind = iota
	Move
	Constant
)

// Operand is a call argument or the right-hand side of a Use.
type Operand struct {
	Kind  OperandKind
	Place Place
}

// CopyOf returns a copy operand of p.
func CopyOf(p Place) Operand { return Operand{Kind: Copy, Place: p} }

// MoveOf returns a move operand of p.
func MoveOf(p Place) Operand { return Operand{Kind: Move, Place: p} }

// Const returns a constant operand.
func Const() Operand { return Operand{Kind: Constant} }

// IsPlace reports whether the operand reads a place.
func (o Operand) IsPlace() bool { return o.Kind != Constant }

// Rvalue is the right-hand side of an assignment.
type Rvalue interface {
	rvalue()
}

// Use copies or moves an operand.
type Use struct{ Operand Operand }

// Ref takes the address of a place.
type Ref struct{ Place Place }

// StaticRef takes the address of a program global (a local of GlobalsProc).
type StaticRef struct{ Global Local }

// Aggregate builds a value field by field.
type Aggregate struct{ Fields []Operand }

// Cast converts an operand; the analyses treat it as opaque.
type Cast struct{ Operand Operand }

// Opaque is any computation that cannot carry a pointer.
type Opaque struct{}

func (Use) rvalue()       {}
func (Ref) rvalue()       {}
func (StaticRef) rvalue() {}
func (Aggregate) rvalue() {}
func (Cast) rvalue()      {}
func (Opaque) rvalue()    {}

// Statement is a non-terminating instruction of a basic block.
type Statement interface {
	statement()
}

// Assign stores an rvalue into a place.
type Assign struct {
	Dest  Place
	Value Rvalue
	Pos   token.Pos
}

// Nop does nothing. Front ends emit it for instructions they drop.
type Nop struct{}

func (*Assign) statement() {}
func (*Nop) statement()    {}

// Terminator ends a basic block and names its successors.
type Terminator interface {
	Successors() []BlockID
}

// Goto jumps unconditionally.
type Goto struct{ Target BlockID }

// SwitchInt branches to one of several targets.
type SwitchInt struct{ Targets []BlockID }

// Return leaves the procedure. The return value is in ReturnLocal.
type Return struct{ Pos token.Pos }

// Unreachable ends a path that never continues (panic, abort).
type Unreachable struct{}

// Callee names the target of a call.
type Callee struct {
	Proc     ProcID // in-source procedure, empty for library calls
	Name     string // library path used by the TypeOracle
	Indirect bool   // call through a function value or interface
}

// Call invokes a callee and continues at Target.
type Call struct {
	Callee Callee
	Args   []Operand
	Dest   Place
	Target BlockID
	Spawn  bool // the callee runs on a new thread
	Pos    token.Pos
}

// Drop ends the lifetime of a place (a guard going out of scope).
type Drop struct {
	Place  Place
	Target BlockID
	Pos    token.Pos
}

func (t *Goto) Successors() []BlockID      { return []BlockID{t.Target} }
func (t *SwitchInt) Successors() []BlockID { return t.Targets }
func (*Return) Successors() []BlockID      { return nil }
func (*Unreachable) Successors() []BlockID { return nil }

func (t *Call) Successors() []BlockID {
	if t.Target == NoBlock {
		return nil
	}
	return []BlockID{t.Target}
}

func (t *Drop) Successors() []BlockID { return []BlockID{t.Target} }

// InSource reports whether the call targets a procedure of the same Source.
func (t *Call) InSource() bool { return t.Callee.Proc != "" && !t.Callee.Indirect }

func (t *Call) String() string {
	var args []string
	for _, a := range t.Args {
		if a.IsPlace() {
			args = append(args, a.Place.String())
		} else {
			args = append(args, "const")
		}
	}
	name := t.Callee.Name
	if t.Callee.Proc != "" {
		name = string(t.Callee.Proc)
	}
	if t.Callee.Indirect {
		name = "(indirect)"
	}
	return fmt.Sprintf("%s = %s(%s)", t.Dest, name, strings.Join(args, ", "))
}

// BasicBlock is a straight-line sequence of statements and one terminator.
type BasicBlock struct {
	Statements []Statement
	Terminator Terminator
}

// Procedure is one function body of the analyzed program.
type Procedure struct {
	ID       ProcID
	Name     string
	ArgCount int
	Locals   []LocalDecl
	Blocks   []*BasicBlock
	Pos      token.Pos
}

// Param returns the local holding parameter i (0-based).
func (p *Procedure) Param(i int) Local { return Local(i + 1) }

// LocalType returns the declared type of l, or "" when l is out of range.
func (p *Procedure) LocalType(l Local) Type {
	if int(l) < 0 || int(l) >= len(p.Locals) {
		return ""
	}
	return p.Locals[l].Type
}

// LocalName returns the declared name of l, falling back to _N.
func (p *Procedure) LocalName(l Local) string {
	if int(l) >= 0 && int(l) < len(p.Locals) && p.Locals[l].Name != "" {
		return p.Locals[l].Name
	}
	return fmt.Sprintf("_%d", l)
}

// Calls returns every call terminator of the procedure along with its block.
func (p *Procedure) Calls() []BlockCall {
	var calls []BlockCall
	for i, b := range p.Blocks {
		if c, ok := b.Terminator.(*Call); ok {
			calls = append(calls, BlockCall{Block: BlockID(i), Call: c})
		}
	}
	return calls
}

// BlockCall is a call terminator located in a block.
type BlockCall struct {
	Block BlockID
	Call  *Call
}
