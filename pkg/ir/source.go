package ir

import (
	"fmt"
	"go/token"
)

// Source is the program under analysis as provided by a front end.
type Source interface {
	// Procedures returns every procedure in declaration order.
	Procedures() []*Procedure
	// Procedure looks up a procedure by id.
	Procedure(id ProcID) (*Procedure, bool)
	// Entry returns the distinguished entry procedure, if any.
	Entry() (ProcID, bool)
	// Globals returns the pseudo-procedure holding program globals, or nil.
	Globals() *Procedure
	// Oracle answers type and library-call questions.
	Oracle() TypeOracle
	// Fset resolves positions; it may be nil for hand-built programs.
	Fset() *token.FileSet
}

// Program is the in-memory Source built by front ends and tests.
type Program struct {
	Procs   []*Procedure
	EntryID ProcID
	Statics *Procedure
	Types   TypeOracle
	Files   *token.FileSet

	byID map[ProcID]*Procedure
}

// NewProgram returns a program over procs using oracle.
func NewProgram(oracle TypeOracle, procs ...*Procedure) *Program {
	p := &Program{Types: oracle}
	for _, proc := range procs {
		p.Add(proc)
	}
	return p
}

// Add appends a procedure. Adding two procedures with the same id panics.
func (p *Program) Add(proc *Procedure) {
	if p.byID == nil {
		p.byID = make(map[ProcID]*Procedure)
	}
	if _, dup := p.byID[proc.ID]; dup {
		panic(fmt.Sprintf("duplicate procedure %s", proc.ID))
	}
	p.byID[proc.ID] = proc
	p.Procs = append(p.Procs, proc)
}

func (p *Program) Procedures() []*Procedure { return p.Procs }

func (p *Program) Procedure(id ProcID) (*Procedure, bool) {
	if id == GlobalsProc && p.Statics != nil {
		return p.Statics, true
	}
	proc, ok := p.byID[id]
	return proc, ok
}

func (p *Program) Entry() (ProcID, bool) {
	if p.EntryID == "" {
		return "", false
	}
	_, ok := p.byID[p.EntryID]
	return p.EntryID, ok
}

func (p *Program) Globals() *Procedure { return p.Statics }

func (p *Program) Oracle() TypeOracle { return p.Types }

func (p *Program) Fset() *token.FileSet { return p.Files }
