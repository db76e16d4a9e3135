// Package ssafront lowers golang.org/x/tools/go/ssa functions into the
// lock analysis IR.
//
// Values become locals, pointers stay pointers: an Alloc is a fresh object
// local plus a reference to it, FieldAddr and UnOp(*) become projections.
// Every allocation holding a sync.Mutex or sync.RWMutex by value constructs
// a lock, so locks are identified by allocation site.
package ssafront

import (
	"context"
	"fmt"
	"go/token"
	"go/types"
	"runtime"
	"sort"

	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ssa"
)

// Options configures Lower.
type Options struct {
	// Oracle defaults to ir.GoSyncOracle().
	Oracle ir.TypeOracle
	Log    logrus.FieldLogger
	// Workers bounds concurrent lowering; <= 0 means GOMAXPROCS.
	Workers int
}

// Result is a lowered program.
type Result struct {
	Program *ir.Program
	// Funcs maps procedures back to the functions they were lowered from.
	Funcs map[ir.ProcID]*ssa.Function
	// Skipped lists functions that could not be lowered.
	Skipped map[ir.ProcID]error
}

// ProcID returns the procedure id of fn.
func ProcID(fn *ssa.Function) ir.ProcID { return ir.ProcID(fn.String()) }

// Lower lowers funcs and their anonymous functions. Functions without a
// body are left out: calls to them are library calls.
func Lower(ctx context.Context, fset *token.FileSet, funcs []*ssa.Function, opts Options) (*Result, error) {
	if opts.Oracle == nil {
		opts.Oracle = ir.GoSyncOracle()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	fns := collectFuncs(funcs)
	ids := make(map[*ssa.Function]ir.ProcID, len(fns))
	for _, fn := range fns {
		ids[fn] = ProcID(fn)
	}
	isLock := lockTypes(opts.Oracle)
	globals := collectGlobals(fns, isLock)

	procs := make([]*ir.Procedure, len(fns))
	errs := make([]error, len(fns))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, fn := range fns {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			procs[i], errs[i] = lowerFunc(fn, ids, globals, isLock)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{
		Program: ir.NewProgram(opts.Oracle),
		Funcs:   make(map[ir.ProcID]*ssa.Function, len(fns)),
		Skipped: make(map[ir.ProcID]error),
	}
	res.Program.Files = fset
	res.Program.Statics = globals.proc
	for i, fn := range fns {
		id := ids[fn]
		if errs[i] != nil {
			opts.Log.WithField("func", id).Warnf("ssafront: skipping function: %v", errs[i])
			res.Skipped[id] = errs[i]
			continue
		}
		res.Program.Add(procs[i])
		res.Funcs[id] = fn
		if isMain(fn) {
			res.Program.EntryID = id
		}
	}
	opts.Log.Debugf("ssafront: lowered %d functions, %d globals", len(res.Funcs), len(globals.index))
	return res, nil
}

func isMain(fn *ssa.Function) bool {
	return fn.Name() == "main" && fn.Signature.Recv() == nil && fn.Parent() == nil &&
		fn.Pkg != nil && fn.Pkg.Pkg.Name() == "main"
}

// collectFuncs returns the functions with a body among funcs and their
// anonymous functions, deduplicated, in a stable order.
func collectFuncs(funcs []*ssa.Function) []*ssa.Function {
	seen := make(map[*ssa.Function]bool)
	var out []*ssa.Function
	var add func(fn *ssa.Function)
	add = func(fn *ssa.Function) {
		if fn == nil || seen[fn] {
			return
		}
		seen[fn] = true
		if len(fn.Blocks) > 0 {
			out = append(out, fn)
		}
		for _, anon := range fn.AnonFuncs {
			add(anon)
		}
	}
	for _, fn := range funcs {
		add(fn)
	}
	return out
}

// globalTable maps package-level variables to locals of the globals
// procedure.
type globalTable struct {
	proc  *ir.Procedure
	index map[*ssa.Global]ir.Local
}

// collectGlobals builds the globals procedure for the packages of fns. Its
// body constructs the mutexes held by value in package variables.
func collectGlobals(fns []*ssa.Function, isLock func(types.Type) bool) *globalTable {
	pkgs := make(map[*ssa.Package]bool)
	for _, fn := range fns {
		if fn.Pkg != nil {
			pkgs[fn.Pkg] = true
		}
	}
	var vars []*ssa.Global
	for pkg := range pkgs {
		for _, m := range pkg.Members {
			if g, ok := m.(*ssa.Global); ok {
				vars = append(vars, g)
			}
		}
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].String() < vars[j].String() })

	b := newBuilder(&ir.Procedure{ID: ir.GlobalsProc, Name: "globals"}, "()", isLock)
	t := &globalTable{proc: b.proc, index: make(map[*ssa.Global]ir.Local, len(vars))}
	b.newBlock()
	for _, g := range vars {
		elem := g.Type().Underlying().(*types.Pointer).Elem()
		l := b.newLocal(g.Name(), typeString(elem))
		t.index[g] = l
		b.constructLocks(ir.LocalPlace(l), elem, g.Pos())
	}
	b.terminate(&ir.Return{})
	return t
}

func typeString(t types.Type) ir.Type { return ir.Type(types.TypeString(t, nil)) }

// builder appends locals and blocks to a procedure.
type builder struct {
	proc   *ir.Procedure
	cur    ir.BlockID
	isLock func(types.Type) bool
}

func newBuilder(proc *ir.Procedure, ret ir.Type, isLock func(types.Type) bool) *builder {
	proc.Locals = []ir.LocalDecl{{Name: "_ret", Type: ret}}
	return &builder{proc: proc, isLock: isLock}
}

func (b *builder) newLocal(name string, t ir.Type) ir.Local {
	b.proc.Locals = append(b.proc.Locals, ir.LocalDecl{Name: name, Type: t})
	return ir.Local(len(b.proc.Locals) - 1)
}

func (b *builder) newBlock() ir.BlockID {
	b.proc.Blocks = append(b.proc.Blocks, &ir.BasicBlock{})
	return ir.BlockID(len(b.proc.Blocks) - 1)
}

func (b *builder) emit(s ir.Statement) {
	blk := b.proc.Blocks[b.cur]
	blk.Statements = append(blk.Statements, s)
}

func (b *builder) terminate(t ir.Terminator) {
	b.proc.Blocks[b.cur].Terminator = t
}

// call ends the current block with c and continues in a new block.
func (b *builder) call(c *ir.Call) {
	next := b.newBlock()
	c.Target = next
	b.terminate(c)
	b.cur = next
}

// constructLocks emits a lock construction for every lock held by value
// at base, a place of type t.
func (b *builder) constructLocks(base ir.Place, t types.Type, pos token.Pos) {
	for _, path := range mutexPaths(t, b.isLock) {
		b.call(&ir.Call{
			Callee: ir.Callee{Name: ir.GoConstructMutex},
			Dest:   base.Project(path...),
			Pos:    pos,
		})
	}
}

func lowerFunc(fn *ssa.Function, ids map[*ssa.Function]ir.ProcID, globals *globalTable, isLock func(types.Type) bool) (proc *ir.Procedure, err error) {
	defer func() {
		if r := recover(); r != nil {
			proc, err = nil, fmt.Errorf("lowering %s: %v", fn, r)
		}
	}()
	l := newLowerer(fn, ids, globals, isLock)
	l.lower()
	return l.proc, nil
}
