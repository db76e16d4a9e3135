package ssafront

import (
	"context"
	"go/ast"
	"go/importer"
	"go/parser"
	"go/token"
	"go/types"
	"sort"
	"testing"

	"github.com/akerouanton/lockgraph/pkg/config"
	"github.com/akerouanton/lockgraph/pkg/deadlock"
	"github.com/akerouanton/lockgraph/pkg/ir"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// lower builds src as package main and lowers its source functions.
func lower(t *testing.T, src string) *Result {
	t.Helper()
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "main.go", src, parser.ParseComments)
	if err != nil {
		t.Fatal(err)
	}
	conf := &types.Config{Importer: importer.Default()}
	pkg, _, err := ssautil.BuildPackage(conf, fset, types.NewPackage("main", "main"), []*ast.File{f}, ssa.SanityCheckFunctions)
	if err != nil {
		t.Fatal(err)
	}
	var funcs []*ssa.Function
	for fn := range ssautil.AllFunctions(pkg.Prog) {
		if fn.Pkg == pkg && fn.Synthetic == "" {
			funcs = append(funcs, fn)
		}
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].String() < funcs[j].String() })

	log, _ := logtest.NewNullLogger()
	res, err := Lower(context.Background(), fset, funcs, Options{Log: log, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	for id, err := range res.Skipped {
		t.Errorf("function %s was skipped: %v", id, err)
	}
	return res
}

func analyze(t *testing.T, res *Result) *deadlock.Report {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	cfg := config.NewDefault()
	cfg.Log = log
	r, err := deadlock.Analyze(res.Program, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func calls(proc *ir.Procedure, name string) []*ir.Call {
	var out []*ir.Call
	for _, bc := range proc.Calls() {
		if bc.Call.Callee.Name == name {
			out = append(out, bc.Call)
		}
	}
	return out
}

const lockOrderSrc = `package main

import "sync"

type DB struct {
	mu   sync.Mutex
	rows int
}

type TxLog struct {
	mu      sync.Mutex
	entries []string
}

func commit(d *DB, l *TxLog) {
	d.mu.Lock()
	l.mu.Lock()
	l.entries = append(l.entries, "commit")
	l.mu.Unlock()
	d.mu.Unlock()
}

func flush(d *DB, l *TxLog) {
	l.mu.Lock()
	d.mu.Lock()
	d.rows++
	d.mu.Unlock()
	l.mu.Unlock()
}

func main() {
	d := &DB{}
	l := &TxLog{}
	go commit(d, l)
	flush(d, l)
}
`

func TestLockOrderCycle(t *testing.T) {
	res := lower(t, lockOrderSrc)
	if id, ok := res.Program.Entry(); !ok || id != "main.main" {
		t.Fatalf("unexpected entry %q", id)
	}
	main, _ := res.Program.Procedure("main.main")
	var spawns int
	for _, bc := range main.Calls() {
		if bc.Call.Spawn {
			spawns++
			if bc.Call.Callee.Proc != "main.commit" {
				t.Errorf("unexpected spawned callee %q", bc.Call.Callee.Proc)
			}
		}
	}
	if spawns != 1 {
		t.Errorf("expected one spawn in main, got %d", spawns)
	}
	if n := len(calls(main, ir.GoConstructMutex)); n != 2 {
		t.Errorf("expected two lock constructions in main, got %d", n)
	}

	r := analyze(t, res)
	if len(r.Cycles) != 1 {
		t.Fatalf("expected one cycle, got %+v", r.Cycles)
	}
	if len(r.SelfLoops) != 0 || len(r.Anomalies) != 0 {
		t.Errorf("unexpected self-loops %+v or anomalies %+v", r.SelfLoops, r.Anomalies)
	}
	procs := map[ir.ProcID]bool{}
	for _, e := range r.Cycles[0].Edges {
		procs[e.Proc] = true
	}
	if !procs["main.commit"] || !procs["main.flush"] {
		t.Errorf("expected edges from commit and flush, got %v", procs)
	}
}

func TestConsistentOrderNoCycle(t *testing.T) {
	src := `package main

import "sync"

type A struct{ mu sync.Mutex }

func both(a, b *A) {
	a.mu.Lock()
	b.mu.Lock()
	b.mu.Unlock()
	a.mu.Unlock()
}

func main() {
	x := &A{}
	y := new(A)
	both(x, y)
}
`
	r := analyze(t, lower(t, src))
	if len(r.Cycles) != 0 || len(r.SelfLoops) != 0 {
		t.Errorf("expected no deadlock, got cycles %+v self-loops %+v", r.Cycles, r.SelfLoops)
	}
	if n := len(r.Locks.Edges()); n != 1 {
		t.Errorf("expected a single x -> y edge, got %d", n)
	}
}

func TestEmbeddedGlobalAndDefer(t *testing.T) {
	src := `package main

import "sync"

var global sync.Mutex

type Counter struct {
	sync.Mutex
	n int
}

func (c *Counter) Inc() {
	c.Lock()
	defer c.Unlock()
	c.n++
}

func main() {
	global.Lock()
	global.Unlock()
	c := &Counter{}
	c.Inc()
	c.Inc()
}
`
	res := lower(t, src)
	globals := res.Program.Globals()
	if globals == nil || len(calls(globals, ir.GoConstructMutex)) != 1 {
		t.Fatalf("expected the global mutex to be constructed in %v", globals)
	}

	inc, ok := res.Program.Procedure("(*main.Counter).Inc")
	if !ok {
		t.Fatal("Inc was not lowered")
	}
	acquires := calls(inc, "(*sync.Mutex).Lock")
	if len(acquires) != 1 {
		t.Fatalf("expected one Lock call in Inc, got %d", len(acquires))
	}
	if got := inc.LocalType(acquires[0].Dest.Local); got != ir.GoGuardType {
		t.Errorf("unexpected guard type %q", got)
	}
	if len(calls(inc, "(*sync.Mutex).Unlock")) != 1 {
		t.Error("deferred Unlock was not replayed")
	}

	r := analyze(t, res)
	if !r.Empty() || len(r.Anomalies) != 0 {
		t.Errorf("expected a clean report, got cycles %+v self-loops %+v anomalies %+v",
			r.Cycles, r.SelfLoops, r.Anomalies)
	}
}

func TestClosureSelfLoop(t *testing.T) {
	src := `package main

import "sync"

func main() {
	var mu sync.Mutex
	f := func() {
		mu.Lock()
		mu.Lock()
	}
	f()
}
`
	res := lower(t, src)
	if _, ok := res.Program.Procedure("main.main$1"); !ok {
		t.Fatal("closure was not lowered")
	}
	r := analyze(t, res)
	if len(r.SelfLoops) != 1 {
		t.Fatalf("expected one self-loop, got %+v", r.SelfLoops)
	}
	if got := r.SelfLoops[0].Lock.Label; got != "mu" {
		t.Errorf("unexpected lock label %q", got)
	}
	if r.SelfLoops[0].Proc != "main.main$1" {
		t.Errorf("unexpected acquiring procedure %q", r.SelfLoops[0].Proc)
	}
}

func TestMutexPaths(t *testing.T) {
	mutex := types.NewNamed(types.NewTypeName(token.NoPos, types.NewPackage("sync", "sync"), "Mutex", nil), types.NewStruct(nil, nil), nil)
	inner := types.NewStruct([]*types.Var{
		types.NewField(token.NoPos, nil, "n", types.Typ[types.Int], false),
		types.NewField(token.NoPos, nil, "mu", mutex, false),
	}, nil)
	outer := types.NewStruct([]*types.Var{
		types.NewField(token.NoPos, nil, "a", mutex, false),
		types.NewField(token.NoPos, nil, "in", inner, false),
		types.NewField(token.NoPos, nil, "p", types.NewPointer(mutex), false),
	}, nil)

	paths := mutexPaths(outer, isMutexType)
	if len(paths) != 2 {
		t.Fatalf("expected two mutex paths, got %v", paths)
	}
	if len(paths[0]) != 1 || paths[0][0].Field != 0 {
		t.Errorf("unexpected first path %v", paths[0])
	}
	if len(paths[1]) != 2 || paths[1][0].Field != 1 || paths[1][1].Field != 1 || paths[1][1].Name != "mu" {
		t.Errorf("unexpected second path %v", paths[1])
	}
	if got := mutexPaths(mutex, isMutexType); len(got) != 1 || len(got[0]) != 0 {
		t.Errorf("a mutex is its own lock, got %v", got)
	}
}
