package deadlock

import (
	"fmt"
	"io"

	"github.com/akerouanton/lockgraph/pkg/alias"
	"github.com/akerouanton/lockgraph/pkg/callgraph"
	"github.com/akerouanton/lockgraph/pkg/config"
	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/akerouanton/lockgraph/pkg/lockorder"
	"github.com/akerouanton/lockgraph/pkg/lockset"
)

// dumper writes the debug dumps enabled in the configuration. The first
// write error disables further output.
type dumper struct {
	opts config.Options
	w    io.Writer
	e    error
}

func newDumper(cfg *config.Config) *dumper {
	d := &dumper{opts: cfg.Options}
	if cfg.Emits() {
		d.w = cfg.DumpWriter()
	}
	return d
}

func (d *dumper) printf(format string, args ...any) {
	if d.w == nil || d.e != nil {
		return
	}
	_, d.e = fmt.Fprintf(d.w, format, args...)
}

func (d *dumper) err() error { return d.e }

func (d *dumper) callGraph(cg *callgraph.Graph) {
	if d.opts.EmitCallGraph {
		d.printf("%s", cg)
	}
}

func (d *dumper) aliasGraph(g *alias.Graph) {
	if d.opts.EmitAliasGraph {
		d.printf("%s", g)
	}
}

func (d *dumper) lockSummaries(e *lockset.Engine, order []ir.ProcID) {
	if d.opts.EmitLockSummaries {
		d.printf("%s", e.Dump(order))
	}
}

func (d *dumper) lockGraph(locks *lockorder.Graph, r *Report) {
	if !d.opts.EmitLockGraph || d.w == nil || d.e != nil {
		return
	}
	d.e = locks.WriteDOT(d.w, "lockgraph", r.LockName)
}
