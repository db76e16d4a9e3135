package analyzer

import (
	"fmt"
	"go/token"

	"github.com/akerouanton/lockgraph/pkg/deadlock"
	"github.com/akerouanton/lockgraph/pkg/ir"
)

// reportCycles emits one diagnostic per edge of every lock ordering cycle,
// at the acquisition (or call) that created the edge.
func (ctx *passContext) reportCycles(r *deadlock.Report) {
	for _, c := range r.Cycles {
		for _, e := range c.Edges {
			ctx.reportf(e.Proc, e.Pos, "potential deadlock: lock ordering cycle between %s and %s",
				r.LockName(e.From), r.LockName(e.To))
		}
	}
}

// reportSelfLoops emits a diagnostic for every lock acquired while already
// held, directly or through a call.
func (ctx *passContext) reportSelfLoops(r *deadlock.Report) {
	for _, s := range r.SelfLoops {
		ctx.reportf(s.Proc, s.Pos, "potential deadlock: %s is acquired while already held", s.Lock.Label)
	}
}

// logNotes logs what the analysis noticed but does not report.
func (ctx *passContext) logNotes(r *deadlock.Report) {
	for _, a := range r.Anomalies {
		ctx.log.WithField("func", a.Proc).Debugf("release of %s without matching acquisition at %s",
			a.Lock.Label, r.Position(a.Pos))
	}
}

func (ctx *passContext) reportf(proc ir.ProcID, pos token.Pos, format string, args ...any) {
	if !pos.IsValid() {
		return
	}
	if fn, ok := ctx.funcs[proc]; ok && ctx.isSuppressed(fn, pos) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	key := diagnosticKey{pos: pos, msg: msg}
	if ctx.reported[key] {
		return
	}
	ctx.reported[key] = true
	ctx.pass.Reportf(pos, "%s", msg)
}
