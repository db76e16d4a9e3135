// Package deadlock runs the whole-program lock analysis: call graph, alias
// graph, lock-set dataflow and lock-order cycle detection.
package deadlock

import (
	"errors"
	"fmt"
	"sort"

	"github.com/akerouanton/lockgraph/pkg/alias"
	"github.com/akerouanton/lockgraph/pkg/callgraph"
	"github.com/akerouanton/lockgraph/pkg/config"
	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/akerouanton/lockgraph/pkg/lockorder"
	"github.com/akerouanton/lockgraph/pkg/lockset"
)

// Analyze runs every phase over src and returns the report. Unsupported
// constructs and failing procedures are skipped; only a broken alias graph
// aborts the run.
func Analyze(src ir.Source, cfg *config.Config) (report *Report, err error) {
	if src == nil {
		return nil, errors.New("deadlock: nil program source")
	}
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("deadlock: invalid configuration: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			inv, ok := r.(*alias.InvariantError)
			if !ok {
				panic(r)
			}
			report, err = nil, fmt.Errorf("deadlock: %w", inv)
		}
	}()

	log := cfg.Logger()
	d := newDumper(cfg)

	cg := callgraph.Build(src)
	order := cg.Order()
	log.Infof("call graph: %d procedures, %d in-source calls", len(order), len(cg.Sites))
	for _, scc := range cg.Recursive() {
		log.Warnf("recursive call graph %v: lock summaries are approximated", scc)
	}
	d.callGraph(cg)

	g := alias.NewGraph()
	builder := alias.NewBuilder(g, src, log)
	builder.BuildAll(order)
	rounds := builder.Refine(cg, cfg.MaxAliasIterations)
	g.CheckInvariants(true)
	log.Infof("alias graph: %d nodes, %d merges, %d refinement rounds, %d unsupported constructs skipped",
		g.Len(), g.Merges(), rounds, builder.Unsupported)
	d.aliasGraph(g)

	locks := lockorder.New()
	engine := lockset.NewEngine(g, src, locks, log)
	engine.MaxPasses = cfg.MaxDataflowPasses
	for id, err := range builder.Skipped {
		engine.Skipped[id] = err
	}
	passes := engine.Run(order)
	log.Infof("lock sets: %d passes, %d lock-order edges", passes, len(locks.Edges()))
	d.lockSummaries(engine, order)

	r := newReport(src.Fset(), g, locks)
	for _, a := range engine.Anomalies() {
		r.Anomalies = append(r.Anomalies, Anomaly{Lock: r.lockInfo(a.Lock), Pos: a.Pos, Proc: a.Proc})
	}
	r.Skipped = skipped(builder.Skipped, engine.Skipped)
	for _, s := range r.Skipped {
		log.Warnf("skipped procedure %s: %v", s.Proc, s.Err)
	}
	d.lockGraph(locks, r)
	if err := d.err(); err != nil {
		log.Warnf("writing debug dumps: %v", err)
	}
	log.Infof("found %d cycles and %d self-loops", len(r.Cycles), len(r.SelfLoops))
	return r, nil
}

func skipped(maps ...map[ir.ProcID]error) []Skipped {
	seen := make(map[ir.ProcID]bool)
	var out []Skipped
	for _, m := range maps {
		for id, err := range m {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, Skipped{Proc: id, Err: err})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proc < out[j].Proc })
	return out
}
