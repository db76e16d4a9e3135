package analyzer

import (
	"context"
	"fmt"
	"go/token"

	"github.com/akerouanton/lockgraph/pkg/config"
	"github.com/akerouanton/lockgraph/pkg/deadlock"
	"github.com/akerouanton/lockgraph/pkg/ir"
	"github.com/akerouanton/lockgraph/pkg/ssafront"
	"github.com/sirupsen/logrus"
	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/buildssa"
	"golang.org/x/tools/go/ssa"
)

var (
	configFile string
	debug      bool
)

func init() {
	Analyzer.Flags.StringVar(&configFile, "config", "", "YAML configuration file")
	Analyzer.Flags.BoolVar(&debug, "debug", false, "log every analysis phase and write the debug dumps to stderr")
}

var Analyzer = &analysis.Analyzer{
	Name:     "lockgraph",
	Doc:      "detects potential deadlocks caused by lock ordering cycles and re-entrant locking",
	Run:      run,
	Requires: []*analysis.Analyzer{buildssa.Analyzer},
}

// passContext holds state for a single analyzer pass.
type passContext struct {
	pass     *analysis.Pass
	srcFuncs []*ssa.Function
	log      logrus.FieldLogger

	// funcs maps procedures back to their SSA functions.
	funcs map[ir.ProcID]*ssa.Function

	// reported deduplicates diagnostics: one edge can close several cycles.
	reported map[diagnosticKey]bool

	// Annotation directives parsed from comments.
	annotations *annotations
}

type diagnosticKey struct {
	pos token.Pos
	msg string
}

// loadConfig reads the -config file, if any, and applies -debug.
func loadConfig() (*config.Config, error) {
	cfg := config.NewDefault()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, err
		}
	}
	if debug {
		cfg.LogLevel = logrus.DebugLevel.String()
		cfg.EmitCallGraph = true
		cfg.EmitAliasGraph = true
		cfg.EmitLockSummaries = true
		cfg.EmitLockGraph = true
	}
	return cfg, nil
}

func run(pass *analysis.Pass) (any, error) {
	ssaResult, ok := pass.ResultOf[buildssa.Analyzer].(*buildssa.SSA)
	if !ok {
		return nil, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	ctx := &passContext{
		pass:     pass,
		srcFuncs: ssaResult.SrcFuncs,
		log:      cfg.Logger().WithField("pkg", pass.Pkg.Path()),
		reported: make(map[diagnosticKey]bool),
	}
	cfg.Log = ctx.log

	// Phase 0: Parse annotation directives from comments.
	ctx.parseAnnotations()

	// Phase 1: Lower the package's functions.
	lowered, err := ssafront.Lower(context.Background(), pass.Fset, ctx.srcFuncs, ssafront.Options{
		Oracle: cfg.Oracle(ir.GoSyncOracle()),
		Log:    ctx.log,
	})
	if err != nil {
		return nil, fmt.Errorf("lowering %s: %w", pass.Pkg.Path(), err)
	}
	ctx.funcs = lowered.Funcs

	// Phase 2: Run the whole-package analysis.
	report, err := deadlock.Analyze(lowered.Program, cfg)
	if err != nil {
		return nil, err
	}

	// Phase 3: Report cycles and self-loops.
	ctx.reportCycles(report)
	ctx.reportSelfLoops(report)
	ctx.logNotes(report)

	return nil, nil
}
