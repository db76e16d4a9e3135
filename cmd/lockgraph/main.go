// Command lockgraph reports potential deadlocks in Go packages.
package main

import (
	"github.com/akerouanton/lockgraph/pkg/analyzer"
	"golang.org/x/tools/go/analysis/singlechecker"
)

func main() {
	singlechecker.Main(analyzer.Analyzer)
}
