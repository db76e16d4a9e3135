package analyzer

import (
	"go/ast"
	"go/token"
	"strings"

	"golang.org/x/tools/go/ssa"
)

// annotations holds parsed comment directives for the current package.
type annotations struct {
	ignored map[*ssa.Function]bool  // functions marked //lockgraph:ignore
	nolint  map[string]map[int]bool // filename → set of suppressed line numbers
}

// hasDirective matches //lockgraph:<name>, optionally followed by a reason.
func hasDirective(text, name string) bool {
	d := "lockgraph:" + name
	return text == d || strings.HasPrefix(text, d+" ")
}

// parseAnnotations scans all comment groups in the package's AST files and
// populates ctx.annotations with directive information.
func (ctx *passContext) parseAnnotations() {
	ann := &annotations{
		ignored: make(map[*ssa.Function]bool),
		nolint:  make(map[string]map[int]bool),
	}

	fset := ctx.pass.Fset

	for _, file := range ctx.pass.Files {
		// Build a list of func decls in declaration order for this file.
		var funcDecls []*ast.FuncDecl
		for _, decl := range file.Decls {
			if fd, ok := decl.(*ast.FuncDecl); ok {
				funcDecls = append(funcDecls, fd)
			}
		}

		for _, cg := range file.Comments {
			for _, comment := range cg.List {
				text := strings.TrimSpace(strings.TrimPrefix(comment.Text, "//"))

				switch {
				case hasDirective(text, "ignore"):
					if fn := ctx.findFuncForComment(fset, funcDecls, comment.Pos()); fn != nil {
						ann.ignored[fn] = true
					}

				case hasDirective(text, "nolint"):
					pos := fset.Position(comment.Pos())
					if ann.nolint[pos.Filename] == nil {
						ann.nolint[pos.Filename] = make(map[int]bool)
					}
					ann.nolint[pos.Filename][pos.Line+1] = true
				}
			}
		}
	}

	ctx.annotations = ann
}

// findFuncForComment finds the SSA function corresponding to the function
// declaration that contains or immediately follows the comment at commentPos.
func (ctx *passContext) findFuncForComment(fset *token.FileSet, funcDecls []*ast.FuncDecl, commentPos token.Pos) *ssa.Function {
	commentLine := fset.Position(commentPos).Line

	var best *ast.FuncDecl
	for _, fd := range funcDecls {
		fdLine := fset.Position(fd.Pos()).Line
		// Comment is on the line immediately before or on the same line as the func decl.
		if fdLine >= commentLine && fdLine <= commentLine+1 {
			best = fd
			break
		}
		// Comment is inside the function body.
		if fd.Body != nil && commentPos >= fd.Pos() && commentPos <= fd.Body.End() {
			best = fd
			break
		}
	}

	if best == nil {
		return nil
	}

	return ctx.astFuncToSSA(best)
}

// astFuncToSSA maps an AST FuncDecl to its SSA function by position matching.
func (ctx *passContext) astFuncToSSA(fd *ast.FuncDecl) *ssa.Function {
	for _, fn := range ctx.srcFuncs {
		if fn.Pos() == fd.Name.Pos() {
			return fn
		}
	}
	return nil
}

// isSuppressed returns true if reporting should be suppressed for the given
// function and position, either because the function (or the function a
// closure is nested in) has //lockgraph:ignore or the line has
// //lockgraph:nolint on the preceding line.
func (ctx *passContext) isSuppressed(fn *ssa.Function, pos token.Pos) bool {
	if ctx.annotations == nil {
		return false
	}
	for f := fn; f != nil; f = f.Parent() {
		if ctx.annotations.ignored[f] {
			return true
		}
	}
	if pos.IsValid() {
		p := ctx.pass.Fset.Position(pos)
		if lines, ok := ctx.annotations.nolint[p.Filename]; ok {
			if lines[p.Line] {
				return true
			}
		}
	}
	return false
}
