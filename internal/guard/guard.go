// Package guard implements the build-time lint that enforces "only
// ticketstore may write outputs.tool_verdict", replacing the
// reflection/Object.assign-style mutation the source patterns call out
// for re-architecture. It walks the module's own source tree with
// go/parser rather than reaching for an external lint framework, since
// none appears anywhere in the example pack.
package guard

import (
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// Violation is one disallowed assignment site.
type Violation struct {
	File string
	Line int
	Expr string
}

// allowedPackageSuffix is the only package permitted to assign
// Outputs.ToolVerdict directly.
const allowedPackageSuffix = "ticketstore"

// ScanToolVerdictWrites walks every .go file under root (excluding
// _test.go files and any _examples or .git directory) looking for assignments to
// a selector literally named ToolVerdict outside the ticketstore package.
func ScanToolVerdictWrites(root string) ([]Violation, error) {
	var violations []Violation

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.Contains(path, "_examples") || strings.Contains(path, string(filepath.Separator)+".git") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		inTicketstore := strings.Contains(filepath.ToSlash(path), "/"+allowedPackageSuffix+"/")

		fset := token.NewFileSet()
		file, perr := parser.ParseFile(fset, path, nil, 0)
		if perr != nil {
			return nil // best-effort: skip files that fail to parse
		}

		ast.Inspect(file, func(n ast.Node) bool {
			assign, ok := n.(*ast.AssignStmt)
			if !ok {
				return true
			}
			for _, lhs := range assign.Lhs {
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok {
					continue
				}
				if sel.Sel.Name != "ToolVerdict" {
					continue
				}
				if inTicketstore {
					continue
				}
				pos := fset.Position(sel.Pos())
				violations = append(violations, Violation{File: path, Line: pos.Line, Expr: "ToolVerdict"})
			}
			return true
		})
		return nil
	})

	return violations, err
}
