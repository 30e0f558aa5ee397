// Package main implements a store-access restriction linter.
//
// The Control Plane is the sole writer of the domain store. This tool
// scans Go source under pkg/ and cmd/ and flags any package outside
// the Control Plane's slice that imports pkg/store or a SQL driver.
//
// Usage:
//
//	go run tools/layercheck/main.go [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
)

// Import path fragments only the Control Plane side may use.
var restrictedFragments = []string{
	"gsvlabs/cmp/pkg/store",
	"github.com/lib/pq",
}

// Path prefixes (relative to root) allowed to touch the store.
var allowedPrefixes = []string{
	"pkg/store",
	"pkg/controlplane",
	"pkg/billing",
	"pkg/catalog",
	"pkg/orgs",
	"pkg/instances",
	"pkg/provision",
	"pkg/connectors",
	"pkg/metering",
	"cmd/control-plane",
}

func main() {
	root := flag.String("root", ".", "Project root directory")
	flag.Parse()

	violations := 0
	fset := token.NewFileSet()

	for _, dir := range []string{"pkg", "cmd"} {
		scanDir := filepath.Join(*root, dir)
		if _, err := os.Stat(scanDir); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "ERROR: %s does not exist\n", scanDir)
			os.Exit(1)
		}

		err := filepath.Walk(scanDir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				if info.Name() == "vendor" || info.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			rel, _ := filepath.Rel(*root, path)
			if allowed(rel) {
				return nil
			}

			f, parseErr := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if parseErr != nil {
				fmt.Fprintf(os.Stderr, "WARN: parse error in %s: %v\n", path, parseErr)
				return nil
			}
			for _, imp := range f.Imports {
				importPath := strings.Trim(imp.Path.Value, `"`)
				for _, frag := range restrictedFragments {
					if strings.Contains(importPath, frag) {
						pos := fset.Position(imp.Pos())
						fmt.Printf("LAYER VIOLATION: %s:%d imports %q (store access outside the control plane)\n",
							rel, pos.Line, importPath)
						violations++
					}
				}
			}
			return nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: walk failed: %v\n", err)
			os.Exit(1)
		}
	}

	if violations > 0 {
		fmt.Printf("\n%d layer violation(s) found\n", violations)
		os.Exit(1)
	}
	fmt.Println("Layer check passed: store access is confined to the control plane.")
}

func allowed(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(rel, p+"/") || rel == p {
			return true
		}
	}
	return false
}
