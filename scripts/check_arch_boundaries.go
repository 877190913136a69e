package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const modulePrefix = "depot-packer/internal/"

// allowed maps each internal package to the internal packages it may import.
var allowed = map[string]map[string]bool{
	"cli": {
		"config":        true,
		"conflict":      true,
		"depotdl":       true,
		"depots":        true,
		"job":           true,
		"model":         true,
		"observability": true,
		"remote":        true,
		"runstore":      true,
	},
	"job": {
		"authcache":     true,
		"compress":      true,
		"conflict":      true,
		"depotdl":       true,
		"depots":        true,
		"extract":       true,
		"finalize":      true,
		"model":         true,
		"observability": true,
		"resolve":       true,
		"runstore":      true,
	},
	"config": {
		"compress": true,
		"depotdl":  true,
		"depots":   true,
		"remote":   true,
		"runstore": true,
	},
	"resolve": {
		"depotdl":       true,
		"depots":        true,
		"extract":       true,
		"model":         true,
		"observability": true,
		"remote":        true,
		"runstore":      true,
	},
	"finalize": {
		"depots":   true,
		"model":    true,
		"runstore": true,
	},
	"compress":      {"depotdl": true},
	"extract":       {"depots": true},
	"authcache":     {"runstore": true},
	"conflict":      {"model": true},
	"depotdl":       {"model": true},
	"depots":        {"runstore": true},
	"runstore":      {"model": true},
	"remote":        {},
	"observability": {},
	"model":         {},
}

func main() {
	violations := []string{}

	err := filepath.WalkDir("internal", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		srcPkg := sourcePackage(path)
		if srcPkg == "" {
			return nil
		}
		allowMap, ok := allowed[srcPkg]
		if !ok {
			violations = append(violations, fmt.Sprintf("%s: unknown source package %q", path, srcPkg))
			return nil
		}

		fset := token.NewFileSet()
		file, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return err
		}

		for _, imp := range file.Imports {
			impPath := strings.Trim(imp.Path.Value, "\"")
			tgtPkg, ok := targetPackage(impPath)
			if !ok || tgtPkg == srcPkg {
				continue
			}
			if !allowMap[tgtPkg] {
				violations = append(violations, fmt.Sprintf("%s: %s -> %s is forbidden", path, srcPkg, tgtPkg))
			}
		}
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "boundary walk failed: %v\n", err)
		os.Exit(1)
	}

	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "architecture boundary violations detected:")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "- %s\n", v)
		}
		os.Exit(1)
	}

	fmt.Println("architecture boundary check: OK")
}

func sourcePackage(path string) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) < 2 || parts[0] != "internal" {
		return ""
	}
	return parts[1]
}

func targetPackage(importPath string) (string, bool) {
	if !strings.HasPrefix(importPath, modulePrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(importPath, modulePrefix)
	if rest == "" {
		return "", false
	}
	return strings.Split(rest, "/")[0], true
}
