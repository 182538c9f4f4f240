// Package snapshot_test provides golden snapshot tests for generated
// work-group functions.
//
// For each kernel source in testdata/in/, the test builds every kernel with
// scalar and vectorized work-item loops, decodes the object code and
// compares the dump with golden files stored in
// testdata/golden/{loops,loopvec}/. Builds must also be reproducible.
//
// To regenerate golden files after intentional changes:
//
//	UPDATE_GOLDEN=1 go test ./snapshot/...
package snapshot_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/gogpu/kernelc"
	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/codegen"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

// ---------------------------------------------------------------------------
// Test Runner
// ---------------------------------------------------------------------------

// sourceFile represents an input kernel source loaded from disk.
type sourceFile struct {
	name   string // base name without extension (e.g., "reverse")
	source string
}

// TestSnapshots is the main golden snapshot test.
func TestSnapshots(t *testing.T) {
	sources := loadInputSources(t, "testdata/in")
	if len(sources) == 0 {
		t.Fatal("no input sources found in testdata/in/")
	}

	for _, method := range []string{target.MethodLoops, target.MethodLoopVec} {
		tc, err := kernelc.Init(kernelc.Config{Method: method, StorageDir: t.TempDir()})
		if err != nil {
			t.Fatalf("init: %v", err)
		}
		defer tc.Close()

		for i := range sources {
			src := &sources[i]
			t.Run(method+"/"+src.name, func(t *testing.T) {
				first := build(t, tc, src)
				second := build(t, tc, src)
				for name, obj := range first {
					if !bytes.Equal(obj, second[name]) {
						t.Errorf("kernel %s: object code differs between identical builds", name)
					}
				}
				compareGolden(t, filepath.Join("testdata", "golden", method, src.name+".ir"), dump(t, first))
			})
		}
	}
}

// ---------------------------------------------------------------------------
// Source Loading
// ---------------------------------------------------------------------------

// loadInputSources reads all .cl files from the given directory.
func loadInputSources(t *testing.T, dir string) []sourceFile {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read input directory %q: %v", dir, err)
	}

	var sources []sourceFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".cl") {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(dir, entry.Name()))
		if readErr != nil {
			t.Fatalf("read source %q: %v", entry.Name(), readErr)
		}
		name := strings.TrimSuffix(entry.Name(), ".cl")
		sources = append(sources, sourceFile{name: name, source: string(data)})
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].name < sources[j].name
	})
	return sources
}

// ---------------------------------------------------------------------------
// Build Helpers
// ---------------------------------------------------------------------------

// build compiles a source and returns the object code of every kernel.
func build(t *testing.T, tc *kernelc.Toolchain, src *sourceFile) map[string][]byte {
	t.Helper()

	prog, err := tc.Build(context.Background(), clc.Source{Name: src.name + ".cl", Text: src.source}, "")
	if err != nil {
		t.Fatalf("[%s] build failed: %v", src.name, err)
	}
	out := map[string][]byte{}
	for _, k := range prog.Builds[0].Kernels {
		out[k.Descriptor.Name] = k.Object
	}
	if len(out) == 0 {
		t.Fatalf("[%s] no kernels", src.name)
	}
	return out
}

// dump decodes every object and renders the modules in kernel name order.
func dump(t *testing.T, objects map[string][]byte) string {
	t.Helper()

	names := make([]string, 0, len(objects))
	for name := range objects {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		m, err := codegen.Decode(objects[name])
		if err != nil {
			t.Fatalf("decode %s: %v", name, err)
		}
		fmt.Fprintf(&sb, "; === Kernel: %s ===\n", name)
		if err := ir.Print(&sb, m); err != nil {
			t.Fatalf("print %s: %v", name, err)
		}
	}
	return sb.String()
}

// ---------------------------------------------------------------------------
// Golden File Comparison
// ---------------------------------------------------------------------------

// compareGolden compares actual with the golden file at path. A missing
// golden file fails the test unless UPDATE_GOLDEN is set.
func compareGolden(t *testing.T, path, actual string) {
	t.Helper()

	if os.Getenv("UPDATE_GOLDEN") != "" {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			t.Fatalf("create golden dir: %v", mkErr)
		}
		if wErr := os.WriteFile(path, []byte(actual), 0o644); wErr != nil {
			t.Fatalf("write golden file: %v", wErr)
		}
		t.Logf("updated golden file: %s", path)
		return
	}

	expected, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		t.Errorf("golden file missing: %s (run with UPDATE_GOLDEN=1 to create)", path)
		return
	}
	if err != nil {
		t.Fatalf("read golden file %s: %v", path, err)
	}

	// Git may convert \n to \r\n on Windows checkout.
	expectedStr := strings.ReplaceAll(string(expected), "\r\n", "\n")
	if expectedStr != actual {
		t.Errorf("output differs from golden %s:\n%s", path, diffStrings(expectedStr, actual))
	}
}

// diffStrings shows the first differing line with some context.
func diffStrings(expected, actual string) string {
	expectedLines := strings.Split(expected, "\n")
	actualLines := strings.Split(actual, "\n")

	const contextLines = 3
	for i := 0; i < max(len(expectedLines), len(actualLines)); i++ {
		var e, a string
		if i < len(expectedLines) {
			e = expectedLines[i]
		}
		if i < len(actualLines) {
			a = actualLines[i]
		}
		if e == a {
			continue
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "first difference at line %d:\n", i+1)
		for j := max(0, i-contextLines); j < i; j++ {
			fmt.Fprintf(&sb, "  %s\n", expectedLines[j])
		}
		fmt.Fprintf(&sb, "- %s\n+ %s\n", e, a)
		return sb.String()
	}
	return "(no line differences)"
}
