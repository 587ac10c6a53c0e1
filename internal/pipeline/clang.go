package pipeline

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/diag"
)

//go:embed prelude.h
var prelude []byte

const (
	preludeName = "bpffs_prelude.h"

	// ProgramSection is the ELF section every function of a fragment is
	// placed in. The loader overrides the program type, so the section name
	// carries no type information.
	ProgramSection = "bpffs"
)

// DefaultFlags are passed to the compiler ahead of any configured flags.
var DefaultFlags = []string{"-target", "bpf", "-O2", "-g", "-Wall", "-Wno-unused-function", "-Wno-unused-variable"}

// ClangCompiler compiles source fragments with clang into BPF ELF objects.
type ClangCompiler struct {
	// Path is the compiler executable name or full path. Defaults to "clang".
	Path string

	// Flags are appended after DefaultFlags.
	Flags []string

	// IncludeDirs are added with -I, for example kernel or libbpf headers.
	IncludeDirs []string

	// TempDir is the parent for the per-compile scratch directory. Empty
	// means os.TempDir(). The scratch directory is always removed.
	TempDir string
}

// Compile writes the fragment next to the prelude header in a scratch
// directory and runs the compiler. The attachment kind is exposed to the
// fragment as a BPFFS_KIND_* define. Any compiler failure is returned as a
// compile-stage *diag.Diagnostic whose location refers to the fragment's own
// line numbers.
func (c *ClangCompiler) Compile(ctx context.Context, name string, source []byte, kind bpf.AttachKind) ([]byte, error) {
	dir, err := os.MkdirTemp(c.TempDir, "bpffs-compile-")
	if err != nil {
		return nil, fmt.Errorf("pipeline: create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, preludeName), prelude, 0o600); err != nil {
		return nil, fmt.Errorf("pipeline: write prelude: %w", err)
	}
	srcPath := filepath.Join(dir, name+".c")
	if err := os.WriteFile(srcPath, translationUnit(name, source), 0o600); err != nil {
		return nil, fmt.Errorf("pipeline: write source: %w", err)
	}
	objPath := filepath.Join(dir, name+".o")

	cmd := exec.CommandContext(ctx, c.path(), c.args(kind, srcPath, objPath)...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// The compiler never ran.
			return nil, diag.FromCompilerOutput(nil, fmt.Errorf("run %s: %w", c.path(), err))
		}
		return nil, diag.FromCompilerOutput(bytes.ReplaceAll(stderr.Bytes(), []byte(dir+"/"), nil), err)
	}

	obj, err := os.ReadFile(objPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: read object: %w", err)
	}
	return obj, nil
}

func (c *ClangCompiler) path() string {
	if c.Path == "" {
		return "clang"
	}
	return c.Path
}

func (c *ClangCompiler) args(kind bpf.AttachKind, src, obj string) []string {
	args := make([]string, 0, len(DefaultFlags)+len(c.Flags)+2*len(c.IncludeDirs)+6)
	args = append(args, DefaultFlags...)
	args = append(args, c.Flags...)
	for _, d := range c.IncludeDirs {
		args = append(args, "-I", d)
	}
	args = append(args, "-D"+kind.Define(), "-c", src, "-o", obj)
	return args
}

// translationUnit wraps a fragment so every function it defines lands in
// ProgramSection. The #line directive keeps diagnostics aligned with the
// fragment as the client wrote it.
func translationUnit(name string, source []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "#include %q\n", preludeName)
	fmt.Fprintf(&b, "#pragma clang attribute push (__attribute__((section(%q), used)), apply_to = function)\n", ProgramSection)
	fmt.Fprintf(&b, "#line 1 \"%s.c\"\n", name)
	b.Write(source)
	if len(source) > 0 && source[len(source)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("#pragma clang attribute pop\n")
	return b.Bytes()
}
