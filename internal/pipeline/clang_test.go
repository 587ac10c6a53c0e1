package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"slices"
	"strings"
	"testing"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/bpf"
	"github.com/tripwire/bpffs/internal/diag"
)

func TestTranslationUnit(t *testing.T) {
	tu := string(translationUnit("hello", []byte("int hello(void *ctx) { return 0; }")))

	for _, want := range []string{
		`#include "bpffs_prelude.h"`,
		`section("bpffs")`,
		`#line 1 "hello.c"`,
		"int hello(void *ctx) { return 0; }\n#pragma clang attribute pop\n",
	} {
		if !strings.Contains(tu, want) {
			t.Errorf("translation unit missing %q:\n%s", want, tu)
		}
	}
}

func TestClangArgs(t *testing.T) {
	c := &ClangCompiler{Flags: []string{"-mcpu=v3"}, IncludeDirs: []string{"/usr/include/bpf"}}
	args := c.args(bpf.KindTracepoint, "/tmp/x/hello.c", "/tmp/x/hello.o")

	if !slices.Contains(args, "-DBPFFS_KIND_TRACEPOINT") {
		t.Errorf("args missing kind define: %v", args)
	}
	if !slices.Contains(args, "-mcpu=v3") {
		t.Errorf("args missing configured flag: %v", args)
	}
	if i := slices.Index(args, "-I"); i < 0 || args[i+1] != "/usr/include/bpf" {
		t.Errorf("args missing include dir: %v", args)
	}
	if args[0] != "-target" || args[1] != "bpf" {
		t.Errorf("args must start with the bpf target: %v", args)
	}
	if c.path() != "clang" {
		t.Errorf("default path = %q", c.path())
	}
}

func TestClangMissingCompiler(t *testing.T) {
	c := &ClangCompiler{Path: "/nonexistent/clang-bpffs", TempDir: t.TempDir()}
	_, err := c.Compile(context.Background(), "hello", []byte("int hello(void *ctx) { return 0; }"), bpf.KindKprobe)
	if !errors.Is(err, bpffs.ErrCompile) {
		t.Fatalf("err = %v, want ErrCompile", err)
	}
}

func requireClang(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("clang")
	if err != nil {
		t.Skip("clang not installed")
	}
	return path
}

func TestClangCompile(t *testing.T) {
	c := &ClangCompiler{Path: requireClang(t), TempDir: t.TempDir()}
	obj, err := c.Compile(context.Background(), "hello",
		[]byte("int hello(void *ctx) {\n\tbpf_trace_printk(\"Hello, World!\\n\");\n\treturn 0;\n}\n"),
		bpf.KindKprobe)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !bytes.HasPrefix(obj, []byte("\x7fELF")) {
		t.Fatalf("object is not ELF: % x", obj[:min(len(obj), 8)])
	}
}

func TestClangCompileErrorLocation(t *testing.T) {
	c := &ClangCompiler{Path: requireClang(t), TempDir: t.TempDir()}
	_, err := c.Compile(context.Background(), "hello",
		[]byte("int hello(void *ctx)\n{\n\treturn undeclared;\n}\n"),
		bpf.KindKprobe)
	d, ok := diag.As(err)
	if !ok {
		t.Fatalf("err = %v, want Diagnostic", err)
	}
	if d.Stage != diag.StageCompile {
		t.Errorf("stage = %q", d.Stage)
	}
	if d.Location == nil || d.Location.File != "hello.c" || d.Location.Line != 3 {
		t.Errorf("location = %+v, want hello.c line 3", d.Location)
	}
	if !strings.Contains(d.Message, "undeclared") {
		t.Errorf("message = %q", d.Message)
	}
}
