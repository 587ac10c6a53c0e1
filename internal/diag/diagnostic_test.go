package diag

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/tripwire/bpffs"
)

func TestFromCompilerOutput(t *testing.T) {
	cases := []struct {
		name     string
		stderr   string
		cause    error
		wantLoc  *Location
		wantText string
	}{
		{
			name:     "clang error with location",
			stderr:   "hello.c:3:5: warning: unused\nhello.c:4:12: error: use of undeclared identifier 'x'\n1 error generated.\n",
			wantLoc:  &Location{File: "hello.c", Line: 4, Column: 12},
			wantText: "use of undeclared identifier 'x'",
		},
		{
			name:     "fatal error",
			stderr:   "prelude.h:1:10: fatal error: 'linux/bpf.h' file not found\n",
			wantLoc:  &Location{File: "prelude.h", Line: 1, Column: 10},
			wantText: "file not found",
		},
		{
			name:     "no location",
			stderr:   "clang: error: unknown argument\n",
			wantText: "unknown argument",
		},
		{
			name:     "empty output uses cause",
			cause:    errors.New("exec: \"clang\": executable file not found in $PATH"),
			wantText: "executable file not found",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := FromCompilerOutput([]byte(tc.stderr), tc.cause)
			if d.Stage != StageCompile {
				t.Errorf("Stage = %q, want %q", d.Stage, StageCompile)
			}
			if !strings.Contains(d.Message, tc.wantText) {
				t.Errorf("Message %q does not contain %q", d.Message, tc.wantText)
			}
			switch {
			case tc.wantLoc == nil && d.Location != nil:
				t.Errorf("Location = %v, want nil", d.Location)
			case tc.wantLoc != nil && (d.Location == nil || *d.Location != *tc.wantLoc):
				t.Errorf("Location = %v, want %v", d.Location, tc.wantLoc)
			}
		})
	}
}

func TestDiagnostic_IsMapsStage(t *testing.T) {
	compile := New(StageCompile, "bad")
	verify := FromVerifierLog("load program: permission denied", []string{"0: (b7) r0 = 0", "infinite loop detected at insn 3"})

	if !errors.Is(compile, bpffs.ErrCompile) || errors.Is(compile, bpffs.ErrVerifier) {
		t.Error("compile diagnostic must match ErrCompile only")
	}
	if !errors.Is(verify, bpffs.ErrVerifier) || errors.Is(verify, bpffs.ErrCompile) {
		t.Error("verify diagnostic must match ErrVerifier only")
	}

	wrapped := fmt.Errorf("function hello: %w", verify)
	d, ok := As(wrapped)
	if !ok || d != verify {
		t.Fatal("As did not unwrap the diagnostic")
	}
}

func TestDiagnostic_Text(t *testing.T) {
	d := FromVerifierLog("invalid argument", []string{"back-edge from insn 7 to 2", ""})
	text := d.Text()

	if !strings.HasPrefix(text, "stage: verify\n") {
		t.Errorf("Text() = %q, want stage header", text)
	}
	if !strings.Contains(text, "back-edge from insn 7 to 2") {
		t.Errorf("Text() lost verifier log: %q", text)
	}
	if !strings.HasSuffix(text, "\n") {
		t.Error("Text() must end with a newline")
	}
}

func TestNew_EmptyMessageReplaced(t *testing.T) {
	d := New(StageVerify, "  \n")
	if d.Message == "" {
		t.Fatal("empty diagnostic message")
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := fmt.Errorf("load: %w", bpffs.ErrNotSupported)
	d := Wrap(cause)

	if d.Stage != StagePipeline {
		t.Errorf("Stage = %q, want %q", d.Stage, StagePipeline)
	}
	if !errors.Is(d, bpffs.ErrNotSupported) {
		t.Error("wrapped diagnostic must match its cause")
	}
	if errors.Is(d, bpffs.ErrCompile) || errors.Is(d, bpffs.ErrVerifier) {
		t.Error("pipeline diagnostic must not match compile or verify")
	}
	if !strings.HasPrefix(d.Text(), "stage: pipeline\n") {
		t.Errorf("Text() = %q", d.Text())
	}
}
