// Package diag defines Diagnostic, the structured report produced by a
// failed compile or verify attempt.
//
// A Diagnostic is immutable once built. It is also an error: the write that
// triggered the failed attempt returns it, and the function's error entry
// exposes the same value for later reads, so both surfaces always agree.
package diag

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tripwire/bpffs"
)

// Stage identifies the pipeline step that produced a Diagnostic.
type Stage string

const (
	// StageCompile covers syntactic and semantic errors from the compiler.
	StageCompile Stage = "compile"
	// StageVerify covers rejections by the kernel at load time, including
	// the verifier.
	StageVerify Stage = "verify"
	// StagePipeline covers attempts that ended before the source was judged:
	// cancellation, an unsupported platform or an unknown attachment kind.
	StagePipeline Stage = "pipeline"
)

// Location points into the submitted source fragment.
type Location struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

// String renders the location the way compilers print it.
func (l Location) String() string {
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// Diagnostic is a compile or verify failure report.
type Diagnostic struct {
	Stage    Stage     `json:"stage"`
	Message  string    `json:"message"`
	Location *Location `json:"location,omitempty"`

	cause error
}

// New returns a Diagnostic for stage with msg trimmed of surrounding
// whitespace. An empty msg is replaced by a generic description so that a
// failed attempt never yields an empty report.
func New(stage Stage, msg string) *Diagnostic {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = fmt.Sprintf("%s failed without output", stage)
	}
	return &Diagnostic{Stage: stage, Message: msg}
}

// Wrap returns a pipeline-stage Diagnostic for err. The Diagnostic unwraps
// to err, so errors.Is still sees the original cause.
func Wrap(err error) *Diagnostic {
	d := New(StagePipeline, err.Error())
	d.cause = err
	return d
}

// Unwrap returns the cause of a pipeline-stage Diagnostic, or nil.
func (d *Diagnostic) Unwrap() error { return d.cause }

// Error implements error with a one-line summary.
func (d *Diagnostic) Error() string {
	first, _, _ := strings.Cut(d.Message, "\n")
	if d.Location != nil {
		return fmt.Sprintf("%s error at %s: %s", d.Stage, d.Location, first)
	}
	return fmt.Sprintf("%s error: %s", d.Stage, first)
}

// Is maps the stage onto the bpffs error taxonomy.
func (d *Diagnostic) Is(target error) bool {
	switch d.Stage {
	case StageCompile:
		return target == bpffs.ErrCompile
	case StageVerify:
		return target == bpffs.ErrVerifier
	}
	return false
}

// Text renders the full report as served by the error entry.
func (d *Diagnostic) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage: %s\n", d.Stage)
	if d.Location != nil {
		fmt.Fprintf(&b, "location: %s\n", d.Location)
	}
	b.WriteString(d.Message)
	if !strings.HasSuffix(d.Message, "\n") {
		b.WriteByte('\n')
	}
	return b.String()
}

// As returns the Diagnostic carried by err, if any.
func As(err error) (*Diagnostic, bool) {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// clangErrorLine matches "file:line:col: error: message" and the fatal
// variant.
var clangErrorLine = regexp.MustCompile(`^(.+?):(\d+):(\d+): (?:fatal )?error: (.*)$`)

// FromCompilerOutput builds a compile-stage Diagnostic from compiler stderr.
// The whole output is kept as the message; the first error line, when
// present, provides the location. cause is appended when the output is
// empty (for example when the compiler could not be executed at all).
func FromCompilerOutput(stderr []byte, cause error) *Diagnostic {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	d := New(StageCompile, msg)

	sc := bufio.NewScanner(bytes.NewReader(stderr))
	for sc.Scan() {
		m := clangErrorLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		d.Location = &Location{File: m[1], Line: line, Column: col}
		break
	}
	return d
}

// FromVerifierLog builds a verify-stage Diagnostic from the kernel's summary
// error and the verifier log lines.
func FromVerifierLog(summary string, log []string) *Diagnostic {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(summary))
	for _, l := range log {
		if l = strings.TrimRight(l, " \t"); l == "" {
			continue
		}
		b.WriteByte('\n')
		b.WriteString(l)
	}
	return New(StageVerify, b.String())
}
