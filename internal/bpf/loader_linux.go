// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Kernel loader for compiled BPF objects.
//
// Requires CAP_BPF (Linux ≥ 5.8) or CAP_SYS_ADMIN on older kernels.

package bpf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/tripwire/bpffs"
	"github.com/tripwire/bpffs/internal/diag"
)

// programTypes maps attachment kinds onto kernel program types.
var programTypes = map[AttachKind]ebpf.ProgramType{
	KindKprobe:        ebpf.Kprobe,
	KindKretprobe:     ebpf.Kprobe,
	KindTracepoint:    ebpf.TracePoint,
	KindRawTracepoint: ebpf.RawTracepoint,
	KindSocketFilter:  ebpf.SocketFilter,
	KindSchedCLS:      ebpf.SchedCLS,
	KindSchedACT:      ebpf.SchedACT,
	KindXDP:           ebpf.XDP,
}

// KernelLoader verifies and loads compiled objects into the running kernel.
// It is safe for concurrent use.
type KernelLoader struct {
	logger *slog.Logger
}

// NewKernelLoader lifts the memlock rlimit (needed on kernels that account
// BPF memory against it) and returns a loader.
func NewKernelLoader(logger *slog.Logger) (*KernelLoader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("bpf: remove memlock rlimit: %w", err)
	}
	return &KernelLoader{logger: logger}, nil
}

// Load parses object, selects the program whose symbol is name, forces its
// program type from kind and loads it together with any maps it references.
//
// Every call performs a fresh kernel load. Failures are returned as a
// *diag.Diagnostic: an unusable object is a compile-stage report, anything
// the kernel refuses is a verify-stage report carrying the verifier log.
func (l *KernelLoader) Load(ctx context.Context, name string, kind AttachKind, object []byte) (*bpffs.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progType, ok := programTypes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown attachment kind %q", bpffs.ErrInvalidArgument, kind)
	}

	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(object))
	if err != nil {
		return nil, diag.New(diag.StageCompile, fmt.Sprintf("parse compiled object: %v", err))
	}
	ps, ok := spec.Programs[name]
	if !ok {
		return nil, diag.New(diag.StageCompile, fmt.Sprintf(
			"no function %q in compiled object (found: %s)", name, programNames(spec)))
	}

	ps = ps.Copy()
	ps.Type = progType
	if ps.License == "" {
		ps.License = "GPL"
	}
	// Load only the requested program; the collection pulls in the maps it
	// references.
	spec.Programs = map[string]*ebpf.ProgramSpec{name: ps}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Programs: ebpf.ProgramOptions{
			LogLevel: ebpf.LogLevelBranch,
		},
	})
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			return nil, diag.FromVerifierLog(ve.Cause.Error(), ve.Log)
		}
		return nil, diag.New(diag.StageVerify, err.Error())
	}
	defer coll.Close()

	prog := coll.DetachProgram(name)
	if prog == nil {
		return nil, diag.New(diag.StageVerify, fmt.Sprintf("program %q missing after load", name))
	}
	defer prog.Close()

	// The handle outlives prog: duplicate the descriptor so closing the
	// collection does not drop the program.
	tmp, err := bpffs.NewHandle(prog.FD())
	if err != nil {
		return nil, fmt.Errorf("bpf: wrap program fd: %w", err)
	}
	h, err := tmp.Dup()
	tmp.Release()
	if err != nil {
		return nil, fmt.Errorf("bpf: duplicate program fd: %w", err)
	}

	l.logger.Debug("bpf: program loaded",
		slog.String("function", name),
		slog.String("kind", string(kind)),
		slog.String("program_type", progType.String()),
		slog.Int("insns", len(ps.Instructions)),
	)
	return h, nil
}

func programNames(spec *ebpf.CollectionSpec) string {
	if len(spec.Programs) == 0 {
		return "none"
	}
	names := make([]string, 0, len(spec.Programs))
	for n := range spec.Programs {
		names = append(names, n)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
