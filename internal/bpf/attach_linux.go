// SPDX-License-Identifier: Apache-2.0

//go:build linux

package bpf

import (
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/tripwire/bpffs"
)

// kindsByProgramType infers the attachment kind of a bare event target.
var kindsByProgramType = map[ebpf.ProgramType]AttachKind{
	ebpf.Kprobe:        KindKprobe,
	ebpf.TracePoint:    KindTracepoint,
	ebpf.RawTracepoint: KindRawTracepoint,
	ebpf.XDP:           KindXDP,
	ebpf.SchedCLS:      KindSchedCLS,
}

// Attach binds the program referenced by h to ev. h is not consumed: the
// attacher works on its own duplicate, and the returned Link keeps the
// kernel attachment alive until closed.
//
// Kernel refusals (unknown symbol, program type not valid for the hook, ...)
// are reported as bpffs.ErrAttach.
func Attach(h *bpffs.Handle, ev Event) (Link, error) {
	dup, err := h.Dup()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", bpffs.ErrAttach, err)
	}
	prog, err := ebpf.NewProgramFromFD(dup.Release())
	if err != nil {
		return nil, fmt.Errorf("%w: handle is not a BPF program: %v", bpffs.ErrAttach, err)
	}
	// Links hold their own kernel reference to the program.
	defer prog.Close()

	kind := ev.Kind
	if kind == "" {
		info, err := prog.Info()
		if err != nil {
			return nil, fmt.Errorf("%w: query program type: %v", bpffs.ErrAttach, err)
		}
		k, ok := kindsByProgramType[info.Type]
		if !ok {
			return nil, fmt.Errorf("%w: cannot infer event kind for program type %s", bpffs.ErrAttach, info.Type)
		}
		kind = k
	}

	l, err := attach(prog, kind, ev.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s:%s: %v", bpffs.ErrAttach, kind, ev.Target, err)
	}
	return l, nil
}

func attach(prog *ebpf.Program, kind AttachKind, target string) (link.Link, error) {
	switch kind {
	case KindKprobe:
		return link.Kprobe(target, prog, nil)
	case KindKretprobe:
		return link.Kretprobe(target, prog, nil)
	case KindTracepoint:
		group, name, err := tracepointName(target)
		if err != nil {
			return nil, err
		}
		return link.Tracepoint(group, name, prog, nil)
	case KindRawTracepoint:
		return link.AttachRawTracepoint(link.RawTracepointOptions{Name: target, Program: prog})
	case KindXDP:
		iface, err := net.InterfaceByName(target)
		if err != nil {
			return nil, err
		}
		return link.AttachXDP(link.XDPOptions{Program: prog, Interface: iface.Index})
	case KindSchedCLS:
		iface, err := net.InterfaceByName(target)
		if err != nil {
			return nil, err
		}
		return link.AttachTCX(link.TCXOptions{
			Interface: iface.Index,
			Program:   prog,
			Attach:    ebpf.AttachTCXIngress,
		})
	default:
		return nil, fmt.Errorf("kind %q cannot be bound to a named event", kind)
	}
}
