// SPDX-License-Identifier: Apache-2.0
//
// Package bpf is the kernel-facing half of bpffs: attachment kinds, loading
// compiled objects through the bpf(2) syscall, binding loaded programs to
// kernel events, and reading the tracefs trace pipe.
//
// Kernel operations are implemented on Linux with github.com/cilium/ebpf.
// Other platforms get stubs that return bpffs.ErrNotSupported so callers can
// import the package unconditionally.
package bpf

import (
	"fmt"
	"strings"

	"github.com/tripwire/bpffs"
)

// AttachKind is the category of kernel hook a program is built for. It
// selects the kernel program type at load time and therefore the verifier
// rules the program is checked against.
type AttachKind string

const (
	KindKprobe        AttachKind = "kprobe"
	KindKretprobe     AttachKind = "kretprobe"
	KindTracepoint    AttachKind = "tracepoint"
	KindRawTracepoint AttachKind = "raw_tracepoint"
	KindSocketFilter  AttachKind = "socket_filter"
	KindSchedCLS      AttachKind = "sched_cls"
	KindSchedACT      AttachKind = "sched_act"
	KindXDP           AttachKind = "xdp"
)

// kinds lists every accepted kind in a stable order.
var kinds = []AttachKind{
	KindKprobe,
	KindKretprobe,
	KindTracepoint,
	KindRawTracepoint,
	KindSocketFilter,
	KindSchedCLS,
	KindSchedACT,
	KindXDP,
}

// Kinds returns the accepted attachment kinds.
func Kinds() []AttachKind {
	out := make([]AttachKind, len(kinds))
	copy(out, kinds)
	return out
}

// ParseAttachKind parses a type-entry payload. Surrounding whitespace
// (including the trailing newline left by shell redirection) is ignored and
// matching is case-insensitive.
func ParseAttachKind(s string) (AttachKind, error) {
	k := AttachKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown attachment kind %q", bpffs.ErrInvalidArgument, strings.TrimSpace(s))
}

// Define returns the preprocessor symbol defined while compiling a program
// of this kind, e.g. BPFFS_KIND_KPROBE.
func (k AttachKind) Define() string {
	return "BPFFS_KIND_" + strings.ToUpper(string(k))
}

// Event names the kernel event a program is bound to.
//
// The textual form is "kind:target", for example "kprobe:schedule",
// "tracepoint:syscalls/sys_enter_execve" or "xdp:eth0". A bare target
// leaves Kind empty; the attacher then infers it from the program type.
type Event struct {
	Kind   AttachKind `json:"kind,omitempty"`
	Target string     `json:"target"`
}

// ParseEvent parses an event specifier.
func ParseEvent(s string) (Event, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Event{}, fmt.Errorf("%w: empty event specifier", bpffs.ErrInvalidArgument)
	}
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		if k, err := ParseAttachKind(prefix); err == nil {
			if rest == "" {
				return Event{}, fmt.Errorf("%w: event %q has no target", bpffs.ErrInvalidArgument, s)
			}
			return Event{Kind: k, Target: rest}, nil
		}
	}
	return Event{Target: s}, nil
}

// String renders the event in its textual form.
func (e Event) String() string {
	if e.Kind == "" {
		return e.Target
	}
	return string(e.Kind) + ":" + e.Target
}

// tracepointName splits a tracepoint target of the form "group/name" or
// "group:name".
func tracepointName(target string) (group, name string, err error) {
	if g, n, ok := strings.Cut(target, "/"); ok && g != "" && n != "" {
		return g, n, nil
	}
	if g, n, ok := strings.Cut(target, ":"); ok && g != "" && n != "" {
		return g, n, nil
	}
	return "", "", fmt.Errorf("%w: tracepoint %q must be group/name", bpffs.ErrInvalidArgument, target)
}

// Link is an attachment of a program to a kernel event. Closing it detaches
// the program.
type Link interface {
	Close() error
}
