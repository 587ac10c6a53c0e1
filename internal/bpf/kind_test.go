// SPDX-License-Identifier: Apache-2.0

package bpf

import (
	"errors"
	"testing"

	"github.com/tripwire/bpffs"
)

func TestParseAttachKind(t *testing.T) {
	tests := []struct {
		in      string
		want    AttachKind
		wantErr bool
	}{
		{"kprobe", KindKprobe, false},
		{"kprobe\n", KindKprobe, false},
		{"  XDP ", KindXDP, false},
		{"raw_tracepoint", KindRawTracepoint, false},
		{"sched_cls", KindSchedCLS, false},
		{"", "", true},
		{"uprobe", "", true},
		{"kprobe kretprobe", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAttachKind(tt.in)
		if tt.wantErr {
			if !errors.Is(err, bpffs.ErrInvalidArgument) {
				t.Errorf("ParseAttachKind(%q) error = %v, want ErrInvalidArgument", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAttachKind(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAttachKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKindsRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseAttachKind(string(k))
		if err != nil || got != k {
			t.Errorf("ParseAttachKind(%q) = %q, %v", k, got, err)
		}
	}
}

func TestAttachKindDefine(t *testing.T) {
	if got := KindRawTracepoint.Define(); got != "BPFFS_KIND_RAW_TRACEPOINT" {
		t.Errorf("Define() = %q", got)
	}
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		in      string
		want    Event
		wantErr bool
	}{
		{"kprobe:schedule", Event{Kind: KindKprobe, Target: "schedule"}, false},
		{"schedule", Event{Target: "schedule"}, false},
		{"tracepoint:syscalls/sys_enter_execve", Event{Kind: KindTracepoint, Target: "syscalls/sys_enter_execve"}, false},
		{"syscalls:sys_enter_execve", Event{Target: "syscalls:sys_enter_execve"}, false},
		{"xdp:eth0", Event{Kind: KindXDP, Target: "eth0"}, false},
		{"kprobe:", Event{}, true},
		{"   ", Event{}, true},
	}
	for _, tt := range tests {
		got, err := ParseEvent(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseEvent(%q) expected error, got %+v", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseEvent(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEvent(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestEventString(t *testing.T) {
	if got := (Event{Kind: KindKprobe, Target: "schedule"}).String(); got != "kprobe:schedule" {
		t.Errorf("String() = %q", got)
	}
	if got := (Event{Target: "schedule"}).String(); got != "schedule" {
		t.Errorf("String() = %q", got)
	}
}

func TestTracepointName(t *testing.T) {
	tests := []struct {
		in          string
		group, name string
		wantErr     bool
	}{
		{"syscalls/sys_enter_openat", "syscalls", "sys_enter_openat", false},
		{"sched:sched_switch", "sched", "sched_switch", false},
		{"sched_switch", "", "", true},
		{"/sched_switch", "", "", true},
	}
	for _, tt := range tests {
		g, n, err := tracepointName(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("tracepointName(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if g != tt.group || n != tt.name {
			t.Errorf("tracepointName(%q) = %q, %q", tt.in, g, n)
		}
	}
}
