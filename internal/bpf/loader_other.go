// SPDX-License-Identifier: Apache-2.0

//go:build !linux

// Non-Linux stub: every symbol exists but kernel operations return
// bpffs.ErrNotSupported.

package bpf

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tripwire/bpffs"
)

// KernelLoader is a stub on non-Linux platforms.
type KernelLoader struct{}

// NewKernelLoader always returns bpffs.ErrNotSupported on non-Linux platforms.
func NewKernelLoader(_ *slog.Logger) (*KernelLoader, error) {
	return nil, bpffs.ErrNotSupported
}

// Load always returns bpffs.ErrNotSupported on non-Linux platforms.
func (l *KernelLoader) Load(_ context.Context, _ string, _ AttachKind, _ []byte) (*bpffs.Handle, error) {
	return nil, bpffs.ErrNotSupported
}

// Attach always fails on non-Linux platforms.
func Attach(_ *bpffs.Handle, _ Event) (Link, error) {
	return nil, fmt.Errorf("%w: %w", bpffs.ErrAttach, bpffs.ErrNotSupported)
}
