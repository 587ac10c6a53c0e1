package bpffs

import "errors"

// Error taxonomy of the control plane. Components wrap these with context
// using %w; callers test with errors.Is.
var (
	// ErrCompile reports malformed source. Recoverable: fix the source and
	// write the type again.
	ErrCompile = errors.New("bpffs: compile error")

	// ErrVerifier reports source that compiled but was rejected by the
	// kernel verifier. Recoverable through the same retry path as ErrCompile.
	ErrVerifier = errors.New("bpffs: verifier error")

	// ErrInvalidState reports an operation attempted while the function is in
	// an incompatible lifecycle state. It is never retried automatically.
	ErrInvalidState = errors.New("bpffs: invalid state")

	// ErrNotFound reports an unknown function or entry.
	ErrNotFound = errors.New("bpffs: not found")

	// ErrExists reports a create of a function name already in use.
	ErrExists = errors.New("bpffs: already exists")

	// ErrNotReady reports that a handle was requested before the function
	// finished loading and the wait budget expired.
	ErrNotReady = errors.New("bpffs: not ready")

	// ErrAttach reports that the kernel rejected binding a program to an
	// event.
	ErrAttach = errors.New("bpffs: attach error")

	// ErrUnavailable is returned when reading the error entry of a function
	// that has no pending diagnostic.
	ErrUnavailable = errors.New("bpffs: not available")

	// ErrInvalidArgument reports a malformed payload, such as an unknown
	// attachment kind or an unparsable event specifier.
	ErrInvalidArgument = errors.New("bpffs: invalid argument")

	// ErrPermission is returned when an entry does not support the requested
	// operation (writing error, reading fd, ...).
	ErrPermission = errors.New("bpffs: operation not permitted")

	// ErrNotSupported is returned on platforms without BPF support.
	ErrNotSupported = errors.New("bpffs: BPF is only supported on Linux")
)
