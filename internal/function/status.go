package function

import (
	"fmt"

	"github.com/tripwire/bpffs"
)

// Status is the lifecycle state of a Function.
type Status int

const (
	// StatusEmpty is the initial state: no source has been written.
	StatusEmpty Status = iota
	// StatusSourceSet means source is stored but not loaded.
	StatusSourceSet
	// StatusLoaded means the program passed the verifier and a handle is held.
	StatusLoaded
	// StatusAttached means the loaded program is bound to a kernel event.
	StatusAttached
	// StatusDetached means the program was unbound; the handle is still held.
	StatusDetached
	// StatusUnloaded is terminal: the handle is released.
	StatusUnloaded
)

var statusNames = [...]string{
	StatusEmpty:     "empty",
	StatusSourceSet: "source_set",
	StatusLoaded:    "loaded",
	StatusAttached:  "attached",
	StatusDetached:  "detached",
	StatusUnloaded:  "unloaded",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown status %q", bpffs.ErrInvalidArgument, s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// HoldsHandle reports whether a Function in this state owns a loaded handle.
func (s Status) HoldsHandle() bool {
	return s == StatusLoaded || s == StatusAttached || s == StatusDetached
}

// SourcePolicy selects what a source write does to an attached Function.
type SourcePolicy int

const (
	// PolicyDetach closes the attachment, then resets.
	PolicyDetach SourcePolicy = iota
	// PolicyReject fails the write with bpffs.ErrInvalidState until the
	// client detaches.
	PolicyReject
)

// ParseSourcePolicy parses "detach" or "reject". Empty means detach.
func ParseSourcePolicy(s string) (SourcePolicy, error) {
	switch s {
	case "", "detach":
		return PolicyDetach, nil
	case "reject":
		return PolicyReject, nil
	}
	return 0, fmt.Errorf("%w: unknown source policy %q", bpffs.ErrInvalidArgument, s)
}

func (p SourcePolicy) String() string {
	if p == PolicyReject {
		return "reject"
	}
	return "detach"
}
