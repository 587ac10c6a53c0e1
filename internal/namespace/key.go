package namespace

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/tripwire/bpffs"
)

// Role is one of the four fixed entries under a function.
type Role int

const (
	RoleSource Role = iota
	RoleType
	RoleError
	RoleFD
)

var roleNames = [...]string{
	RoleSource: "source",
	RoleType:   "type",
	RoleError:  "error",
	RoleFD:     "fd",
}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Roles returns every role in entry order.
func Roles() []Role {
	return []Role{RoleSource, RoleType, RoleError, RoleFD}
}

// ParseRole parses an entry name.
func ParseRole(s string) (Role, error) {
	for i, n := range roleNames {
		if n == s {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("%w: no entry %q", bpffs.ErrNotFound, s)
}

// Key addresses one entry: a function and a role.
type Key struct {
	Function string
	Role     Role
}

func (k Key) String() string {
	return k.Function + "/" + k.Role.String()
}

// Path renders k as a full path under root.
func (k Key) Path(root string) string {
	return path.Join(root, k.Function, k.Role.String())
}

// nameRE is a C identifier: the function name is also the program symbol.
var nameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// MaxNameLen bounds function names. The kernel object name is truncated
// to 15 bytes; the ELF symbol keeps the full name.
const MaxNameLen = 64

// ValidateName checks a function name.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty function name", bpffs.ErrInvalidArgument)
	case len(name) > MaxNameLen:
		return fmt.Errorf("%w: function name %q longer than %d bytes", bpffs.ErrInvalidArgument, name, MaxNameLen)
	case !nameRE.MatchString(name):
		return fmt.Errorf("%w: function name %q is not a C identifier", bpffs.ErrInvalidArgument, name)
	}
	return nil
}

// ParseKey parses "<function>/<role>" or a full path "<root>/<function>/<role>".
// A relative path whose leading segments match the trailing segments of
// root is accepted too, so "functions/hello/fd" resolves under
// "/run/bpffs/functions".
func ParseKey(root, p string) (Key, error) {
	segs := segments(p)
	if len(segs) < 2 {
		return Key{}, fmt.Errorf("%w: %q is not a function entry", bpffs.ErrNotFound, p)
	}
	if prefix := segs[:len(segs)-2]; len(prefix) > 0 {
		rootSegs := segments(root)
		if len(prefix) > len(rootSegs) || !equal(rootSegs[len(rootSegs)-len(prefix):], prefix) {
			return Key{}, fmt.Errorf("%w: %q is outside %s", bpffs.ErrNotFound, p, root)
		}
	}
	role, err := ParseRole(segs[len(segs)-1])
	if err != nil {
		return Key{}, err
	}
	return Key{Function: segs[len(segs)-2], Role: role}, nil
}

func segments(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
