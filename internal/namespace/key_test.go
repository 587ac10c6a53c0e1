package namespace

import (
	"errors"
	"strings"
	"testing"

	"github.com/tripwire/bpffs"
)

func TestParseKey(t *testing.T) {
	const root = "/run/bpffs/functions"
	tests := []struct {
		in      string
		want    Key
		wantErr error
	}{
		{"hello/source", Key{"hello", RoleSource}, nil},
		{"hello/type", Key{"hello", RoleType}, nil},
		{"/run/bpffs/functions/hello/fd", Key{"hello", RoleFD}, nil},
		{"functions/hello/error", Key{"hello", RoleError}, nil},
		{"bpffs/functions/hello/error", Key{"hello", RoleError}, nil},
		{"hello/fd/", Key{"hello", RoleFD}, nil},
		{"other/hello/fd", Key{}, bpffs.ErrNotFound},
		{"/tmp/run/bpffs/functions/hello/fd", Key{}, bpffs.ErrNotFound},
		{"hello/bogus", Key{}, bpffs.ErrNotFound},
		{"hello", Key{}, bpffs.ErrNotFound},
		{"", Key{}, bpffs.ErrNotFound},
	}
	for _, tt := range tests {
		got, err := ParseKey(root, tt.in)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseKey(%q) err = %v, want %v", tt.in, err, tt.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKey(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseKey(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestKeyPath(t *testing.T) {
	k := Key{Function: "hello", Role: RoleFD}
	if got := k.Path("/run/bpffs/functions"); got != "/run/bpffs/functions/hello/fd" {
		t.Errorf("Path() = %q", got)
	}
	if got := k.String(); got != "hello/fd" {
		t.Errorf("String() = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"hello", true},
		{"_probe2", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b", false},
		{"2fast", false},
		{"has-dash", false},
		{strings.Repeat("a", MaxNameLen), true},
		{strings.Repeat("a", MaxNameLen+1), false},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("ValidateName(%q) = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !errors.Is(err, bpffs.ErrInvalidArgument) {
			t.Errorf("ValidateName(%q) error %v is not ErrInvalidArgument", tt.name, err)
		}
	}
}

func TestRoles(t *testing.T) {
	for _, r := range Roles() {
		got, err := ParseRole(r.String())
		if err != nil || got != r {
			t.Errorf("ParseRole(%q) = %v, %v", r, got, err)
		}
	}
}
