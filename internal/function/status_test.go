package function

import (
	"encoding/json"
	"testing"
)

func TestStatusText(t *testing.T) {
	for s := StatusEmpty; s <= StatusUnloaded; s++ {
		got, err := ParseStatus(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %v, %v", s.String(), got, err)
		}
		if s.HoldsHandle() != (s == StatusLoaded || s == StatusAttached || s == StatusDetached) {
			t.Errorf("%s.HoldsHandle() = %v", s, s.HoldsHandle())
		}
	}
	if _, err := ParseStatus("running"); err == nil {
		t.Error("expected error for unknown status")
	}
	if got := Status(42).String(); got != "status(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestInfoJSON(t *testing.T) {
	b, err := json.Marshal(Info{Name: "hello", Status: StatusAttached, Kind: "kprobe", Event: "kprobe:schedule"})
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back["status"] != "attached" || back["event"] != "kprobe:schedule" {
		t.Errorf("json = %s", b)
	}
}

func TestParseSourcePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SourcePolicy
		wantErr bool
	}{
		{"", PolicyDetach, false},
		{"detach", PolicyDetach, false},
		{"reject", PolicyReject, false},
		{"ignore", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSourcePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSourcePolicy(%q) = %v, %v", tt.in, got, err)
		}
	}
}
