package inventory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		in      string
		want    Scope
		wantErr bool
	}{
		{"user:alice", UserScope("alice"), false},
		{"org:acme", Scope{Kind: KindOrg, Name: "acme", Endpoint: "orgs/acme/repos", FilterKey: "type", FilterValue: "all"}, false},
		{"org:a b", Scope{Kind: KindOrg, Name: "a b", Endpoint: "orgs/a%20b/repos", FilterKey: "type", FilterValue: "all"}, false},
		{"alice", Scope{}, true},
		{"user:", Scope{}, true},
		{"team:core", Scope{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseScope(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseScope() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseScope() mismatch (-want +got):\n%s", diff)
			}
			if !tt.wantErr && got.String() != tt.in {
				t.Errorf("String() = %s, want %s", got.String(), tt.in)
			}
		})
	}
}

func TestInventory_Names(t *testing.T) {
	inv := Inventory{
		"zeta":  "git@github.com:o/zeta.git",
		"alpha": "git@github.com:o/alpha.git",
		"Beta":  "git@github.com:o/Beta.git",
	}
	want := []string{"Beta", "alpha", "zeta"}
	if diff := cmp.Diff(want, inv.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	if got := (Inventory{}).Names(); len(got) != 0 {
		t.Errorf("expected no names got %v", got)
	}
}
