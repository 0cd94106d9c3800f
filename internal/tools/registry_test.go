package tools

import "testing"

func TestRegistryHasFiveTools(t *testing.T) {
	defs := Registry()
	if len(defs) != 5 {
		t.Fatalf("len(Registry()) = %d, want 5", len(defs))
	}
	want := map[string]bool{Read: true, Glob: true, Bash: true, Edit: true, Grep: true}
	for _, d := range defs {
		if !want[d.Name] {
			t.Fatalf("unexpected tool name %q", d.Name)
		}
		delete(want, d.Name)
	}
	if len(want) != 0 {
		t.Fatalf("missing tools: %v", want)
	}
}

func TestRegistryIsDefensiveCopy(t *testing.T) {
	defs := Registry()
	defs[0].Name = "mutated"
	if Registry()[0].Name == "mutated" {
		t.Fatalf("Registry() leaked internal slice")
	}
}

func TestClassifyEffect(t *testing.T) {
	cases := []struct {
		name string
		want Effect
	}{
		{Read, Pure},
		{Glob, Pure},
		{Grep, Pure},
		{Bash, Mutating},
		{Edit, Mutating},
		{"UnknownTool", Mutating},
	}
	for _, tc := range cases {
		if got := ClassifyEffect(tc.name); got != tc.want {
			t.Fatalf("ClassifyEffect(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAllPure(t *testing.T) {
	if !AllPure([]string{Read, Glob, Grep}) {
		t.Fatalf("expected all-pure batch to classify as pure")
	}
	if AllPure([]string{Read, Bash}) {
		t.Fatalf("expected mixed batch to classify as not all-pure")
	}
	if !AllPure(nil) {
		t.Fatalf("expected empty batch to be vacuously all-pure")
	}
}
