package env

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestMergeOrderAndExpansion(t *testing.T) {
	e := New().WithSet("A", "1").WithPairs([]string{"B=${A}-b", "bad", "=x"})
	out := e.Merge([]string{"A=2", "C=${B}"})
	want := []string{"A=2", "B=2-b", "C=${A}-b"}
	if !slices.Equal(out, want) {
		t.Fatalf("merge = %v, want %v", out, want)
	}
}

func TestWithSetDoesNotMutate(t *testing.T) {
	base := New().WithSet("K", "v1")
	_ = base.WithSet("K", "v2")
	if got := base.Merge(nil); !slices.Equal(got, []string{"K=v1"}) {
		t.Fatalf("base mutated: %v", got)
	}
}

func TestWithFiles(t *testing.T) {
	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.env")
	p2 := filepath.Join(dir, "b.env")
	if err := os.WriteFile(p1, []byte("# comment\nX=1\nY=\"quoted value\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p2, []byte("export X=2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := New().WithFiles(p1, p2)
	if err != nil {
		t.Fatalf("with files: %v", err)
	}
	want := []string{"X=2", "Y=quoted value"}
	if got := e.Merge(nil); !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if _, err := New().WithFiles(filepath.Join(dir, "missing.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFromOSInheritsEnvironment(t *testing.T) {
	t.Setenv("HOSTD_ENV_TEST", "yes")
	out := New().FromOS().Merge(nil)
	if !slices.Contains(out, "HOSTD_ENV_TEST=yes") {
		t.Fatalf("expected inherited variable in %d entries", len(out))
	}
}
