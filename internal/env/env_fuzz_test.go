package env

import (
	"sort"
	"strings"
	"testing"
)

// FuzzMergeBackendEnv checks that whatever the configured variables are, the
// composed backend environment is sorted, has unique keys and always carries
// the PORT/HOST overrides the supervisor appends.
func FuzzMergeBackendEnv(f *testing.F) {
	f.Add("A=1\nB=${A}-x", "C=${B}-y")
	f.Add("PORT=1\nHOST=evil", "")
	f.Add("X=${Y}\nY=${X}", "Z=$")

	f.Fuzz(func(t *testing.T, configured, extra string) {
		e := New().WithPairs(lines(configured, 20))
		out := e.Merge(append(lines(extra, 20), "PORT=8765", "HOST=localhost"))

		keys := make([]string, 0, len(out))
		seen := map[string]bool{}
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair %q", kv)
			}
			k := kv[:i]
			if seen[k] {
				t.Fatalf("duplicate key %q in %v", k, out)
			}
			seen[k] = true
			keys = append(keys, k)
		}
		if !sort.StringsAreSorted(keys) {
			t.Fatalf("keys not sorted: %v", keys)
		}
		if !contains(out, "PORT=8765") || !contains(out, "HOST=localhost") {
			t.Fatalf("supervisor overrides lost: %v", out)
		}
	})
}

func lines(s string, limit int) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.TrimSpace(ln); ln != "" {
			out = append(out, ln)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
