// Package env composes the environment handed to the supervised backend.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env is an immutable environment builder. The zero base is empty; call
// FromOS to inherit the host's environment.
type Env struct {
	Var Var // overrides applied on top of the base (K->V)
	env Var // base, usually the OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS returns a copy of e whose base is the current process environment.
func (e *Env) FromOS() *Env {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			base[kv[:i]] = kv[i+1:]
		}
	}
	out := e.clone()
	out.env = base
	return out
}

// WithSet returns a copy of e with k=v set.
func (e *Env) WithSet(k, v string) *Env {
	out := e.clone()
	if k != "" {
		out.Var[k] = v
	}
	return out
}

// WithPairs returns a copy of e with every "K=V" entry applied in order.
// Entries without '=' or with an empty key are ignored.
func (e *Env) WithPairs(kvs []string) *Env {
	out := e.clone()
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out.Var[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// WithFiles returns a copy of e with the variables of each dotenv file applied
// in order; later files win.
func (e *Env) WithFiles(paths ...string) (*Env, error) {
	out := e.clone()
	for _, p := range paths {
		m, err := godotenv.Read(filepath.Clean(p))
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", p, err)
		}
		for k, v := range m {
			if k != "" {
				out.Var[k] = v
			}
		}
	}
	return out, nil
}

// Merge composes the final environment list applying order:
// base, then e.Var overrides, then extra (slice of "K=V") overrides.
// ${VAR} references are expanded against the composed map (single pass, no
// recursion). The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var, len(e.env)+len(e.Var)+len(extra))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range extra {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func (e *Env) clone() *Env {
	out := &Env{Var: make(Var, len(e.Var)), env: e.env}
	for k, v := range e.Var {
		out.Var[k] = v
	}
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
