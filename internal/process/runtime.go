package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNoRuntime is returned by Resolve when no candidate is runnable.
var ErrNoRuntime = errors.New("no runnable runtime found")

// Candidate is one place the backend runtime may live. Path is either an
// absolute/relative file path or a bare command name looked up on PATH.
type Candidate struct {
	Source string `json:"source" mapstructure:"source"` // e.g. dev, bundled, system
	Path   string `json:"path" mapstructure:"path"`
}

// Resolved is the winning candidate with its absolute path.
type Resolved struct {
	Source string
	Path   string
}

// Resolve walks candidates in order and returns the first one that exists and
// is safe to execute.
func Resolve(candidates []Candidate) (Resolved, error) {
	tried := make([]string, 0, len(candidates))
	for _, c := range candidates {
		p := strings.TrimSpace(c.Path)
		if p == "" {
			continue
		}
		tried = append(tried, c.Source+":"+p)
		abs, err := locate(p)
		if err != nil {
			continue
		}
		if err := checkExecutable(abs); err != nil {
			continue
		}
		return Resolved{Source: c.Source, Path: abs}, nil
	}
	if len(tried) == 0 {
		return Resolved{}, fmt.Errorf("%w: no candidates configured", ErrNoRuntime)
	}
	return Resolved{}, fmt.Errorf("%w (tried %s)", ErrNoRuntime, strings.Join(tried, ", "))
}

func locate(p string) (string, error) {
	if !strings.ContainsAny(p, `/\`) {
		found, err := exec.LookPath(p)
		if err != nil {
			return "", err
		}
		p = found
	}
	return filepath.Abs(filepath.Clean(p))
}

// checkExecutable requires a regular file; platform rules are applied by
// checkMode.
func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", path)
	}
	return checkMode(path, fi)
}
