package process

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/hostd/internal/logger"
)

// Spec describes the backend process to be spawned. The command line is
// fixed: the resolved runtime followed by Args, executed without a shell.
type Spec struct {
	Name    string        `json:"name"`
	Args    []string      `json:"args"`     // argv after the runtime path
	WorkDir string        `json:"work_dir"` // fixed working directory
	Env     []string      `json:"env"`      // complete environment ("K=V"); nil inherits the host's
	PIDFile string        `json:"pid_file"` // optional; written after start, removed after exit
	Log     logger.Config `json:"log"`      // stdout/stderr destinations
}

// Validate rejects specs that could not be executed as a plain argv.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("process name is required")
	}
	if strings.ContainsAny(s.Name, "/\\") || strings.Contains(s.Name, "..") {
		return fmt.Errorf("process name %q must not contain path separators", s.Name)
	}
	for i, a := range s.Args {
		if strings.IndexByte(a, 0) >= 0 {
			return fmt.Errorf("arg %d contains a NUL byte", i)
		}
	}
	for i, kv := range s.Env {
		if strings.IndexByte(kv, 0) >= 0 {
			return fmt.Errorf("env[%d] contains a NUL byte", i)
		}
		if strings.IndexByte(kv, '=') <= 0 {
			return fmt.Errorf("env[%d] %q must be in KEY=VALUE format", i, kv)
		}
	}
	return nil
}
