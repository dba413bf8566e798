package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile records the child's pid, best-effort.
func (r *Process) WritePIDFile() {
	pid := r.PID()
	if r.spec.PIDFile == "" || pid == 0 {
		return
	}
	_ = WritePIDFile(r.spec.PIDFile, pid)
}

// RemovePIDFile best-effort
func (r *Process) RemovePIDFile() {
	if r.spec.PIDFile == "" {
		return
	}
	// Only remove the file if it still names this child.
	if pid, err := ReadPIDFile(r.spec.PIDFile); err == nil && pid != r.PID() {
		return
	}
	_ = os.Remove(r.spec.PIDFile)
}

func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPIDFile reads a PID file written by WritePIDFile.
func ReadPIDFile(path string) (int, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(b), "\n")
	return strconv.Atoi(strings.TrimSpace(line))
}
