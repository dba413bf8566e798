package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// TerminateStale stops a leftover backend from a previous host run recorded in
// pidFile. The pid is only acted on when its executable matches exe, so a
// recycled pid belonging to an unrelated program is never signalled. It
// reports whether a process was terminated.
func TerminateStale(ctx context.Context, pidFile, exe string, grace time.Duration) (bool, error) {
	if pidFile == "" {
		return false, nil
	}
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		_ = os.Remove(pidFile)
		return false, nil
	}
	if pid == os.Getpid() || !Alive(ctx, pid) {
		_ = os.Remove(pidFile)
		return false, nil
	}
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		_ = os.Remove(pidFile)
		return false, nil
	}
	if !sameExecutable(ctx, p, exe) {
		_ = os.Remove(pidFile)
		return false, nil
	}
	_ = p.TerminateWithContext(ctx)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(ctx, pid) {
			_ = os.Remove(pidFile)
			return true, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err := p.KillWithContext(ctx); err != nil && Alive(ctx, pid) {
		return false, fmt.Errorf("kill stale backend %d: %w", pid, err)
	}
	_ = os.Remove(pidFile)
	return true, nil
}

func sameExecutable(ctx context.Context, p *gopsproc.Process, exe string) bool {
	got, err := p.ExeWithContext(ctx)
	if err != nil || got == "" {
		return false
	}
	return canonical(got) == canonical(exe)
}

func canonical(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	if a, err := filepath.Abs(p); err == nil {
		p = a
	}
	return filepath.Clean(p)
}
