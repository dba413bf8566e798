//go:build !windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// checkMode requires an executable bit and rejects world-writable binaries.
func checkMode(path string, fi os.FileInfo) error {
	m := fi.Mode().Perm()
	if m&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	if m&0o002 != 0 {
		return fmt.Errorf("%s is world-writable", path)
	}
	return nil
}

// configureSysProcAttr places the child in its own process group so the
// whole tree can be signalled at once.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the process group led by pid.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func exitSignal(ps *os.ProcessState) string {
	if ps == nil {
		return ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}
