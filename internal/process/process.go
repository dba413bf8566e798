package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ErrNotStarted is returned by operations that need a running child.
var ErrNotStarted = errors.New("process not started")

// reapTimeout bounds the wait for the kernel to reap a SIGKILLed child.
const reapTimeout = 5 * time.Second

// Process owns exactly one child. It is single-use: after the child exits a
// new Process must be created for the next spawn.
type Process struct {
	spec      Spec
	mu        sync.Mutex
	cmd       *exec.Cmd
	status    Status
	outCloser io.WriteCloser
	errCloser io.WriteCloser
	waitDone  chan struct{} // closed by the waiter once cmd.Wait returns
}

func New(spec Spec) *Process {
	return &Process{spec: spec, waitDone: make(chan struct{}), status: Status{Name: spec.Name}}
}

// ConfigureCmd builds the *exec.Cmd for runtimePath from the process Spec: fixed
// argv, working directory, environment and log writers. No shell is involved.
func (r *Process) ConfigureCmd(runtimePath string) (*exec.Cmd, error) {
	if err := r.spec.Validate(); err != nil {
		return nil, err
	}
	// #nosec G204 -- runtimePath comes from Resolve and args are validated
	cmd := exec.Command(runtimePath, r.spec.Args...)
	cmd.Dir = r.spec.WorkDir
	if r.spec.Env != nil {
		cmd.Env = r.spec.Env
	}
	configureSysProcAttr(cmd)

	if r.spec.Log.File.Dir != "" {
		_ = os.MkdirAll(r.spec.Log.File.Dir, 0o750)
	}
	outW, errW, err := r.spec.Log.ProcessWriters(r.spec.Name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.outCloser, r.errCloser = outW, errW
	r.mu.Unlock()
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}
	return cmd, nil
}

// TryStart starts cmd, records the run, writes the PID file and launches the
// single waiter goroutine that reaps the child.
func (r *Process) TryStart(cmd *exec.Cmd) error {
	r.mu.Lock()
	if r.cmd != nil {
		r.mu.Unlock()
		return errors.New("process already started")
	}
	r.mu.Unlock()
	if err := cmd.Start(); err != nil {
		r.CloseWriters()
		return err
	}
	r.mu.Lock()
	r.cmd = cmd
	r.status.Running = true
	r.status.PID = cmd.Process.Pid
	r.status.Runtime = cmd.Path
	r.status.StartedAt = time.Now()
	r.mu.Unlock()
	r.WritePIDFile()
	go r.wait(cmd)
	return nil
}

func (r *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	r.mu.Lock()
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitErr = err
	if ps := cmd.ProcessState; ps != nil {
		r.status.ExitCode = ps.ExitCode()
		r.status.Signal = exitSignal(ps)
	}
	r.mu.Unlock()
	r.CloseWriters()
	r.RemovePIDFile()
	close(r.waitDone)
}

// Done is closed once the child has exited and been reaped.
func (r *Process) Done() <-chan struct{} { return r.waitDone }

// Exited reports whether the child has been reaped.
func (r *Process) Exited() bool {
	select {
	case <-r.waitDone:
		return true
	default:
		return false
	}
}

// PID returns the child's pid, or 0 before start.
func (r *Process) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.PID
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	s := r.status
	r.mu.Unlock()
	return s
}

// Stop sends SIGTERM to the process group, waits up to grace, then escalates
// to SIGKILL. It returns once the child has been reaped, so both paths end
// with no process remaining.
func (r *Process) Stop(grace time.Duration) error {
	pid := r.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if r.Exited() {
		return nil
	}
	_ = terminateGroup(pid)
	select {
	case <-r.waitDone:
		return nil
	case <-time.After(grace):
	}
	return r.Kill()
}

// Kill sends SIGKILL to the process group and waits for the reap.
func (r *Process) Kill() error {
	pid := r.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	if r.Exited() {
		return nil
	}
	_ = killGroup(pid)
	select {
	case <-r.waitDone:
		return nil
	case <-time.After(reapTimeout):
		return fmt.Errorf("process %d not reaped after SIGKILL", pid)
	}
}

func (r *Process) CloseWriters() {
	r.mu.Lock()
	if r.outCloser != nil {
		_ = r.outCloser.Close()
		r.outCloser = nil
	}
	if r.errCloser != nil {
		_ = r.errCloser.Close()
		r.errCloser = nil
	}
	r.mu.Unlock()
}
