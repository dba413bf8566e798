//go:build unix

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery_AfterExternalKill(t *testing.T) {
	s := newSupervisor(t, helperConfig(t, modeHealthy))
	events := collect(s)
	require.NoError(t, s.Start(context.Background()))
	first, ok := s.Handle()
	require.True(t, ok)

	require.NoError(t, syscall.Kill(first.PID, syscall.SIGKILL))

	waitUntil(t, 10*time.Second, func() bool {
		h, ok := s.Handle()
		return ok && h.PID != first.PID && s.State() == StateHealthy
	}, "backend recovered with a new pid")

	var sawDegraded, sawUnexpected bool
	for _, ev := range events() {
		if ev.Kind == EventStateChanged && ev.To == StateDegraded.String() {
			sawDegraded = true
		}
		if ev.Kind == EventProcessExited && ev.PID == first.PID && !ev.Expected {
			sawUnexpected = true
		}
	}
	assert.True(t, sawDegraded)
	assert.True(t, sawUnexpected)
}

func TestRecovery_ExhaustedStopsSupervisor(t *testing.T) {
	cfg := helperConfig(t, modeHealthy)
	failFlag := filepath.Join(t.TempDir(), "fail")
	cfg.Env = cfg.Env.WithSet(helperFailIf, failFlag)
	cfg.MonitorInterval = 100 * time.Millisecond
	cfg.MaxRecoveries = 2
	s := newSupervisor(t, cfg)
	events := collect(s)

	require.NoError(t, s.Start(context.Background()))
	h, _ := s.Handle()

	// every later spawn exits immediately
	require.NoError(t, os.WriteFile(failFlag, nil, 0o600))
	require.NoError(t, syscall.Kill(h.PID, syscall.SIGKILL))

	waitUntil(t, 10*time.Second, func() bool { return hasEvent(events(), EventRecoveryExhausted) }, "recovery_exhausted event")
	waitUntil(t, 2*time.Second, func() bool { return s.State() == StateStopped }, "stopped state")
	_, ok := s.Handle()
	assert.False(t, ok)
	require.ErrorIs(t, s.LastError(), ErrSpawnFailed)

	for _, ev := range events() {
		if ev.Kind == EventRecoveryExhausted {
			assert.Equal(t, 2, ev.Attempts)
		}
	}

	// an explicit Start is allowed again after exhaustion
	require.NoError(t, os.Remove(failFlag))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateHealthy, s.State())
}

func TestMonitor_HealthFailureDegradesAndRecovers(t *testing.T) {
	cfg := helperConfig(t, modeHealthy)
	cfg.MonitorInterval = 100 * time.Millisecond
	s := newSupervisor(t, cfg)
	require.NoError(t, s.Start(context.Background()))
	first, _ := s.Handle()

	// a stopped (SIGSTOP) backend keeps its pid but stops answering probes
	require.NoError(t, syscall.Kill(first.PID, syscall.SIGSTOP))
	waitUntil(t, 15*time.Second, func() bool {
		h, ok := s.Handle()
		return ok && h.PID != first.PID && s.State() == StateHealthy
	}, "hung backend replaced")
}
