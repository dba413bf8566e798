package host

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hostd/internal/config"
	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/history"
	hsqlite "github.com/loykin/hostd/internal/history/sqlite"
	"github.com/loykin/hostd/internal/process"
	"github.com/loykin/hostd/internal/store"
	"github.com/loykin/hostd/internal/supervisor"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

// testConfig returns a config whose backend is the test binary in helper mode.
func testConfig(t *testing.T, autoStart bool) *config.Config {
	t.Helper()
	t.Setenv("HOSTD_DATA_DIR", t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)

	exe, err := os.Executable()
	require.NoError(t, err)
	cfg.Backend.Runtime = []process.Candidate{{Source: "dev", Path: exe}}
	cfg.Backend.Host = "127.0.0.1"
	cfg.Backend.Port = freePort(t)
	cfg.Backend.Env = []string{"HOSTD_HELPER_BACKEND=1"}
	cfg.Backend.AutoStart = autoStart
	cfg.Backend.StartInterval = 50 * time.Millisecond
	cfg.Backend.StopGrace = 2 * time.Second
	cfg.Backend.MonitorInterval = time.Hour
	cfg.Credentials.Mode = credential.ModeMemory
	return cfg
}

func newHost(t *testing.T, cfg *config.Config, opts ...Option) *Host {
	t.Helper()
	h, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

func TestOperationsBeforeBootAndAfterClose(t *testing.T) {
	h := newHost(t, testConfig(t, false))
	ctx := context.Background()

	_, err := h.SaveRecord(ctx, "k", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotBooted)
	assert.ErrorIs(t, h.SecureSet("a", "b"), ErrNotBooted)

	require.NoError(t, h.Boot(ctx))
	require.NoError(t, h.Boot(ctx), "boot is idempotent")
	require.NoError(t, h.Close(ctx))
	require.NoError(t, h.Close(ctx))

	_, err = h.ListRecords(ctx, 10, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Boot(ctx), ErrClosed)
}

func TestLocalStateWithoutBackend(t *testing.T) {
	h := newHost(t, testConfig(t, false))
	ctx := context.Background()
	require.NoError(t, h.Boot(ctx))

	assert.False(t, h.IsBackendHealthy())
	st := h.BackendStatus()
	assert.Equal(t, "stopped", st.State)
	assert.Zero(t, st.PID)

	id, err := h.SaveRecord(ctx, "analysis", []byte(`{"score":1}`))
	require.NoError(t, err)
	recs, err := h.ListRecords(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].ID)
	n, err := h.MarkSynced(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	require.NoError(t, h.SetSetting(ctx, "theme", "dark"))
	s, err := h.GetSetting(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", s.Value)

	require.NoError(t, h.SecureSet("openai", "sk-test"))
	v, err := h.SecureGet("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", v)
	info, err := h.SecureInfo()
	require.NoError(t, err)
	assert.Equal(t, "memory", info.Backend)
	assert.False(t, info.Persistent)
	require.NoError(t, h.SecureDelete("openai"))
	_, err = h.SecureGet("openai")
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestBootLocalLeavesBackendAlone(t *testing.T) {
	h := newHost(t, testConfig(t, true))
	ctx := context.Background()

	require.NoError(t, h.BootLocal(ctx))
	require.NoError(t, h.BootLocal(ctx))
	assert.Equal(t, "stopped", h.BackendStatus().State)

	_, err := h.SaveRecord(ctx, "analysis", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, h.StartBackend(ctx))
	assert.True(t, h.IsBackendHealthy())
}

func TestFailedBootCanBeRetried(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.History.Sinks = []string{"sqlite://" + filepath.Join(t.TempDir(), "history.db")}
	cfg.Store.Retention = time.Hour
	cfg.Store.RetentionInterval = 0
	h := newHost(t, cfg)
	ctx := context.Background()

	err := h.Boot(ctx)
	require.Error(t, err)
	assert.Nil(t, h.dispatchDone, "no dispatcher left behind")
	assert.Empty(t, h.sinks, "sinks released")
	_, err = h.SaveRecord(ctx, "k", []byte(`{}`))
	assert.ErrorIs(t, err, ErrNotBooted)

	cfg.Store.RetentionInterval = time.Hour
	require.NoError(t, h.Boot(ctx))
	assert.NotNil(t, h.dispatchDone)
	assert.Len(t, h.sinks, 1)
}

func TestBackendFailureKeepsHostUsable(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Backend.Runtime = []process.Candidate{{Source: "bundled", Path: filepath.Join(t.TempDir(), "absent")}}
	h := newHost(t, cfg)
	ctx := context.Background()

	err := h.Boot(ctx)
	require.ErrorIs(t, err, supervisor.ErrNoRuntimeFound)

	_, err = h.SaveRecord(ctx, "k", []byte(`{"offline":true}`))
	require.NoError(t, err)
	assert.Equal(t, "stopped", h.BackendStatus().State)
	assert.NotEmpty(t, h.BackendStatus().LastError)
}

func TestBootStartsBackendAndExportsEvents(t *testing.T) {
	cfg := testConfig(t, true)
	sink, err := hsqlite.New(":memory:")
	require.NoError(t, err)
	h := newHost(t, cfg, WithSinks(sink))
	ctx := context.Background()

	events, cancel := h.Subscribe()
	defer cancel()
	require.NoError(t, h.Boot(ctx))
	assert.True(t, h.IsBackendHealthy())
	assert.True(t, h.CheckBackendHealth(ctx).OK)

	st := h.BackendStatus()
	assert.Equal(t, "healthy", st.State)
	assert.Greater(t, st.PID, 0)
	assert.NotEmpty(t, st.RunID)
	require.NotNil(t, st.StartedAt)

	require.NoError(t, h.RestartBackend(ctx))
	st2 := h.BackendStatus()
	assert.NotEqual(t, st.RunID, st2.RunID)
	assert.True(t, h.IsBackendHealthy())

	stats, err := h.BackendStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, st2.PID, stats.PID)

	var kinds []supervisor.EventKind
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
			if ev.Kind == supervisor.EventProcessExited {
				break collect
			}
		case <-deadline:
			t.Fatalf("no exit event after restart, got %v", kinds)
		}
	}
	assert.Contains(t, kinds, supervisor.EventProcessStarted)

	require.Eventually(t, func() bool {
		n, err := sink.Count(ctx, history.EventProcessStarted)
		return err == nil && n >= 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.Close(ctx))
	assert.Equal(t, "stopped", h.BackendStatus().State)
	_, open := <-drain(events)
	assert.False(t, open, "subscriber channel closed on host close")
}

// drain discards buffered events and returns the channel once empty.
func drain(ch <-chan supervisor.Event) <-chan supervisor.Event {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				closed := make(chan supervisor.Event)
				close(closed)
				return closed
			}
		case <-time.After(2 * time.Second):
			return ch
		}
	}
}

func TestRetentionJobPurgesSyncedRecords(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.Store.Retention = time.Nanosecond
	cfg.Store.RetentionInterval = 50 * time.Millisecond
	h := newHost(t, cfg)
	ctx := context.Background()
	require.NoError(t, h.Boot(ctx))

	keep, err := h.SaveRecord(ctx, "k", []byte(`{"keep":true}`))
	require.NoError(t, err)
	gone, err := h.SaveRecord(ctx, "k", []byte(`{"keep":false}`))
	require.NoError(t, err)
	_, err = h.MarkSynced(ctx, gone)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := h.GetRecord(ctx, gone)
		return errors.Is(err, store.ErrNotFound)
	}, 5*time.Second, 20*time.Millisecond)
	_, err = h.GetRecord(ctx, keep)
	assert.NoError(t, err, "unsynced records are never purged")
}

func TestPurgeSyncedDisabledByDefault(t *testing.T) {
	h := newHost(t, testConfig(t, false))
	ctx := context.Background()
	require.NoError(t, h.Boot(ctx))
	id, _ := h.SaveRecord(ctx, "k", []byte(`{}`))
	_, _ = h.MarkSynced(ctx, id)
	n, err := h.PurgeSynced(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
