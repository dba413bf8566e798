package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hostd/internal/config"
	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/host"
	"github.com/loykin/hostd/internal/process"
	"github.com/loykin/hostd/internal/server"
)

// apiURL serves a booted host without backend runtime and returns its API URL.
func apiURL(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Backend.Runtime = []process.Candidate{{Source: "dev", Path: filepath.Join(dir, "missing")}}
	cfg.Credentials.Mode = credential.ModeMemory

	h, err := host.New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Boot(context.Background()))
	srv := httptest.NewServer(server.NewRouter(h, "/api").Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
		srv.Close()
	})
	return srv.URL + "/api"
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestHelp(t *testing.T) {
	out, err := run(t, "", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "hostd")
	for _, sub := range []string{"serve", "status", "restart", "records", "settings", "secret"} {
		assert.Contains(t, out, sub)
	}
}

func TestUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := run(t, "", "status", "--api-url", url, "--api-timeout", "1s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reachable")
}

func TestRecordsCommands(t *testing.T) {
	url := apiURL(t)

	out, err := run(t, "", "records", "save", "--api-url", url, "--kind", "note", "--payload", `{"a":1}`)
	require.NoError(t, err)
	var saved map[string]int64
	require.NoError(t, json.Unmarshal([]byte(out), &saved))
	id := saved["id"]
	require.Positive(t, id)

	_, err = run(t, `{"b":2}`, "records", "save", "--api-url", url, "--kind", "note", "--payload", "-")
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"c":3}`), 0o600))
	_, err = run(t, "", "records", "save", "--api-url", url, "--kind", "doc", "--payload", "@"+file)
	require.NoError(t, err)

	_, err = run(t, "", "records", "save", "--api-url", url, "--kind", "note", "--payload", "nope")
	assert.Error(t, err)

	out, err = run(t, "", "records", "list", "--api-url", url, "--limit", "2")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.Len(t, recs, 2)
	assert.Equal(t, "doc", recs[0]["kind"])

	out, err = run(t, "", "records", "get", "--api-url", url, itoa(id))
	require.NoError(t, err)
	assert.Contains(t, out, `"note"`)

	out, err = run(t, "", "records", "mark-synced", "--api-url", url, itoa(id))
	require.NoError(t, err)
	assert.Contains(t, out, `"count": 1`)

	_, err = run(t, "", "records", "delete", "--api-url", url, itoa(id))
	require.NoError(t, err)
	_, err = run(t, "", "records", "get", "--api-url", url, itoa(id))
	assert.Error(t, err)

	_, err = run(t, "", "records", "get", "--api-url", url, "x")
	assert.ErrorContains(t, err, "invalid record id")
}

func TestSettingsAndSecretCommands(t *testing.T) {
	url := apiURL(t)

	_, err := run(t, "", "settings", "set", "--api-url", url, "theme", "dark")
	require.NoError(t, err)
	out, err := run(t, "", "settings", "get", "--api-url", url, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark\n", out)
	out, err = run(t, "", "settings", "list", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"theme"`)
	_, err = run(t, "", "settings", "delete", "--api-url", url, "theme")
	require.NoError(t, err)
	_, err = run(t, "", "settings", "get", "--api-url", url, "theme")
	assert.Error(t, err)

	_, err = run(t, "s3cr3t\n", "secret", "set", "--api-url", url, "token")
	require.NoError(t, err)
	out, err = run(t, "", "secret", "info", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"memory"`)
	_, err = run(t, "", "secret", "delete", "--api-url", url, "token")
	require.NoError(t, err)
	_, err = run(t, "", "secret", "set", "--api-url", url, "token")
	assert.ErrorContains(t, err, "secret is empty")
}

func TestBackendCommandsWithoutRuntime(t *testing.T) {
	url := apiURL(t)

	out, err := run(t, "", "status", "--api-url", url)
	require.NoError(t, err)
	assert.Contains(t, out, `"stopped"`)

	_, err = run(t, "", "health", "--api-url", url)
	assert.ErrorContains(t, err, "backend unhealthy")

	_, err = run(t, "", "restart", "--api-url", url)
	assert.ErrorContains(t, err, "backend unavailable")

	_, err = run(t, "", "stats", "--api-url", url)
	assert.Error(t, err)
}

func TestRunServe(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)
	t.Setenv("HOSTD_CREDENTIALS_MODE", "memory")
	t.Setenv("HOSTD_METRICS_ENABLED", "true")
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan string, 1)
	flags := &ServeFlags{Listen: "127.0.0.1:0", ready: func(a string) { addrCh <- a }}
	done := make(chan error, 1)
	var out bytes.Buffer
	go func() { done <- runServe(ctx, "", flags, &out) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not come up")
	}

	// the backend runtime is missing, local features still work
	url := "http://" + addr + "/api"
	_, err := run(t, "", "settings", "set", "--api-url", url, "k", "v")
	require.NoError(t, err)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), "hostd_")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not shut down")
	}
	_, err = os.Stat(filepath.Join(dir, "hostd.db"))
	assert.NoError(t, err)
}

func TestRunServe_APIUpWhileBackendStarting(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sleep as a backend that never becomes healthy")
	}
	dir := t.TempDir()
	t.Setenv("HOSTD_DATA_DIR", dir)
	t.Setenv("HOSTD_CREDENTIALS_MODE", "memory")
	gin.SetMode(gin.TestMode)

	port := freeTCPPort(t)
	cfgPath := filepath.Join(dir, "hostd.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[backend]
port = `+strconv.Itoa(port)+`
host = "127.0.0.1"
args = ["60"]
start_interval = "200ms"
start_attempts = 50
stop_grace = "1s"

  [[backend.runtime]]
  source = "system"
  path = "sleep"
`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan string, 1)
	flags := &ServeFlags{Listen: "127.0.0.1:0", ready: func(a string) { addrCh <- a }}
	done := make(chan error, 1)
	began := time.Now()
	go func() { done <- runServe(ctx, cfgPath, flags, io.Discard) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("API not listening while the backend was starting")
	}
	// start attempts alone take 10s
	assert.Less(t, time.Since(began), 5*time.Second)

	url := "http://" + addr + "/api"
	_, err := run(t, "", "records", "save", "--api-url", url, "--kind", "analysis", "--payload", `{"ok":true}`)
	require.NoError(t, err)

	var st host.BackendStatus
	require.Eventually(t, func() bool {
		resp, err := http.Get(url + "/backend")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.State == "starting"
	}, 3*time.Second, 50*time.Millisecond)
	assert.False(t, st.Healthy)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--pidfile", "/tmp/p", "--logfile=/tmp/l", "--listen", ":1"})
	assert.Equal(t, []string{"serve", "--listen", ":1"}, got)
}

func TestReadPayload(t *testing.T) {
	b, err := readPayload(`{"x":1}`, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(b))

	b, err = readPayload("-", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(b))

	_, err = readPayload("{", nil)
	assert.Error(t, err)
	_, err = readPayload("@/does/not/exist.json", nil)
	assert.Error(t, err)
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
