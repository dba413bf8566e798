package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"

	"go.uber.org/goleak"
)

// When the test binary is re-executed with HOSTD_HELPER_BACKEND=1 it acts as
// the supervised backend instead of running tests.
const (
	helperEnv     = "HOSTD_HELPER_BACKEND"
	helperMode    = "HOSTD_HELPER_MODE"
	helperFailIf  = "HOSTD_HELPER_FAIL_IF"
	modeHealthy   = "healthy"
	modeUnhealthy = "unhealthy"
	modeExit      = "exit"
	modeSlow      = "slow"
)

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperBackend())
	}
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func runHelperBackend() int {
	if f := os.Getenv(helperFailIf); f != "" {
		if _, err := os.Stat(f); err == nil {
			return 3
		}
	}
	mode := os.Getenv(helperMode)
	if mode == modeExit {
		return 2
	}
	addr := net.JoinHostPort(os.Getenv("HOST"), os.Getenv("PORT"))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "listen:", err)
		return 4
	}
	ready := time.Now()
	if mode == modeSlow {
		ready = ready.Add(400 * time.Millisecond)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if mode == modeUnhealthy || time.Now().Before(ready) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: time.Second}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-sig
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return 5
	}
	return 0
}
