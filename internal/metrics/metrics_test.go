package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ObserveStart(true, 1.5)
	ObserveStart(false, 0)
	IncRecovery(true)
	IncStop()
	IncExit(false)
	ObserveHealthCheck(true, 0.01)
	RecordStateTransition("stopped", "starting")
	SetBackendUsage(1024, 2.5)
	IncEventsDropped("subscriber")
	ObserveStoreOp("save_record", nil)
	ObserveStoreOp("save_record", errors.New("disk full"))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"hostd_backend_starts_total":            false,
		"hostd_backend_recoveries_total":        false,
		"hostd_backend_stops_total":             false,
		"hostd_backend_exits_total":             false,
		"hostd_backend_start_duration_seconds":  false,
		"hostd_backend_health_checks_total":     false,
		"hostd_backend_state_transitions_total": false,
		"hostd_backend_current_state":           false,
		"hostd_backend_rss_bytes":               false,
		"hostd_events_dropped_total":            false,
		"hostd_store_operations_total":          false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = len(mf.GetMetric()) > 0
		}
	}
	for n, ok := range want {
		if !ok {
			t.Errorf("expected samples for %s", n)
		}
	}
}

func TestHandlerForServesMetrics(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	IncStop()

	srv := httptest.NewServer(HandlerFor(reg))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "hostd_backend_stops_total") {
		t.Fatalf("metrics output missing stops counter")
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// must not panic
	IncStop()
	ObserveStoreOp("get_record", nil)
}
