// Package hostd embeds the desktop host: a supervised local backend process,
// a SQLite record store and a keychain-backed credential store, with an
// optional loopback HTTP API for the UI.
package hostd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hostd/internal/config"
	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/health"
	"github.com/loykin/hostd/internal/history"
	"github.com/loykin/hostd/internal/host"
	"github.com/loykin/hostd/internal/metrics"
	"github.com/loykin/hostd/internal/process"
	"github.com/loykin/hostd/internal/server"
	"github.com/loykin/hostd/internal/store"
	"github.com/loykin/hostd/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type BackendConfig = config.BackendConfig

type RuntimeCandidate = process.Candidate

type BackendStatus = host.BackendStatus

type HealthResult = health.Result

type BackendStats = process.Stats

type Event = supervisor.Event

type EventKind = supervisor.EventKind

type State = supervisor.State

type Record = store.Record

type Setting = store.Setting

type CredentialInfo = credential.Info

type CredentialStore = credential.Store

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Option = host.Option

const (
	StateStopped  = supervisor.StateStopped
	StateStarting = supervisor.StateStarting
	StateHealthy  = supervisor.StateHealthy
	StateDegraded = supervisor.StateDegraded

	EventStateChanged      = supervisor.EventStateChanged
	EventProcessStarted    = supervisor.EventProcessStarted
	EventProcessExited     = supervisor.EventProcessExited
	EventRecoveryExhausted = supervisor.EventRecoveryExhausted
)

var (
	ErrNoRuntimeFound          = supervisor.ErrNoRuntimeFound
	ErrSpawnFailed             = supervisor.ErrSpawnFailed
	ErrBackendUnhealthyTimeout = supervisor.ErrBackendUnhealthyTimeout
	ErrAlreadyRunning          = supervisor.ErrAlreadyRunning
	ErrStopped                 = supervisor.ErrStopped

	ErrRecordNotFound     = store.ErrNotFound
	ErrInvalidPayload     = store.ErrInvalidPayload
	ErrCredentialNotFound = credential.ErrNotFound

	ErrNotBooted = host.ErrNotBooted
	ErrClosed    = host.ErrClosed
)

var (
	WithLogger          = host.WithLogger
	WithCredentialStore = host.WithCredentialStore
	WithSinks           = host.WithSinks
	WithStore           = host.WithStore
)

// Host is a thin facade over internal/host.Host.
type Host struct {
	*host.Host
}

// LoadConfig reads a TOML file (empty path means defaults) with HOSTD_*
// environment overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func New(cfg *Config, opts ...Option) (*Host, error) {
	h, err := host.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Host{Host: h}, nil
}

// Handler returns the IPC API mounted under basePath for use in any mux.
func (h *Host) Handler(basePath string) http.Handler {
	return server.NewRouter(h.Host, basePath).Handler()
}

// NewHTTPServer returns an unstarted server exposing the IPC API on addr.
func (h *Host) NewHTTPServer(addr, basePath string) *http.Server {
	return server.New(addr, h.Handler(basePath))
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }
