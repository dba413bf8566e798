// Package host wires the local state layer and the backend supervisor into
// the single object the UI talks to.
//
// Boot order: record store, credential strategy, history sinks, retention
// job, event dispatcher, backend start. A backend failure leaves records and
// credentials usable.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/loykin/hostd/internal/config"
	"github.com/loykin/hostd/internal/credential"
	"github.com/loykin/hostd/internal/health"
	"github.com/loykin/hostd/internal/history"
	"github.com/loykin/hostd/internal/history/factory"
	"github.com/loykin/hostd/internal/logger"
	"github.com/loykin/hostd/internal/process"
	"github.com/loykin/hostd/internal/store"
	"github.com/loykin/hostd/internal/store/sqlite"
	"github.com/loykin/hostd/internal/supervisor"
)

var (
	ErrNotBooted = errors.New("host not booted")
	ErrClosed    = errors.New("host closed")

	errAlreadyBooted = errors.New("host already booted")
)

type Option func(*Host)

func WithLogger(l *slog.Logger) Option { return func(h *Host) { h.log = l } }

// WithCredentialStore bypasses the keychain probe.
func WithCredentialStore(s credential.Store) Option { return func(h *Host) { h.creds = s } }

// WithSinks adds history sinks in addition to those configured by DSN.
func WithSinks(s ...history.Sink) Option {
	return func(h *Host) { h.extraSinks = append(h.extraSinks, s...) }
}

// WithStore uses an already opened record store instead of opening
// cfg.Store.Path. The host closes it on Close.
func WithStore(s store.Store) Option { return func(h *Host) { h.store = s } }

type Host struct {
	cfg *config.Config
	log *slog.Logger
	sup *supervisor.Supervisor

	store      store.Store
	creds      credential.Store
	sinks      []history.Sink
	extraSinks []history.Sink
	sched      gocron.Scheduler

	subsMu  sync.Mutex
	subs    map[int]chan supervisor.Event
	nextSub int

	dispatchDone chan struct{}

	mu     sync.Mutex
	booted bool
	closed bool
}

// New builds the host and its supervisor without starting anything.
func New(cfg *config.Config, opts ...Option) (*Host, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	h := &Host{cfg: cfg, subs: make(map[int]chan supervisor.Event)}
	for _, o := range opts {
		o(h)
	}
	h.log = logger.OrDefault(h.log).With("component", "host")

	benv, err := cfg.BackendEnv()
	if err != nil {
		return nil, fmt.Errorf("backend env: %w", err)
	}
	b := cfg.Backend
	sup, err := supervisor.New(supervisor.Config{
		Name:            b.Name,
		Host:            b.Host,
		Port:            b.Port,
		HealthPath:      b.HealthPath,
		Candidates:      append([]process.Candidate(nil), b.Runtime...),
		Args:            b.Args,
		WorkDir:         b.WorkDir,
		Env:             benv,
		PIDFile:         b.PIDFile,
		Log:             cfg.Log,
		StartInterval:   b.StartInterval,
		StartAttempts:   b.StartAttempts,
		MonitorInterval: b.MonitorInterval,
		ProbeTimeout:    b.ProbeTimeout,
		StopGrace:       b.StopGrace,
		MaxRecoveries:   b.MaxRecoveries,
	}, h.log)
	if err != nil {
		return nil, err
	}
	h.sup = sup
	return h, nil
}

// Boot opens local state, selects the credential strategy and starts the
// backend when auto_start is set. Local-state failures are fatal; a backend
// start failure is returned but the host stays usable. Boot blocks until the
// backend is healthy or its start attempts run out; callers that must serve
// local state meanwhile use BootLocal and StartBackend.
func (h *Host) Boot(ctx context.Context) error {
	if err := h.BootLocal(ctx); err != nil {
		return err
	}
	if !h.cfg.Backend.AutoStart {
		return nil
	}
	// h.mu is not held here so local state and Close stay available while
	// the backend comes up.
	if err := h.sup.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	return nil
}

// BootLocal opens the record store, selects the credential strategy and
// starts the event dispatcher and retention job. It never touches the
// backend and is a no-op once the host is booted.
func (h *Host) BootLocal(ctx context.Context) error {
	if err := h.bootLocal(ctx); err != nil && !errors.Is(err, errAlreadyBooted) {
		return err
	}
	return nil
}

func (h *Host) bootLocal(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if h.booted {
		return errAlreadyBooted
	}

	if h.store == nil {
		db, err := sqlite.Open(ctx, h.cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open record store: %w", err)
		}
		h.store = db
	}
	if h.creds == nil {
		cs, err := credential.Select(h.cfg.Credentials.Service, h.cfg.Credentials.Mode, h.log)
		if err != nil {
			return fmt.Errorf("select credential store: %w", err)
		}
		h.creds = cs
	}

	sinks, err := factory.NewSinks(h.cfg.History.Sinks)
	if err != nil {
		h.log.Warn("history export disabled", "error", err)
		sinks = nil
	}
	if err := h.startRetention(); err != nil {
		factory.CloseAll(sinks)
		return err
	}
	h.sinks = append(sinks, h.extraSinks...)

	h.dispatchDone = make(chan struct{})
	go h.dispatch()

	h.booted = true
	h.log.Info("host booted", "store", h.cfg.Store.Path, "credentials", h.creds.Backend())
	return nil
}

// Close stops the backend, then the retention job, drains the dispatcher and
// releases the sinks and the store.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var errs []error
	if err := h.sup.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.sched != nil {
		if err := h.sched.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("retention scheduler: %w", err))
		}
	}
	if h.dispatchDone != nil {
		select {
		case <-h.dispatchDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	} else {
		h.closeSubscribers()
	}
	factory.CloseAll(h.sinks)
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.log.Info("host closed")
	return errors.Join(errs...)
}

func (h *Host) Config() *config.Config { return h.cfg }

// Supervisor exposes the backend supervisor for status surfaces.
func (h *Host) Supervisor() *supervisor.Supervisor { return h.sup }

func (h *Host) ready() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if !h.booted {
		return ErrNotBooted
	}
	return nil
}

// BackendStatus is the UI-facing view of the supervised backend.
type BackendStatus struct {
	URL       string         `json:"url"`
	State     string         `json:"state"`
	Healthy   bool           `json:"healthy"`
	PID       int            `json:"pid,omitempty"`
	Port      int            `json:"port"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Runtime   string         `json:"runtime,omitempty"`
	LastError string         `json:"last_error,omitempty"`
	LastCheck *health.Result `json:"last_check,omitempty"`
}

func (h *Host) BackendURL() string { return h.sup.URL() }

// IsBackendHealthy reports the supervisor's view without probing.
func (h *Host) IsBackendHealthy() bool { return h.sup.State() == supervisor.StateHealthy }

// CheckBackendHealth probes the backend now.
func (h *Host) CheckBackendHealth(ctx context.Context) health.Result { return h.sup.Probe(ctx) }

func (h *Host) BackendStatus() BackendStatus {
	st := h.sup.State()
	out := BackendStatus{
		URL:     h.sup.URL(),
		State:   st.String(),
		Healthy: st == supervisor.StateHealthy,
		Port:    h.cfg.Backend.Port,
	}
	if hd, ok := h.sup.Handle(); ok {
		started := hd.StartedAt
		out.PID, out.StartedAt, out.RunID, out.Runtime = hd.PID, &started, hd.RunID, hd.Runtime
	}
	if err := h.sup.LastError(); err != nil {
		out.LastError = err.Error()
	}
	if lc := h.sup.LastCheck(); !lc.CheckedAt.IsZero() {
		out.LastCheck = &lc
	}
	return out
}

func (h *Host) BackendStats(ctx context.Context) (process.Stats, error) { return h.sup.Stats(ctx) }

// StartBackend starts the backend if it is not already starting or healthy.
func (h *Host) StartBackend(ctx context.Context) error {
	if err := h.ready(); err != nil {
		return err
	}
	return h.sup.Start(context.WithoutCancel(ctx))
}

// RestartBackend stops the backend and starts it again. The start is not tied
// to ctx cancellation so a disconnecting caller cannot abort it half way.
func (h *Host) RestartBackend(ctx context.Context) error {
	if err := h.ready(); err != nil {
		return err
	}
	if err := h.sup.Stop(ctx); err != nil {
		return err
	}
	return h.sup.Start(context.WithoutCancel(ctx))
}

// StopBackend stops the backend; the host stays up.
func (h *Host) StopBackend(ctx context.Context) error { return h.sup.Stop(ctx) }
