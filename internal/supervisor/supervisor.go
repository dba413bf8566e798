// Package supervisor owns the lifecycle of the single analysis backend:
// runtime resolution, spawning, start-up health polling, periodic monitoring
// with bounded recovery, and guaranteed teardown.
//
// State machine:
//
//	stopped -> starting -> healthy -> degraded -> starting -> healthy | degraded | stopped
//
// Locking: mu guards state, the current child and the start/monitor control
// handles. It is never held across a blocking wait. stopMu serialises Stop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/hostd/internal/env"
	"github.com/loykin/hostd/internal/health"
	"github.com/loykin/hostd/internal/logger"
	"github.com/loykin/hostd/internal/metrics"
	"github.com/loykin/hostd/internal/process"
)

const (
	DefaultStartInterval   = time.Second
	DefaultStartAttempts   = 30
	DefaultMonitorInterval = 30 * time.Second
	DefaultProbeTimeout    = health.DefaultTimeout
	DefaultStopGrace       = 5 * time.Second
	DefaultMaxRecoveries   = 3
	DefaultEventBuffer     = 64
	DefaultHost            = "localhost"
	DefaultHealthPath      = "/health"
)

var (
	errHealthCheckFailed = errors.New("health check failed")
	errUnexpectedExit    = errors.New("backend exited unexpectedly")
)

// Config describes the backend and the supervision timings. Zero values take
// the defaults above.
type Config struct {
	Name       string              // log/pid file base name (default "backend")
	Host       string              // default "localhost"
	Port       int                 // port the backend must listen on
	HealthPath string              // default "/health"
	Candidates []process.Candidate // runtime candidates, most preferred first
	Args       []string            // argv after the runtime path
	WorkDir    string
	Env        *env.Env // backend environment; PORT and HOST are always added
	PIDFile    string
	Log        logger.Config // stdout/stderr destinations

	StartInterval   time.Duration
	StartAttempts   int
	MonitorInterval time.Duration
	ProbeTimeout    time.Duration
	StopGrace       time.Duration
	MaxRecoveries   int // consecutive failed recoveries before giving up
	EventBuffer     int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "backend"
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.HealthPath == "" {
		c.HealthPath = DefaultHealthPath
	}
	if c.StartInterval <= 0 {
		c.StartInterval = DefaultStartInterval
	}
	if c.StartAttempts <= 0 {
		c.StartAttempts = DefaultStartAttempts
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.MaxRecoveries <= 0 {
		c.MaxRecoveries = DefaultMaxRecoveries
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Env == nil {
		c.Env = env.New().FromOS()
	}
	return c
}

// Handle describes the live backend. At most one exists at a time.
type Handle struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	RunID     string    `json:"run_id"`
	Runtime   string    `json:"runtime"`
}

type child struct {
	proc      *process.Process
	runID     string
	runtime   string
	startedAt time.Time
	expected  atomic.Bool // set before any intentional termination
}

type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	prober *health.Prober

	events   chan Event
	evMu     sync.RWMutex
	evClosed bool
	dropped  atomic.Uint64
	onDrop   func()

	stopMu sync.Mutex

	mu            sync.Mutex
	state         State
	child         *child
	stopping      bool
	closed        bool
	failures      int // consecutive failed recoveries
	lastErr       error
	lastCheck     health.Result
	startCancel   context.CancelFunc
	startDone     chan struct{}
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	wake          chan struct{}
}

// New creates a supervisor in the stopped state. A nil logger uses slog.Default().
func New(cfg Config, log *slog.Logger) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid backend port %d", cfg.Port)
	}
	if len(cfg.Candidates) == 0 {
		return nil, errors.New("at least one runtime candidate is required")
	}
	s := &Supervisor{
		cfg:    cfg,
		log:    logger.OrDefault(log).With("component", "supervisor", "backend", cfg.Name),
		events: make(chan Event, cfg.EventBuffer),
		onDrop: func() { metrics.IncEventsDropped("supervisor") },
		wake:   make(chan struct{}, 1),
	}
	s.prober = health.NewProber(s.URL(), cfg.HealthPath, cfg.ProbeTimeout)
	return s, nil
}

// URL is the backend base URL, http://<host>:<port>.
func (s *Supervisor) URL() string {
	return "http://" + s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error that caused the most recent downgrade, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Handle returns the live process handle, if any.
func (s *Supervisor) Handle() (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return Handle{}, false
	}
	return s.handleLocked(), true
}

func (s *Supervisor) handleLocked() Handle {
	c := s.child
	return Handle{
		PID:       c.proc.PID(),
		Port:      s.cfg.Port,
		State:     s.state,
		StartedAt: c.startedAt,
		RunID:     c.runID,
		Runtime:   c.runtime,
	}
}

// HealthCheck runs one liveness probe bounded by ProbeTimeout. It never errors.
func (s *Supervisor) HealthCheck(ctx context.Context) bool {
	return s.Probe(ctx).OK
}

// Probe is HealthCheck with the full result.
func (s *Supervisor) Probe(ctx context.Context) health.Result {
	res := s.prober.Check(ctx)
	metrics.ObserveHealthCheck(res.OK, res.Latency.Seconds())
	s.mu.Lock()
	s.lastCheck = res
	s.mu.Unlock()
	return res
}

// LastCheck returns the most recent probe result.
func (s *Supervisor) LastCheck() health.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck
}

// Stats samples CPU and memory of the live backend.
func (s *Supervisor) Stats(ctx context.Context) (process.Stats, error) {
	h, ok := s.Handle()
	if !ok {
		return process.Stats{}, opErr("stats", ErrStopped)
	}
	st, err := process.Sample(ctx, h.PID)
	if err != nil {
		return process.Stats{}, err
	}
	metrics.SetBackendUsage(st.RSSBytes, st.CPUPercent)
	return st, nil
}

// Start resolves the runtime, spawns the backend and waits until it answers
// its health endpoint. It returns ErrAlreadyRunning while a start is in
// flight or the backend is healthy.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.start(ctx, false)
}

func (s *Supervisor) start(ctx context.Context, recovery bool) error {
	s.mu.Lock()
	if s.closed || s.stopping {
		s.mu.Unlock()
		return opErr("start", ErrStopped)
	}
	if s.state == StateStarting || s.state == StateHealthy {
		s.mu.Unlock()
		return opErr("start", ErrAlreadyRunning)
	}
	if recovery && s.state != StateDegraded {
		s.mu.Unlock()
		return opErr("recover", ErrStopped)
	}
	startCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.startCancel, s.startDone = cancel, done
	s.setStateLocked(StateStarting, nil)
	s.mu.Unlock()

	began := time.Now()
	err := s.startCycle(startCtx)
	cancel()

	s.mu.Lock()
	s.startCancel, s.startDone = nil, nil
	switch {
	case err == nil && !s.stopping:
		s.failures = 0
		s.setStateLocked(StateHealthy, nil)
		s.ensureMonitorLocked()
		s.mu.Unlock()
		metrics.ObserveStart(true, time.Since(began).Seconds())
		if recovery {
			metrics.IncRecovery(true)
		}
		close(done)
		s.log.Info("backend healthy", "url", s.URL(), "took", time.Since(began).Round(time.Millisecond))
		return nil
	case s.stopping:
		// Stop owns the teardown and the final state.
		s.mu.Unlock()
		close(done)
		return opErr("start", ErrStopped)
	}

	metrics.ObserveStart(false, 0)
	var exhausted bool
	if recovery {
		metrics.IncRecovery(false)
		s.failures++
		if s.failures >= s.cfg.MaxRecoveries {
			exhausted = true
			s.stopMonitorLocked()
			s.setStateLocked(StateStopped, err)
		} else {
			s.setStateLocked(StateDegraded, err)
		}
	} else {
		s.stopMonitorLocked()
		s.setStateLocked(StateStopped, err)
	}
	attempts := s.failures
	s.mu.Unlock()
	close(done)

	if exhausted {
		s.log.Error("backend recovery exhausted", "attempts", attempts, "error", err)
		s.emit(Event{Kind: EventRecoveryExhausted, Attempts: attempts, Error: errString(err)})
	} else if recovery {
		s.log.Warn("backend recovery failed", "attempt", attempts, "max", s.cfg.MaxRecoveries, "error", err)
	} else {
		s.log.Error("backend start failed", "error", err)
	}
	op := "start"
	if recovery {
		op = "recover"
	}
	return opErr(op, err)
}

// startCycle performs one resolve/spawn/poll cycle. On failure the spawned
// child, if any, has been terminated before it returns.
func (s *Supervisor) startCycle(ctx context.Context) error {
	// a degraded backend that is still alive is replaced, never duplicated
	s.mu.Lock()
	prev := s.child
	s.mu.Unlock()
	if prev != nil {
		s.terminate(prev)
	}

	rt, err := process.Resolve(s.cfg.Candidates)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoRuntimeFound, err)
	}

	if s.cfg.PIDFile != "" {
		killed, err := process.TerminateStale(ctx, s.cfg.PIDFile, rt.Path, s.cfg.StopGrace)
		if err != nil {
			s.log.Warn("stale backend check failed", "pid_file", s.cfg.PIDFile, "error", err)
		} else if killed {
			s.log.Warn("terminated stale backend from a previous run", "pid_file", s.cfg.PIDFile)
		}
	}

	spec := process.Spec{
		Name:    s.cfg.Name,
		Args:    s.cfg.Args,
		WorkDir: s.cfg.WorkDir,
		Env: s.cfg.Env.Merge([]string{
			"PORT=" + strconv.Itoa(s.cfg.Port),
			"HOST=" + s.cfg.Host,
		}),
		PIDFile: s.cfg.PIDFile,
		Log:     s.cfg.Log,
	}
	p := process.New(spec)
	cmd, err := p.ConfigureCmd(rt.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if err := p.TryStart(cmd); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	c := &child{proc: p, runID: uuid.NewString(), runtime: rt.Path, startedAt: time.Now().UTC()}
	s.mu.Lock()
	s.child = c
	s.mu.Unlock()
	go s.watch(c)

	s.log.Info("backend spawned", "pid", p.PID(), "runtime", rt.Path, "source", rt.Source, "run_id", c.runID)
	s.emit(Event{Kind: EventProcessStarted, PID: p.PID(), Port: s.cfg.Port, RunID: c.runID, At: c.startedAt})

	t := time.NewTicker(s.cfg.StartInterval)
	defer t.Stop()
	for attempt := 1; attempt <= s.cfg.StartAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.terminate(c)
			return ErrStopped
		case <-p.Done():
			st := p.Snapshot()
			return fmt.Errorf("%w: exited during start-up (code %d)", ErrSpawnFailed, st.ExitCode)
		case <-t.C:
		}
		res := s.Probe(ctx)
		if res.OK {
			return nil
		}
		s.log.Debug("backend not healthy yet", "attempt", attempt, "error", res.Error, "status", res.StatusCode)
	}
	s.terminate(c)
	return fmt.Errorf("%w after %d attempts", ErrBackendUnhealthyTimeout, s.cfg.StartAttempts)
}

// terminate stops c with the configured grace and waits for the reap.
func (s *Supervisor) terminate(c *child) {
	c.expected.Store(true)
	if err := c.proc.Stop(s.cfg.StopGrace); err != nil && !errors.Is(err, process.ErrNotStarted) {
		s.log.Error("backend did not terminate", "pid", c.proc.PID(), "error", err)
	}
	s.mu.Lock()
	if s.child == c {
		s.child = nil
	}
	s.mu.Unlock()
}

// watch is the single waiter for c. It clears the handle once the child is
// reaped and downgrades a healthy supervisor on an unexpected exit.
func (s *Supervisor) watch(c *child) {
	<-c.proc.Done()
	st := c.proc.Snapshot()

	s.mu.Lock()
	if s.child == c {
		s.child = nil
	}
	expected := c.expected.Load() || s.stopping
	downgrade := !expected && s.state == StateHealthy
	if downgrade {
		s.setStateLocked(StateDegraded, errUnexpectedExit)
	}
	s.mu.Unlock()

	metrics.IncExit(expected)
	s.emit(Event{
		Kind:     EventProcessExited,
		PID:      st.PID,
		RunID:    c.runID,
		ExitCode: st.ExitCode,
		Signal:   st.Signal,
		Expected: expected,
		Error:    errString(st.ExitErr),
	})
	if downgrade {
		s.log.Warn("backend exited unexpectedly", "pid", st.PID, "code", st.ExitCode, "signal", st.Signal)
		s.kick()
	} else {
		s.log.Info("backend exited", "pid", st.PID, "code", st.ExitCode, "signal", st.Signal)
	}
}

func (s *Supervisor) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Supervisor) ensureMonitorLocked() {
	if s.monitorCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.monitorCancel, s.monitorDone = cancel, done
	go s.monitor(ctx, done)
}

func (s *Supervisor) stopMonitorLocked() {
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}
}

func (s *Supervisor) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.cfg.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-s.wake:
		}
		s.tick(ctx)
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	switch s.State() {
	case StateHealthy:
		res := s.Probe(ctx)
		if res.OK || ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if s.state != StateHealthy {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateDegraded, fmt.Errorf("%w: %s", errHealthCheckFailed, res.Error))
		s.mu.Unlock()
		s.log.Warn("backend health check failed", "status", res.StatusCode, "error", res.Error)
	case StateDegraded:
	default:
		return
	}
	if err := s.start(ctx, true); err == nil {
		s.log.Info("backend recovered")
	}
}

// Stop cancels monitoring and any in-flight start, then terminates the
// backend: SIGTERM to its process group, SIGKILL after StopGrace. It is
// idempotent and always leaves the supervisor stopped with no child.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	s.mu.Lock()
	s.stopping = true
	if s.startCancel != nil {
		s.startCancel()
	}
	startDone := s.startDone
	monitorDone := s.monitorDone
	s.stopMonitorLocked()
	wasActive := s.state.Active()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.stopping = false
		s.mu.Unlock()
	}()

	for _, ch := range []chan struct{}{startDone, monitorDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return opErr("stop", ctx.Err())
		}
	}

	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c != nil {
		s.terminate(c)
	}

	s.mu.Lock()
	s.failures = 0
	s.setStateLocked(StateStopped, nil)
	s.mu.Unlock()
	if wasActive || c != nil {
		metrics.IncStop()
		s.log.Info("backend stopped")
	}
	return nil
}

// Close stops the backend and closes the event channel. The supervisor cannot
// be started again.
func (s *Supervisor) Close(ctx context.Context) error {
	err := s.Stop(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.evMu.Lock()
	if !s.evClosed {
		s.evClosed = true
		close(s.events)
	}
	s.evMu.Unlock()
	return err
}

func (s *Supervisor) setStateLocked(to State, cause error) {
	from := s.state
	if cause != nil {
		s.lastErr = cause
	} else if to == StateHealthy {
		s.lastErr = nil
	}
	if from == to {
		return
	}
	s.state = to
	metrics.RecordStateTransition(from.String(), to.String())
	s.emit(Event{Kind: EventStateChanged, From: from.String(), To: to.String(), Error: errString(cause)})
}
