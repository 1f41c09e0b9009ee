// Package supervisor keeps the local inference service available.
//
// A Supervisor tracks the service through Unknown → Starting → Ready →
// Unreachable. EnsureReady is the only entry point used on the request
// path: it returns immediately when the service is known to be ready and
// otherwise probes it, starting the service process when the probe fails.
// Concurrent callers share a single start attempt, and start attempts are
// spaced by a backoff window so a crashing service is not respawned on
// every request.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/qrguard/internal/syncutil"
	"github.com/mbd888/qrguard/internal/traces"
)

// Default timings.
const (
	DefaultProbeTimeout   = 1 * time.Second
	DefaultStartGrace     = 3 * time.Second
	DefaultStartBackoff   = 10 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	DefaultHealthInterval = 15 * time.Second
)

// Prober checks whether the inference service answers its health endpoint.
type Prober interface {
	Probe(ctx context.Context) error
}

// Config holds supervisor timings.
type Config struct {
	ProbeTimeout   time.Duration
	StartGrace     time.Duration
	StartBackoff   time.Duration
	StopTimeout    time.Duration
	HealthInterval time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:   DefaultProbeTimeout,
		StartGrace:     DefaultStartGrace,
		StartBackoff:   DefaultStartBackoff,
		StopTimeout:    DefaultStopTimeout,
		HealthInterval: DefaultHealthInterval,
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithConfig overrides the timings.
func WithConfig(cfg Config) Option {
	return func(s *Supervisor) { s.cfg = cfg }
}

// WithLauncher sets the launcher used to start the service. Without one
// the service is assumed to be managed externally and is only probed.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// startAttempt is one in-flight start. done is closed once the settle
// probe has written a terminal state; ok is valid after that.
type startAttempt struct {
	done chan struct{}
	ok   bool
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State         string     `json:"state"`
	LastProbeAt   *time.Time `json:"last_probe,omitempty"`
	LastProbeOK   bool       `json:"last_probe_ok"`
	LastStartAt   *time.Time `json:"last_start,omitempty"`
	StartAttempts int64      `json:"start_attempts"`
	ChildPID      int        `json:"child_pid,omitempty"`
	Managed       bool       `json:"managed"`
	LastExit      *ExitInfo  `json:"last_exit,omitempty"`
}

// ExitInfo describes how the last child process ended.
type ExitInfo struct {
	PID    int       `json:"pid"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
	Killed bool      `json:"killed"`
}

// Supervisor owns the inference service lifecycle.
type Supervisor struct {
	prober   Prober
	launcher Launcher
	cfg      Config
	logger   *slog.Logger

	state atomic.Int32

	// mu guards the start transition: child, attempt and lastStart.
	mu        *syncutil.Mutex
	child     Process
	attempt   *startAttempt
	lastStart time.Time

	// Snapshot fields, readable without mu.
	startAttempts atomic.Int64
	lastStartNano atomic.Int64
	lastProbeNano atomic.Int64
	lastProbeOK   atomic.Bool
	childPID      atomic.Int64
	lastExit      atomic.Pointer[ExitInfo]

	closed    chan struct{}
	closeOnce sync.Once

	now func() time.Time
}

// New creates a Supervisor in the Unknown state.
func New(prober Prober, opts ...Option) *Supervisor {
	s := &Supervisor{
		prober: prober,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		mu:     syncutil.NewMutex(),
		closed: make(chan struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	observeState(StateUnknown)
	return s
}

// State returns the current state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Ready reports whether the service is in the Ready state.
func (s *Supervisor) Ready() bool {
	return s.State() == StateReady
}

// EnsureReady reports whether the inference service is ready, probing and
// starting it if necessary. It never blocks longer than timeout (or the
// deadline of ctx, whichever comes first). A non-positive timeout means
// only ctx bounds the call.
func (s *Supervisor) EnsureReady(ctx context.Context, timeout time.Duration) bool {
	if s.State() == StateReady {
		return true
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := traces.StartSpan(ctx, "supervisor.EnsureReady")
	defer span.End()

	att, ready := s.transition(ctx)
	if !ready && att != nil {
		ready = s.await(ctx, att)
	}
	span.SetAttributes(traces.ServiceState(s.State().String()))
	return ready
}

// transition runs the probe-and-maybe-start step under the lock. It returns
// ready=true when the service answered, or the start attempt to wait on.
func (s *Supervisor) transition(ctx context.Context) (*startAttempt, bool) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, false
	}
	defer unlock()

	// Another caller may have finished while we waited for the lock.
	if s.State() == StateReady {
		return nil, true
	}
	if s.attempt != nil {
		return s.attempt, false
	}

	if err := s.probe(ctx); err == nil {
		s.setState(StateReady)
		return nil, true
	}
	if ctx.Err() != nil {
		// Inconclusive: the caller ran out of time mid-probe.
		return nil, false
	}

	if s.launcher == nil {
		s.setState(StateUnreachable)
		return nil, false
	}
	if !s.lastStart.IsZero() && s.now().Sub(s.lastStart) < s.cfg.StartBackoff {
		s.setState(StateUnreachable)
		return nil, false
	}

	return s.startLocked(), false
}

// startLocked launches the service (unless a live child exists) and kicks
// off the settle goroutine. Caller holds mu.
func (s *Supervisor) startLocked() *startAttempt {
	now := s.now()
	s.lastStart = now
	s.lastStartNano.Store(now.UnixNano())
	s.startAttempts.Add(1)
	svStartAttempts.Inc()

	if s.child != nil && !exited(s.child) {
		svSpawns.WithLabelValues("reused").Inc()
		s.logger.Info("inference process alive but not answering, waiting for it", "pid", s.child.Pid())
	} else {
		proc, err := s.launcher.Start(context.Background())
		if err != nil {
			svSpawns.WithLabelValues("error").Inc()
			s.logger.Error("failed to start inference service", "error", err)
			s.setState(StateUnreachable)
			return nil
		}
		svSpawns.WithLabelValues("ok").Inc()
		s.child = proc
		if proc != nil {
			s.childPID.Store(int64(proc.Pid()))
			s.logger.Info("inference service starting", "pid", proc.Pid())
			go s.watch(proc)
		}
	}

	s.setState(StateStarting)
	att := &startAttempt{done: make(chan struct{})}
	s.attempt = att
	go s.settle(att)
	return att
}

// settle waits out the start grace period, probes once and records the
// outcome. It always writes a terminal state.
func (s *Supervisor) settle(att *startAttempt) {
	ok := false
	defer func() {
		unlock, _ := s.mu.LockContext(context.Background())
		if ok {
			s.setState(StateReady)
		} else {
			s.setState(StateUnreachable)
		}
		att.ok = ok
		s.attempt = nil
		unlock()
		close(att.done)
	}()

	timer := time.NewTimer(s.cfg.StartGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.closed:
		return
	}

	ok = s.probe(context.Background()) == nil
	if !ok {
		s.logger.Warn("inference service did not become ready after start", "grace", s.cfg.StartGrace)
	}
}

func (s *Supervisor) await(ctx context.Context, att *startAttempt) bool {
	select {
	case <-att.done:
		return att.ok
	case <-ctx.Done():
		return false
	}
}

// watch flips the state to Unreachable when the child exits.
func (s *Supervisor) watch(proc Process) {
	select {
	case <-proc.Done():
	case <-s.closed:
		return
	}

	info := &ExitInfo{PID: proc.Pid(), At: s.now().UTC()}
	if r, ok := proc.(ExitReporter); ok {
		if err := r.Err(); err != nil {
			info.Error = err.Error()
		}
		info.Killed = r.Killed()
	}
	s.lastExit.Store(info)

	unlock, _ := s.mu.LockContext(context.Background())
	defer unlock()
	if s.child != proc {
		return
	}
	s.child = nil
	s.childPID.Store(0)
	if s.attempt == nil {
		s.setState(StateUnreachable)
	}
	s.logger.Warn("inference process exited", "pid", info.PID, "error", info.Error, "killed", info.Killed)
}

// probe runs one health check bounded by ProbeTimeout and ctx.
func (s *Supervisor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	defer cancel()

	err := s.prober.Probe(ctx)
	s.lastProbeNano.Store(s.now().UnixNano())
	s.lastProbeOK.Store(err == nil)
	if err != nil {
		svProbes.WithLabelValues("fail").Inc()
		s.logger.Debug("inference probe failed", "error", err)
		return err
	}
	svProbes.WithLabelValues("ok").Inc()
	return nil
}

func (s *Supervisor) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev == next {
		return
	}
	observeState(next)
	s.logger.Info("inference service state changed", "from", prev.String(), "to", next.String())
}

// Run re-probes a ready service every HealthInterval until ctx is done. A
// failed probe moves it to Unreachable. When the service is not ready the
// loop tries to bring it back, subject to the start backoff.
func (s *Supervisor) Run(ctx context.Context) {
	if s.cfg.HealthInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			s.healthCheck(ctx)
		}
	}
}

func (s *Supervisor) healthCheck(ctx context.Context) {
	switch s.State() {
	case StateReady:
		if err := s.probe(ctx); err != nil && ctx.Err() == nil {
			s.markUnreachable(ctx)
		}
	case StateStarting:
		// settle owns this transition
	default:
		s.EnsureReady(ctx, s.cfg.ProbeTimeout+s.cfg.StartGrace+s.cfg.ProbeTimeout)
	}
}

func (s *Supervisor) markUnreachable(ctx context.Context) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return
	}
	defer unlock()
	if s.State() == StateReady {
		s.logger.Warn("inference service stopped answering health checks")
		s.setState(StateUnreachable)
	}
}

// Status returns a snapshot without taking the lock.
func (s *Supervisor) Status() Status {
	st := Status{
		State:         s.State().String(),
		LastProbeOK:   s.lastProbeOK.Load(),
		StartAttempts: s.startAttempts.Load(),
		ChildPID:      int(s.childPID.Load()),
		Managed:       s.launcher != nil,
		LastExit:      s.lastExit.Load(),
	}
	if n := s.lastProbeNano.Load(); n != 0 {
		t := time.Unix(0, n).UTC()
		st.LastProbeAt = &t
	}
	if n := s.lastStartNano.Load(); n != 0 {
		t := time.Unix(0, n).UTC()
		st.LastStartAt = &t
	}
	return st
}

// Close stops the health loop and any pending settle, then stops the child
// process: SIGTERM first, kill after StopTimeout.
func (s *Supervisor) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer cancel()

	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return err
	}
	child := s.child
	s.child = nil
	s.childPID.Store(0)
	unlock()

	if child == nil || exited(child) {
		return nil
	}
	s.logger.Info("stopping inference service", "pid", child.Pid())
	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.cfg.StopTimeout)
	defer stopCancel()
	return child.Stop(stopCtx)
}

func exited(p Process) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}
