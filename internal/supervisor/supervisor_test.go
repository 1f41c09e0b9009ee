package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProber answers according to healthy; when hang is set it blocks until
// the probe context ends.
type fakeProber struct {
	healthy atomic.Bool
	hang    atomic.Bool
	calls   atomic.Int64
}

func (p *fakeProber) Probe(ctx context.Context) error {
	p.calls.Add(1)
	if p.hang.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.healthy.Load() {
		return nil
	}
	return errors.New("connection refused")
}

type fakeProcess struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
	exitErr error // set before exit
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) exit()                 { p.once.Do(func() { close(p.done) }) }
func (p *fakeProcess) Err() error            { return p.exitErr }
func (p *fakeProcess) Killed() bool          { return false }
func (p *fakeProcess) Stop(ctx context.Context) error {
	p.stopped.Store(true)
	p.exit()
	return nil
}

// fakeLauncher counts spawns and optionally marks the prober healthy.
type fakeLauncher struct {
	prober     *fakeProber
	makeHealth bool
	fail       bool

	mu     sync.Mutex
	spawns int
	procs  []*fakeProcess
}

func (l *fakeLauncher) Start(context.Context) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spawns++
	if l.fail {
		return nil, errors.New("exec: not found")
	}
	if l.makeHealth {
		l.prober.healthy.Store(true)
	}
	p := newFakeProcess(1000 + l.spawns)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) Spawns() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spawns
}

func (l *fakeLauncher) Last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

func testConfig() Config {
	return Config{
		ProbeTimeout:   100 * time.Millisecond,
		StartGrace:     30 * time.Millisecond,
		StartBackoff:   time.Hour,
		StopTimeout:    200 * time.Millisecond,
		HealthInterval: 0,
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(p *fakeProber, l Launcher, cfg Config) *Supervisor {
	opts := []Option{WithConfig(cfg), WithLogger(quietLogger())}
	if l != nil {
		opts = append(opts, WithLauncher(l))
	}
	return New(p, opts...)
}

func TestEnsureReady_AlreadyHealthy(t *testing.T) {
	p := &fakeProber{}
	p.healthy.Store(true)
	l := &fakeLauncher{prober: p}
	s := newTestSupervisor(p, l, testConfig())

	assert.Equal(t, StateUnknown, s.State())
	assert.True(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 0, l.Spawns())

	// Fast path: no further probe.
	calls := p.calls.Load()
	assert.True(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, calls, p.calls.Load())
}

func TestEnsureReady_StartsService(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p, makeHealth: true}
	s := newTestSupervisor(p, l, testConfig())

	assert.True(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, 1, l.Spawns())

	st := s.Status()
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, int64(1), st.StartAttempts)
	assert.Equal(t, 1001, st.ChildPID)
	assert.NotNil(t, st.LastStartAt)
	assert.NotNil(t, st.LastProbeAt)
	assert.True(t, st.LastProbeOK)
	assert.True(t, st.Managed)
}

func TestEnsureReady_ConcurrentCallersSpawnOnce(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p, makeHealth: true}
	s := newTestSupervisor(p, l, testConfig())

	const callers = 25
	var wg sync.WaitGroup
	results := make([]bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.EnsureReady(context.Background(), 2*time.Second)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, l.Spawns())
	for i, ok := range results {
		assert.True(t, ok, "caller %d", i)
	}
}

func TestEnsureReady_ConcurrentCallersServiceStaysDown(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p}
	s := newTestSupervisor(p, l, testConfig())

	const callers = 25
	var wg sync.WaitGroup
	var readyCount atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.EnsureReady(context.Background(), 2*time.Second) {
				readyCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, l.Spawns())
	assert.Equal(t, int64(0), readyCount.Load())
	assert.Equal(t, StateUnreachable, s.State())
}

func TestEnsureReady_BackoffSuppressesRestart(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p}
	cfg := testConfig()
	cfg.StartBackoff = 200 * time.Millisecond
	s := newTestSupervisor(p, l, cfg)

	assert.False(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, 1, l.Spawns())

	// Inside the backoff window: probe only.
	assert.False(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, 1, l.Spawns())
	assert.Equal(t, StateUnreachable, s.State())

	time.Sleep(cfg.StartBackoff)
	// The child is a fake that never exits, so the second attempt reuses it.
	assert.False(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, 1, l.Spawns())
	assert.Equal(t, int64(2), s.Status().StartAttempts)

	// Once the child is gone a new one is spawned.
	l.Last().exit()
	require.Eventually(t, func() bool { return s.Status().ChildPID == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(cfg.StartBackoff)
	s.EnsureReady(context.Background(), time.Second)
	assert.Equal(t, 2, l.Spawns())
}

func TestEnsureReady_CallerDeadlineBoundsWait(t *testing.T) {
	p := &fakeProber{}
	p.hang.Store(true)
	l := &fakeLauncher{prober: p}
	cfg := testConfig()
	cfg.ProbeTimeout = 300 * time.Millisecond
	cfg.StartGrace = 300 * time.Millisecond
	s := newTestSupervisor(p, l, cfg)

	start := time.Now()
	ok := s.EnsureReady(context.Background(), 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.False(t, ok)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.NotEqual(t, StateReady, s.State())
}

func TestEnsureReady_CancelledDuringStartLeavesTerminalState(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p}
	cfg := testConfig()
	cfg.StartGrace = 100 * time.Millisecond
	s := newTestSupervisor(p, l, cfg)

	// Long enough to probe and start, too short to see the settle result.
	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	assert.False(t, s.EnsureReady(ctx, 0))
	assert.Equal(t, 1, l.Spawns())

	require.Eventually(t, func() bool {
		return s.State() == StateUnreachable
	}, 2*time.Second, 5*time.Millisecond)

	// Lock was released: a fresh caller gets an answer promptly.
	p.healthy.Store(true)
	assert.True(t, s.EnsureReady(context.Background(), time.Second))
}

func TestEnsureReady_LateArrivalJoinsAttempt(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p}
	cfg := testConfig()
	cfg.StartGrace = 100 * time.Millisecond
	s := newTestSupervisor(p, l, cfg)

	done := make(chan bool, 1)
	go func() { done <- s.EnsureReady(context.Background(), time.Second) }()

	require.Eventually(t, func() bool { return s.State() == StateStarting }, time.Second, time.Millisecond)
	// Service comes up during the grace period.
	p.healthy.Store(true)
	assert.True(t, s.EnsureReady(context.Background(), time.Second))
	assert.True(t, <-done)
	assert.Equal(t, 1, l.Spawns())
}

func TestChildExitFlipsUnreachable(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p, makeHealth: true}
	cfg := testConfig()
	cfg.StartBackoff = 0
	s := newTestSupervisor(p, l, cfg)

	require.True(t, s.EnsureReady(context.Background(), time.Second))

	p.healthy.Store(false)
	child := l.Last()
	child.exitErr = errors.New("exit status 1")
	child.exit()
	require.Eventually(t, func() bool { return s.State() == StateUnreachable }, time.Second, 5*time.Millisecond)

	st := s.Status()
	require.NotNil(t, st.LastExit)
	assert.Equal(t, child.Pid(), st.LastExit.PID)
	assert.Equal(t, "exit status 1", st.LastExit.Error)
	assert.False(t, st.LastExit.Killed)
	assert.Zero(t, st.ChildPID)

	// Next call restarts.
	assert.True(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, 2, l.Spawns())
}

func TestEnsureReady_LaunchFailure(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p, fail: true}
	s := newTestSupervisor(p, l, testConfig())

	assert.False(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, StateUnreachable, s.State())
	assert.Equal(t, 1, l.Spawns())
}

func TestEnsureReady_ExternallyManaged(t *testing.T) {
	p := &fakeProber{}
	s := newTestSupervisor(p, nil, testConfig())

	assert.False(t, s.EnsureReady(context.Background(), time.Second))
	assert.Equal(t, StateUnreachable, s.State())
	assert.False(t, s.Status().Managed)

	p.healthy.Store(true)
	assert.True(t, s.EnsureReady(context.Background(), time.Second))
}

func TestRun_HealthLoopDetectsHungService(t *testing.T) {
	p := &fakeProber{}
	p.healthy.Store(true)
	cfg := testConfig()
	cfg.HealthInterval = 20 * time.Millisecond
	s := newTestSupervisor(p, nil, cfg)

	require.True(t, s.EnsureReady(context.Background(), time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	p.healthy.Store(false)
	require.Eventually(t, func() bool { return s.State() == StateUnreachable }, time.Second, 5*time.Millisecond)

	// And recovers once the service answers again.
	p.healthy.Store(true)
	require.Eventually(t, func() bool { return s.State() == StateReady }, time.Second, 5*time.Millisecond)
}

func TestClose_StopsChild(t *testing.T) {
	p := &fakeProber{}
	l := &fakeLauncher{prober: p, makeHealth: true}
	s := newTestSupervisor(p, l, testConfig())

	require.True(t, s.EnsureReady(context.Background(), time.Second))
	proc := l.Last()

	require.NoError(t, s.Close())
	assert.True(t, proc.stopped.Load())
	assert.Equal(t, 0, s.Status().ChildPID)

	// Idempotent.
	require.NoError(t, s.Close())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unknown", StateUnknown.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "unreachable", StateUnreachable.String())
	assert.Equal(t, "invalid", State(42).String())
}
