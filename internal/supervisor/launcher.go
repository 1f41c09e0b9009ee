package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
)

// maxLogLine bounds one relayed output line. Longer lines are dropped, but
// the pipe keeps draining so the child never blocks on its stdout.
const maxLogLine = 1 << 20

// Process is a handle on a launched inference process.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Stop asks the process to terminate and kills it if it is still
	// running when ctx ends.
	Stop(ctx context.Context) error
}

// ExitReporter is implemented by processes that can say how they ended.
// Both methods are meaningful once Done is closed.
type ExitReporter interface {
	Err() error
	Killed() bool
}

// Launcher starts the local inference process.
type Launcher interface {
	Start(ctx context.Context) (Process, error)
}

// ExecLauncher runs the inference service as a child process and re-logs
// its combined output line by line.
type ExecLauncher struct {
	Command []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

// Start spawns the command. The child is not bound to ctx: it outlives the
// request that triggered it.
func (l *ExecLauncher) Start(_ context.Context) (Process, error) {
	if len(l.Command) == 0 {
		return nil, errors.New("supervisor: empty start command")
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(l.Command[0], l.Command[1:]...) //nolint:gosec // operator-configured command
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start inference process: %w", err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	childLog := logger.With("component", "inference", "pid", cmd.Process.Pid)

	go relayOutput(pr, childLog)

	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		p.err = err
		close(p.done)
		if err != nil {
			childLog.Warn("inference process exited", "error", err, "killed", p.killed.Load())
		} else {
			childLog.Info("inference process exited")
		}
	}()

	return p, nil
}

// relayOutput logs r line by line until EOF. After a read error, such as a
// line over maxLogLine, it discards the rest of r.
func relayOutput(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLogLine)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("inference output no longer relayed", "error", err)
	}
	_, _ = io.Copy(io.Discard, r)
}

type execProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	killed atomic.Bool
	err    error // set before done is closed
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

// Err returns the wait error of an exited process, nil for a clean exit or
// a process still running.
func (p *execProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Killed reports whether Stop had to kill the process.
func (p *execProcess) Killed() bool { return p.killed.Load() }

// Stop sends SIGTERM, then kills the process if it has not exited by the
// time ctx ends.
func (p *execProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.killed.Store(true)
		return p.cmd.Process.Kill()
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.killed.Store(true)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		<-p.done
		return nil
	}
}
