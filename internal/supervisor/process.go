package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Process is a running guest.
type Process interface {
	// PID returns the operating-system process id.
	PID() int

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// ExitCode is valid after Done is closed. A process killed by a signal
	// reports -1.
	ExitCode() int

	// Terminate asks the process to stop, waits up to grace, then kills it.
	// It returns once the process has exited.
	Terminate(grace time.Duration) error
}

// Spawner starts guest processes.
type Spawner interface {
	Spawn(path string, args []string) (Process, error)
}

// ExecSpawner starts guests with os/exec.
type ExecSpawner struct {
	// Dir is the working directory; empty uses the host's.
	Dir string

	// LogPath receives the guest's stdout and stderr (appended). Empty
	// discards them.
	LogPath string

	// Env is appended to the host environment.
	Env []string
}

// Spawn starts path with args and begins reaping it in the background.
func (s *ExecSpawner) Spawn(path string, args []string) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = s.Dir
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}

	var logFile *os.File
	if s.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.LogPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating guest log directory: %w", err)
		}
		f, err := os.OpenFile(s.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening guest log %s: %w", s.LogPath, err)
		}
		logFile = f
		cmd.Stdout = f
		cmd.Stderr = f
	} else {
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, fmt.Errorf("starting guest %s: %w", path, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		p.mu.Lock()
		p.exitCode = exitCodeOf(cmd, err)
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *execProcess) PID() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *execProcess) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signaling guest pid=%d: %w", p.PID(), err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing guest pid=%d: %w", p.PID(), err)
	}
	<-p.done
	return nil
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
