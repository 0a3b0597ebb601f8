// Package supervisor keeps the guest emulator running: it spawns it once,
// notices when it exits, and respawns it after an exponential backoff.
//
// The supervisor never blocks the host loop. Tick is called once per
// iteration and only inspects state; the backoff is a deadline, not a sleep.
package supervisor

import (
	"fmt"
	"time"

	"github.com/1ureka/rpibridge/internal/clock"
)

// TerminateGrace is how long Stop waits after SIGTERM before killing.
const TerminateGrace = 3 * time.Second

// State is the supervisor's view of the guest.
type State int

const (
	// Stopped: no guest process and no restart pending.
	Stopped State = iota
	// Running: a guest process is alive.
	Running
	// Backoff: the guest exited and a restart is scheduled.
	Backoff
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Backoff:
		return "backoff"
	}
	return "unknown"
}

// EventKind classifies what a Tick observed.
type EventKind int

const (
	EventNone EventKind = iota
	EventExited
	EventRestarted
	EventSpawnFailed
)

// Event reports a state transition.
type Event struct {
	Kind     EventKind
	PID      int
	ExitCode int
	Delay    time.Duration // restart delay scheduled after EventExited
	Err      error
}

// Options configures a Supervisor.
type Options struct {
	Path           string
	Args           []string
	Spawner        Spawner
	Clock          clock.Clock
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Logf receives one line per lifecycle event. Nil discards them.
	Logf func(format string, args ...any)
}

// Supervisor owns one guest process at a time. It is driven from a single
// goroutine and is not safe for concurrent use.
type Supervisor struct {
	path    string
	args    []string
	spawner Spawner
	clock   clock.Clock
	backoff *backoffPolicy
	logf    func(format string, args ...any)

	state     State
	proc      Process
	restartAt time.Time
	restarts  int
}

// New returns a stopped supervisor.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		path:    opts.Path,
		args:    append([]string(nil), opts.Args...),
		spawner: opts.Spawner,
		clock:   opts.Clock,
		backoff: newBackoffPolicy(opts.BackoffInitial, opts.BackoffMax),
		logf:    opts.Logf,
	}
	if s.spawner == nil {
		s.spawner = &ExecSpawner{}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logf == nil {
		s.logf = func(string, ...any) {}
	}
	return s
}

// State returns the current state.
func (s *Supervisor) State() State { return s.state }

// PID returns the running guest's pid, or 0.
func (s *Supervisor) PID() int {
	if s.state != Running || s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// Restarts returns how many times the guest was respawned.
func (s *Supervisor) Restarts() int { return s.restarts }

// Start spawns the guest for the first time. On failure the supervisor stays
// Stopped and the error is returned.
func (s *Supervisor) Start() error {
	s.logf("Launching guest: %s", s.path)
	proc, err := s.spawner.Spawn(s.path, s.args)
	if err != nil {
		s.state = Stopped
		s.logf("Guest launch failed: %v", err)
		return fmt.Errorf("launching guest: %w", err)
	}
	s.proc = proc
	s.state = Running
	s.logf("Guest started pid=%d", proc.PID())
	return nil
}

// Tick advances the state machine without blocking.
func (s *Supervisor) Tick() Event {
	switch s.state {
	case Running:
		select {
		case <-s.proc.Done():
		default:
			return Event{}
		}
		code := s.proc.ExitCode()
		pid := s.proc.PID()
		s.proc = nil
		delay := s.backoff.Next()
		s.restartAt = s.clock.Now().Add(delay)
		s.state = Backoff
		s.logf("Guest exited with code %d", code)
		return Event{Kind: EventExited, PID: pid, ExitCode: code, Delay: delay}

	case Backoff:
		if s.clock.Now().Before(s.restartAt) {
			return Event{}
		}
		proc, err := s.spawner.Spawn(s.path, s.args)
		if err != nil {
			s.state = Stopped
			s.logf("Guest restart failed: %v", err)
			return Event{Kind: EventSpawnFailed, Err: err}
		}
		s.proc = proc
		s.state = Running
		s.restarts++
		s.logf("Guest restarted pid=%d", proc.PID())
		return Event{Kind: EventRestarted, PID: proc.PID()}
	}
	return Event{}
}

// Stop terminates a running guest (SIGTERM, then SIGKILL after
// TerminateGrace) and cancels any pending restart.
func (s *Supervisor) Stop() error {
	defer func() {
		s.state = Stopped
		s.proc = nil
	}()
	if s.state != Running || s.proc == nil {
		return nil
	}
	pid := s.proc.PID()
	if err := s.proc.Terminate(TerminateGrace); err != nil {
		return err
	}
	s.logf("Guest stopped pid=%d", pid)
	return nil
}
