package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Supervisor manages a single backend sidecar process: spawn, port discovery
// via the stdout handshake, and at-most-once termination.
type Supervisor struct {
	log     *zap.SugaredLogger
	command string
	args    []string
	env     []string
	dir     string

	onReady func(port uint16)
	onLine  LineHandler

	readyCh chan uint16

	mut   sync.Mutex
	ports *portRegistry // current run's registry, replaced on each spawn
	child *handle
	runID string
	relay *outputRelay
}

type Option func(s *Supervisor)

// WithArgs sets the arguments passed to the backend executable.
func WithArgs(args ...string) Option {
	return func(s *Supervisor) {
		s.args = args
	}
}

// WithEnv appends the given KEY=VALUE pairs to the backend's environment,
// which otherwise inherits the supervisor's.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.env = env
	}
}

// WithWorkingDir sets the backend's working directory.
func WithWorkingDir(dir string) Option {
	return func(s *Supervisor) {
		s.dir = dir
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

// WithReadyHandler registers a callback invoked once per successful port
// announcement, after the port is stored and the Ready notification issued.
// It runs on the relay goroutine, so Port is guaranteed to return a value at
// least as fresh as the one passed in.
func WithReadyHandler(f func(port uint16)) Option {
	return func(s *Supervisor) {
		s.onReady = f
	}
}

// WithLineHandler registers a callback for every non-announcement output line.
func WithLineHandler(f LineHandler) Option {
	return func(s *Supervisor) {
		s.onLine = f
	}
}

// New constructs a supervisor for the given backend executable.
// Nothing is spawned until Start is called.
func New(command string, opts ...Option) (*Supervisor, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Supervisor{
		log:     logger.Named("supervisor").Sugar(),
		command: command,
		ports:   &portRegistry{},
		readyCh: make(chan uint16, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start spawns the backend with no stdin and piped stdout/stderr, launches
// the output relay, and returns without waiting for the port announcement.
// It returns ErrAlreadyRunning if a previous backend has not been stopped or
// reaped, and a SpawnError if the executable could not be launched, in which
// case no state is modified. Canceling ctx kills the backend through the same
// take-once path as Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.child != nil {
		return ErrAlreadyRunning
	}

	cmd := exec.Command(s.command, s.args...)
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}
	cmd.Dir = s.dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Command: s.command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		// cmd was never started, so exec will not close the stdout pipe.
		stdout.Close()
		return &SpawnError{Command: s.command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &SpawnError{Command: s.command, Err: err}
	}

	runID := uuid.NewString()
	s.runID = runID
	s.child = &handle{proc: cmd.Process}

	relay := s.newRun(runID)
	relay.start(stdout, stderr)

	s.log.Infow("backend started", "run_id", runID, "pid", cmd.Process.Pid)

	go s.reap(ctx, cmd, s.child, relay, runID)

	return nil
}

// newRun installs a fresh port registry as the current run's and builds its
// relay. Each spawn gets its own registry, and the notification closures
// check that their registry is still the current one, so a previous run's
// relay that is still draining its kill-closed pipes can neither publish a
// stale port nor fire a spurious ready notification for the new run.
// Must be called with s.mut held.
func (s *Supervisor) newRun(runID string) *outputRelay {
	ports := &portRegistry{}
	s.ports = ports

	// A ready value buffered from the dead run must not be received as if
	// the new backend had announced it.
	select {
	case <-s.readyCh:
	default:
	}

	notify := func(port uint16) {
		// Checking currency and pushing under s.mut makes the gate atomic
		// with the registry swap in newRun.
		s.mut.Lock()
		defer s.mut.Unlock()
		if s.ports == ports {
			s.pushReady(port)
		}
	}
	announced := func(port uint16) {
		if s.onReady == nil {
			return
		}
		s.mut.Lock()
		ok := s.ports == ports
		s.mut.Unlock()
		// The handler runs outside s.mut so it may query supervisor state.
		if ok {
			s.onReady(port)
		}
	}

	relay := newOutputRelay(s.log.Named("relay").With("run_id", runID), ports, notify, announced, s.onLine)
	s.relay = relay
	return relay
}

// reap waits for the backend to exit and clears the child slot. The process
// table entry is not released until the output streams are drained, so Wait
// runs after the relay finishes.
func (s *Supervisor) reap(ctx context.Context, cmd *exec.Cmd, h *handle, relay *outputRelay, runID string) {
	go func() {
		select {
		case <-ctx.Done():
			if err := s.stopHandle(h); err != nil {
				s.log.Debugf("stopping backend on context cancel: %s", err)
			}
		case <-relay.Done():
		}
	}()

	<-relay.Done()
	err := cmd.Wait()
	if s.release(h) {
		// Backend exited on its own; nobody killed it.
		s.log.Debugf("backend process %d exited without a stop request", h.pid())
	}
	s.log.Infow("backend exited", "run_id", runID, "exit_code", cmd.ProcessState.ExitCode(), "error", err)
}

// release empties the child slot if it still holds h. The handle is never
// re-inserted, which is what makes the kill happen at most once. Comparing
// against h keeps an earlier run's reaper from touching a later run's child.
func (s *Supervisor) release(h *handle) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.child != h {
		return false
	}
	s.child = nil
	return true
}

// stopHandle kills h if it still occupies the child slot. A process that
// exited on its own just before the kill is not a termination failure.
func (s *Supervisor) stopHandle(h *handle) error {
	if !s.release(h) {
		return nil
	}
	s.log.Infof("terminating backend process %d", h.pid())
	if err := h.kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &TerminationError{PID: h.pid(), Err: err}
	}
	return nil
}

// Stop terminates the backend if one is running. With no backend running it
// is a silent no-op, so calling it twice, or racing it against host shutdown,
// kills the process at most once. A kill failure is returned as a
// TerminationError; the handle is considered gone either way.
func (s *Supervisor) Stop() error {
	s.mut.Lock()
	h := s.child
	s.mut.Unlock()
	if h == nil {
		return nil
	}
	return s.stopHandle(h)
}

// Port returns the most recently announced backend port.
// ok is false until the first valid announcement of the current run.
func (s *Supervisor) Port() (port uint16, ok bool) {
	s.mut.Lock()
	ports := s.ports
	s.mut.Unlock()
	return ports.get()
}

// Ready returns a channel receiving one value per successful port
// announcement. The channel has capacity one and the oldest value is dropped
// on overflow, so a late receiver always sees the freshest port.
func (s *Supervisor) Ready() <-chan uint16 {
	return s.readyCh
}

// Running reports whether a backend process is spawned and not yet stopped
// or reaped.
func (s *Supervisor) Running() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.child != nil
}

// RunID returns the ID assigned to the most recent spawn, or "" before the
// first Start.
func (s *Supervisor) RunID() string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.runID
}

// Done returns a channel that is closed once the current run's output streams
// have been drained. Before the first Start it returns a closed channel.
func (s *Supervisor) Done() <-chan struct{} {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.relay == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.relay.Done()
}

// pushReady runs under the announcing run's registry lock and s.mut, making
// the port write and the notification one atomic step for the current run.
func (s *Supervisor) pushReady(port uint16) {
	select {
	case s.readyCh <- port:
	default:
		// Drop the stale value, then retry; a concurrent receiver may have
		// raced us, so the retry is best-effort non-blocking too.
		select {
		case <-s.readyCh:
		default:
		}
		select {
		case s.readyCh <- port:
		default:
		}
	}
}
