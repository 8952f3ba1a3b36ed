package supervisor

import "os"

// handle owns a spawned backend process. It lives in the supervisor's child
// slot and is taken out of the slot exactly once; whoever holds it after the
// take is the only party that may kill the process.
type handle struct {
	proc *os.Process
}

func (h *handle) pid() int { return h.proc.Pid }

func (h *handle) kill() error { return h.proc.Kill() }
