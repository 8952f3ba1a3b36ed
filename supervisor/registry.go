package supervisor

import "sync"

// portRegistry holds the most recently announced backend port.
// announce runs the notify callback under the same lock as the write, so
// anyone woken by a ready notification observes a port at least as fresh as
// the one it was notified with.
type portRegistry struct {
	mut  sync.Mutex
	port uint16
	set  bool
}

func (r *portRegistry) get() (uint16, bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.port, r.set
}

func (r *portRegistry) announce(port uint16, notify func(port uint16)) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.port = port
	r.set = true
	if notify != nil {
		notify(port)
	}
}

func (r *portRegistry) clear() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.port = 0
	r.set = false
}
