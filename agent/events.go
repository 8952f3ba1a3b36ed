package agent

import "sync"

// Event kinds sent on the /events WebSocket stream.
const (
	EventReady  = "ready"
	EventStdout = "stdout"
	EventStderr = "stderr"
)

// Event is a message on the /events stream. Port is set for ready events,
// Line for stdout/stderr events. RunID identifies the backend spawn the
// event belongs to.
type Event struct {
	Kind  string
	RunID string
	Port  uint16 `json:",omitempty"`
	Line  string `json:",omitempty"`
}

// hub fans supervisor events out to the connected /events subscribers.
// Publishing never blocks: a subscriber that cannot keep up loses events
// rather than stalling the output relay.
type hub struct {
	mut  sync.Mutex
	subs map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: map[chan Event]struct{}{}}
}

func (h *hub) subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mut.Lock()
	defer h.mut.Unlock()
	h.subs[ch] = struct{}{}
	return ch
}

func (h *hub) unsubscribe(ch chan Event) {
	h.mut.Lock()
	defer h.mut.Unlock()
	delete(h.subs, ch)
}

func (h *hub) publish(ev Event) {
	h.mut.Lock()
	defer h.mut.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
