package supervisor

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// PortPrefix is the literal marker the backend prints on stdout to announce
// the port it bound. The rest of the line is parsed as a base-10 uint16.
const PortPrefix = "BACKEND_PORT:"

// LineHandler receives every non-announcement output line from the backend.
// stream is "stdout" or "stderr". Handlers must not block; they run on the
// relay goroutines.
type LineHandler func(stream, line string)

// outputRelay consumes the backend's stdout and stderr streams line by line.
// Stdout lines matching the announcement shape update the registry and fire
// the ready notification; everything else is forwarded to the log sink and
// the optional line handler. The relay ends on its own when both streams
// close, i.e. when the backend exits.
type outputRelay struct {
	log   *zap.SugaredLogger
	ports *portRegistry
	// notify issues the ready notification; it runs under the registry lock
	// so that the port write and the notification are a single atomic step.
	notify func(port uint16)
	// announced runs after the registry lock is released, for handlers that
	// may themselves read supervisor state.
	announced func(port uint16)
	lines     LineHandler

	wg   sync.WaitGroup
	done chan struct{}
}

func newOutputRelay(log *zap.SugaredLogger, ports *portRegistry, notify, announced func(uint16), lines LineHandler) *outputRelay {
	return &outputRelay{
		log:       log,
		ports:     ports,
		notify:    notify,
		announced: announced,
		lines:     lines,
		done:      make(chan struct{}),
	}
}

func (r *outputRelay) start(stdout, stderr io.Reader) {
	r.wg.Add(2)
	go r.scanStdout(stdout)
	go r.scanStderr(stderr)
	go func() {
		r.wg.Wait()
		close(r.done)
	}()
}

// Done is closed once both output streams have been read to completion.
// No state is mutated after that point.
func (r *outputRelay) Done() <-chan struct{} { return r.done }

func (r *outputRelay) scanStdout(stdout io.Reader) {
	defer r.wg.Done()
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.ToValidUTF8(scanner.Text(), "�")
		port, ok := parseAnnouncement(line)
		if !ok {
			r.log.Infof("[backend stdout]: %s", line)
			r.forward("stdout", line)
			continue
		}
		r.ports.announce(port, r.notify)
		if r.announced != nil {
			r.announced(port)
		}
		r.log.Infof("backend ready on port %d", port)
	}
	if err := scanner.Err(); err != nil {
		r.log.Debugf("stdout scanner error: %s", err)
	}
}

func (r *outputRelay) scanStderr(stderr io.Reader) {
	defer r.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.ToValidUTF8(scanner.Text(), "�")
		r.log.Warnf("[backend stderr]: %s", line)
		r.forward("stderr", line)
	}
	if err := scanner.Err(); err != nil {
		r.log.Debugf("stderr scanner error: %s", err)
	}
}

func (r *outputRelay) forward(stream, line string) {
	if r.lines != nil {
		r.lines(stream, line)
	}
}

// parseAnnouncement classifies a stdout line. A line with the prefix but a
// malformed number is not an error; the caller logs it verbatim and moves on.
func parseAnnouncement(line string) (uint16, bool) {
	if !strings.HasPrefix(line, PortPrefix) {
		return 0, false
	}
	port, err := strconv.ParseUint(strings.TrimSpace(line[len(PortPrefix):]), 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(port), true
}
