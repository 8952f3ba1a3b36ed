package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/portward/portward/supervisor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Agent exposes a supervisor's start/stop/port surface over a local HTTP API
// so that host applications can drive the backend sidecar without linking the
// supervisor package directly. Relay output and ready notifications are
// streamed to subscribers over the /events WebSocket endpoint.
type Agent struct {
	logger *zap.SugaredLogger

	backendArgs []string
	backendEnv  []string
	backendDir  string

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	autoStart               bool

	sup        *supervisor.Supervisor
	httpServer *http.Server
	events     *hub
	baseCtx    context.Context

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(a *Agent)

// WithBackendArgs sets the arguments passed to the backend executable.
func WithBackendArgs(args ...string) Option {
	return func(a *Agent) {
		a.backendArgs = args
	}
}

// WithBackendEnv appends KEY=VALUE pairs to the backend's environment.
func WithBackendEnv(env ...string) Option {
	return func(a *Agent) {
		a.backendEnv = env
	}
}

// WithBackendDir sets the backend's working directory.
func WithBackendDir(dir string) Option {
	return func(a *Agent) {
		a.backendDir = dir
	}
}

func WithListenAddr(s string) Option {
	return func(a *Agent) {
		a.listenAddr = s
	}
}

// WithAutoStart controls whether Run spawns the backend before serving.
// It is on by default.
func WithAutoStart(b bool) Option {
	return func(a *Agent) {
		a.autoStart = b
	}
}

// WithHeartbeatTimeout enables the heartbeat watchdog: if no /heartbeat
// request arrives within d, the heartbeat failure handler fires. Zero
// disables the watchdog.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *Agent) {
		a.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler sets the action taken on heartbeat timeout.
// The default stops the backend, on the theory that a host that stopped
// heartbeating is gone and its sidecar should not outlive it.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *Agent) {
		a.heartbeatFailureHandler = f
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		a.logger = l.Named("agent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Agent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs an agent supervising the given backend executable.
func New(backend string, opts ...Option) (*Agent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &Agent{
		logger:     logger.Named("agent").Sugar(),
		listenAddr: "127.0.0.1:7077",
		autoStart:  true,
		events:     newHub(),
		baseCtx:    context.Background(),
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.heartbeatFailureHandler == nil {
		a.heartbeatFailureHandler = a.stopBackendOnHeartbeatFailure
	}

	sup, err := supervisor.New(backend,
		supervisor.WithArgs(a.backendArgs...),
		supervisor.WithEnv(a.backendEnv...),
		supervisor.WithWorkingDir(a.backendDir),
		supervisor.WithLogger(a.logger.Desugar()),
		supervisor.WithReadyHandler(a.publishReady),
		supervisor.WithLineHandler(a.publishLine),
	)
	if err != nil {
		return nil, fmt.Errorf("building supervisor: %w", err)
	}
	a.sup = sup
	return a, nil
}

// Supervisor returns the underlying supervisor, for hosts that want direct
// access alongside the HTTP surface.
func (a *Agent) Supervisor() *supervisor.Supervisor {
	return a.sup
}

// Run starts the backend (unless auto-start is disabled) and serves the HTTP
// API until Stop is called. Canceling ctx kills the backend.
func (a *Agent) Run(ctx context.Context) error {
	a.baseCtx = ctx
	a.startHeartbeatCheck()
	if a.autoStart {
		if err := a.sup.Start(ctx); err != nil {
			return fmt.Errorf("starting backend: %w", err)
		}
	}
	return a.runHTTPServer()
}

// Stop terminates the backend and closes the HTTP server. The backend kill
// happens synchronously and at most once, so Stop is safe to call from a
// shutdown hook regardless of what else is going on.
func (a *Agent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	stopErr := a.sup.Stop()
	var closeErr error
	if a.httpServer != nil {
		closeErr = a.httpServer.Close()
	}
	if stopErr != nil {
		return stopErr
	}
	return closeErr
}

func (a *Agent) stopBackendOnHeartbeatFailure() {
	a.logger.Warn("heartbeat timeout, stopping backend")
	if err := a.sup.Stop(); err != nil {
		a.logger.Errorf("stopping backend after heartbeat failure: %s", err)
	}
}

// startHeartbeatCheck starts a goroutine that fires the heartbeat failure
// handler when no heartbeat arrives within the timeout. Disabled when the
// timeout is zero.
func (a *Agent) startHeartbeatCheck() {
	if a.heartbeatTimeout == 0 {
		return
	}
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.heartbeatFailureHandler()
			}
		}
	}()
}

func (a *Agent) runHTTPServer() error {
	listener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/port", a.port)
	router.GET("/status", a.status)
	router.POST("/start", a.startBackend)
	router.POST("/stop", a.stopBackend)
	router.GET("/events", a.eventsWS)

	server := http.Server{Handler: router}
	a.httpServer = &server

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *Agent) publishReady(port uint16) {
	a.events.publish(Event{Kind: EventReady, RunID: a.sup.RunID(), Port: port})
}

func (a *Agent) publishLine(stream, line string) {
	kind := EventStdout
	if stream == "stderr" {
		kind = EventStderr
	}
	a.events.publish(Event{Kind: kind, RunID: a.sup.RunID(), Line: line})
}

func (a *Agent) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// StartResponse is returned by POST /start.
type StartResponse struct {
	RunID string
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Running bool
	RunID   string  `json:",omitempty"`
	Port    *uint16 `json:",omitempty"`
}

// PortResponse is returned by GET /port once the backend has announced.
type PortResponse struct {
	Port uint16
}

func (a *Agent) startBackend(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := a.sup.Start(a.baseCtx)
	if errors.Is(err, supervisor.ErrAlreadyRunning) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.writeJSON(w, StartResponse{RunID: a.sup.RunID()})
}

func (a *Agent) stopBackend(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if err := a.sup.Stop(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Agent) port(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	port, ok := a.sup.Port()
	if !ok {
		http.Error(w, "backend port not yet announced", http.StatusNotFound)
		return
	}
	a.writeJSON(w, PortResponse{Port: port})
}

func (a *Agent) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := StatusResponse{
		Running: a.sup.Running(),
		RunID:   a.sup.RunID(),
	}
	if port, ok := a.sup.Port(); ok {
		resp.Port = &port
	}
	a.writeJSON(w, resp)
}

func (a *Agent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	a.writeJSON(w, response)
}

func (a *Agent) eventsWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	// Subscribe before completing the handshake so a client that dials and
	// then immediately starts the backend cannot miss the first events.
	ch := a.events.subscribe()
	defer a.events.unsubscribe(ch)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	a.logger.Debug("accepted events WebSocket conn")

	ctx := r.Context()

	// Replay the current port so late subscribers still learn it.
	if port, ok := a.sup.Port(); ok {
		ev := Event{Kind: EventReady, RunID: a.sup.RunID(), Port: port}
		if err := wsjson.Write(ctx, wsConn, ev); err != nil {
			a.logger.Debugf("events replay write error: %s", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			wsConn.Close(websocket.StatusNormalClosure, "")
			return
		case <-a.closed:
			wsConn.Close(websocket.StatusGoingAway, "agent stopping")
			return
		case ev := <-ch:
			if err := wsjson.Write(ctx, wsConn, ev); err != nil {
				a.logger.Debugf("events write error: %s", err)
				return
			}
		}
	}
}
