package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newTestSupervisor(t *testing.T, script string) *Supervisor {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := New("/bin/sh", WithArgs("-c", script), WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})
	return s
}

func waitReady(t *testing.T, s *Supervisor) uint16 {
	t.Helper()
	select {
	case port := <-s.Ready():
		return port
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for backend-ready notification")
		return 0
	}
}

func TestStartDiscoversPort(t *testing.T) {
	s := newTestSupervisor(t, "echo 'starting up'; echo 'BACKEND_PORT: 4321'; echo listening; sleep 30")

	_, ok := s.Port()
	assert.False(t, ok, "port must be empty before any announcement")

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.Running())
	assert.NotEmpty(t, s.RunID())

	port := waitReady(t, s)
	assert.Equal(t, uint16(4321), port)

	got, ok := s.Port()
	require.True(t, ok)
	assert.Equal(t, uint16(4321), got)
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t, "sleep 30")

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
}

func TestConcurrentStopsKillAtMostOnce(t *testing.T) {
	s := newTestSupervisor(t, "sleep 30")
	require.NoError(t, s.Start(context.Background()))

	// Every racing Stop must succeed: exactly one takes the handle and
	// kills, the rest are no-ops.
	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(s.Stop)
	}
	require.NoError(t, group.Wait())
	assert.False(t, s.Running())
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := newTestSupervisor(t, "true")
	require.NoError(t, s.Stop())
}

func TestSpawnFailure(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	s, err := New("/nonexistent/backend-binary", WithLogger(logger))
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/backend-binary", spawnErr.Command)

	_, ok := s.Port()
	assert.False(t, ok)
	assert.False(t, s.Running())
	require.NoError(t, s.Stop())
}

func TestDoubleStartRejected(t *testing.T) {
	s := newTestSupervisor(t, "sleep 30")

	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestBackendExitClearsChildSlot(t *testing.T) {
	s := newTestSupervisor(t, "echo BACKEND_PORT:4000")

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, uint16(4000), waitReady(t, s))

	require.Eventually(t, func() bool { return !s.Running() }, 10*time.Second, 50*time.Millisecond,
		"child slot must be cleared once the backend is reaped")

	// A fresh Start must be permitted after the exit.
	require.NoError(t, s.Start(context.Background()))
}

func TestPortResetOnRestart(t *testing.T) {
	// The backend announces on its first run only, so the second run can
	// never re-populate the registry behind the test's back.
	marker := filepath.Join(t.TempDir(), "announced")
	script := fmt.Sprintf("if [ -e %q ]; then sleep 30; else touch %q; echo BACKEND_PORT:4000; fi", marker, marker)
	s := newTestSupervisor(t, script)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, uint16(4000), waitReady(t, s))
	require.Eventually(t, func() bool { return !s.Running() }, 10*time.Second, 50*time.Millisecond)

	// The stale port from the previous run must not be visible after the
	// next spawn.
	require.NoError(t, s.Start(context.Background()))
	_, ok := s.Port()
	assert.False(t, ok)
}

func TestStaleRelayCannotTouchNewRun(t *testing.T) {
	s := newTestSupervisor(t, "sleep 30")

	// A relay left over from an earlier spawn, wired exactly as Start wires
	// one. Stop does not wait for the relay, so it can still be draining its
	// kill-closed pipes when the next backend is already up.
	s.mut.Lock()
	stale := s.newRun("earlier-run")
	s.mut.Unlock()

	// The new spawn replaces the current run state.
	require.NoError(t, s.Start(context.Background()))

	// The old relay finally reads a buffered announcement from the dead run.
	stale.start(strings.NewReader("BACKEND_PORT:1111\n"), strings.NewReader(""))
	<-stale.Done()

	_, ok := s.Port()
	assert.False(t, ok, "a dead run's announcement must not set the new run's port")
	select {
	case port := <-s.Ready():
		t.Fatalf("a dead run's announcement delivered ready notification %d", port)
	default:
	}
}

func TestRestartDrainsBufferedReady(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "announced")
	script := fmt.Sprintf("if [ -e %q ]; then sleep 30; else touch %q; echo BACKEND_PORT:4000; fi", marker, marker)
	s := newTestSupervisor(t, script)

	// Let the first run announce without consuming the notification.
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		_, ok := s.Port()
		return ok
	}, 10*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Running() }, 10*time.Second, 50*time.Millisecond)

	// The dead run's buffered notification must not be receivable as the
	// new run's.
	require.NoError(t, s.Start(context.Background()))
	select {
	case port := <-s.Ready():
		t.Fatalf("received stale ready notification %d after restart", port)
	default:
	}
}

func TestContextCancelKillsBackend(t *testing.T) {
	s := newTestSupervisor(t, "echo BACKEND_PORT:4500; sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	waitReady(t, s)

	cancel()
	require.Eventually(t, func() bool { return !s.Running() }, 10*time.Second, 50*time.Millisecond,
		"context cancellation must terminate the backend")
}

func TestReadyHandlerSeesFreshPort(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	got := make(chan uint16, 1)
	var s *Supervisor
	s, err = New("/bin/sh",
		WithArgs("-c", "echo BACKEND_PORT:4777; sleep 30"),
		WithLogger(logger),
		WithReadyHandler(func(port uint16) {
			// The handler runs after the registry write, so Port must
			// already observe the announced value.
			if p, ok := s.Port(); ok && p == port {
				got <- port
			}
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	require.NoError(t, s.Start(context.Background()))
	select {
	case port := <-got:
		assert.Equal(t, uint16(4777), port)
	case <-time.After(10 * time.Second):
		t.Fatal("ready handler was not invoked")
	}
}
