package client

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/server"
	"github.com/loykin/papa/internal/supervisor"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// startDaemon runs a supervisor and control server on a temporary socket.
func startDaemon(t *testing.T, specs ...process.Spec) (string, *supervisor.Supervisor) {
	t.Helper()
	dir, err := os.MkdirTemp("", "papa")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "c.sock")

	sup := supervisor.New(supervisor.Options{Logger: quiet(), ShutdownGrace: 2 * time.Second})
	for _, s := range specs {
		require.NoError(t, sup.Register(s))
	}
	srv := server.New(sup, server.Config{Socket: sock}, quiet())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	serveDone := make(chan struct{})
	go func() { _ = sup.Run(ctx); close(runDone) }()
	go func() { _ = srv.Serve(ctx); close(serveDone) }()
	t.Cleanup(func() {
		cancel()
		<-serveDone
		<-runDone
	})
	return sock, sup
}

func dial(t *testing.T, sock string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{Socket: sock, Timeout: 10 * time.Second, Logger: quiet()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func talker(name string) process.Spec {
	return process.Spec{
		Name:         name,
		Command:      "sh -c 'while true; do echo hi; sleep 0.05; done'",
		StartSeconds: 50 * time.Millisecond,
		StopGrace:    time.Second,
	}
}

func TestDialFailure(t *testing.T) {
	_, err := Dial(context.Background(), Config{Socket: filepath.Join(t.TempDir(), "none.sock")})
	assert.Error(t, err)
	assert.False(t, IsReachable(context.Background(), Config{Socket: filepath.Join(t.TempDir(), "none.sock")}))
}

func TestLifecycle(t *testing.T) {
	sock, _ := startDaemon(t, talker("web"))
	c := dial(t, sock)
	ctx := context.Background()

	assert.True(t, IsReachable(ctx, Config{Socket: sock, Logger: quiet()}))
	ping, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ping.Processes)

	require.NoError(t, c.Start(ctx, "web", true))
	st, err := c.Status(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", st.State)
	assert.Greater(t, st.PID, 0)

	err = c.Start(ctx, "web", false)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, c.Restart(ctx, "web", true))
	st2, err := c.Status(ctx, "web")
	require.NoError(t, err)
	assert.NotEqual(t, st.PID, st2.PID)

	require.Eventually(t, func() bool {
		b, err := c.Tail(ctx, "web", "stdout", 3)
		return err == nil && string(b) == "hi\n"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, c.Stop(ctx, "web", true))
	require.NoError(t, c.Stop(ctx, "web", true))
	require.NoError(t, c.Remove(ctx, "web"))

	all, err := c.StatusAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = c.Status(ctx, "web")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Status(ctx, "")
	assert.Error(t, err)
}

func TestAddAndSubscribe(t *testing.T) {
	sock, _ := startDaemon(t)
	c := dial(t, sock)
	ctx := context.Background()

	spec := Spec{
		Name:         "added",
		Command:      "sh -c 'while true; do echo out; echo err >&2; sleep 0.05; done'",
		StartSeconds: Duration(50 * time.Millisecond),
		StopGrace:    Duration(time.Second),
	}
	require.NoError(t, c.Add(ctx, spec))
	assert.ErrorIs(t, c.Add(ctx, spec), ErrInvalidState)

	sub, err := c.Subscribe(ctx, "added", "stderr")
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx, "added", false))

	select {
	case f, ok := <-sub.C:
		require.True(t, ok)
		assert.Equal(t, "added", f.Name)
		assert.Equal(t, "stderr", f.Stream)
		assert.Contains(t, string(f.Data), "err")
		assert.False(t, f.EOF)
	case <-time.After(5 * time.Second):
		t.Fatalf("no frame received")
	}

	require.NoError(t, sub.Close(ctx))
	for range sub.C {
	}
	assert.ErrorIs(t, c.Unsubscribe(ctx, sub.ID), ErrNotFound)
}

func TestSubscriptionEndsWithEOF(t *testing.T) {
	sock, _ := startDaemon(t, talker("web"))
	c := dial(t, sock)
	ctx := context.Background()

	sub, err := c.Subscribe(ctx, "web", "stdout")
	require.NoError(t, err)
	require.NoError(t, c.Remove(ctx, "web"))

	var last Frame
	for f := range sub.C {
		last = f
	}
	assert.True(t, last.EOF)
}

func TestShutdownEndsConnection(t *testing.T) {
	sock, sup := startDaemon(t, talker("web"))
	c := dial(t, sock)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx, "web", true))
	require.NoError(t, c.Shutdown(ctx))

	select {
	case <-sup.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("daemon did not stop")
	}
	_, err := c.Ping(ctx)
	assert.Error(t, err)
}

func TestCallAfterClose(t *testing.T) {
	sock, _ := startDaemon(t)
	c, err := Dial(context.Background(), Config{Socket: sock, Logger: quiet()})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, err = c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWaitedStopOutlivesCallTimeout(t *testing.T) {
	stubborn := process.Spec{
		Name:         "stubborn",
		Command:      "/bin/sh",
		Args:         []string{"-c", "trap '' TERM; while true; do sleep 0.05; done"},
		StartSeconds: 50 * time.Millisecond,
		StopGrace:    time.Second,
	}
	sock, _ := startDaemon(t, stubborn)
	c, err := Dial(context.Background(), Config{Socket: sock, Timeout: 300 * time.Millisecond, Logger: quiet()})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Start(context.Background(), "stubborn", true))
	begin := time.Now()
	require.NoError(t, c.Stop(context.Background(), "stubborn", true))
	assert.GreaterOrEqual(t, time.Since(begin), time.Second)

	st, err := c.Status(context.Background(), "stubborn")
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", st.State)
}

func TestWaitTimeoutBoundsWaitedCalls(t *testing.T) {
	stubborn := process.Spec{
		Name:         "stubborn",
		Command:      "/bin/sh",
		Args:         []string{"-c", "trap '' TERM; while true; do sleep 0.05; done"},
		StartSeconds: 50 * time.Millisecond,
		StopGrace:    2 * time.Second,
	}
	sock, _ := startDaemon(t, stubborn)
	c, err := Dial(context.Background(), Config{Socket: sock, WaitTimeout: 200 * time.Millisecond, Logger: quiet()})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Start(context.Background(), "stubborn", true))
	err = c.Stop(context.Background(), "stubborn", true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
