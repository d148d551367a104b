package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/papa"
	"github.com/loykin/papa/pkg/client"
)

// startDaemon runs an in-process daemon on a temporary socket.
func startDaemon(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "papa")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "d.sock")

	d, err := papa.New(papa.Options{
		Socket:        sock,
		ShutdownGrace: 2 * time.Second,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = d.Shutdown()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop")
		}
	})
	require.Eventually(t, func() bool {
		return client.IsReachable(context.Background(), client.Config{Socket: sock})
	}, 5*time.Second, 20*time.Millisecond)
	return sock
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBuildRoot(t *testing.T) {
	root := buildRoot()
	want := []string{"serve", "ping", "start", "stop", "restart", "status", "tail", "follow", "add", "remove", "shutdown"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	for _, flag := range []string{"config", "socket", "timeout", "wait-timeout"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestControlContextUsesWaitTimeout(t *testing.T) {
	global := &GlobalFlags{Timeout: time.Second, WaitTimeout: time.Hour}
	cmd := &cobra.Command{}

	ctx, cancel := controlContext(cmd, global, false)
	deadline, ok := ctx.Deadline()
	cancel()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)

	ctx, cancel = controlContext(cmd, global, true)
	deadline, ok = ctx.Deadline()
	cancel()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), deadline, 500*time.Millisecond)
}

func TestControlCommands(t *testing.T) {
	sock := startDaemon(t)

	out, err := run(t, "--socket", sock, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "0 processes")

	out, err = run(t, "--socket", sock, "add",
		"--name", "echoer", "--command", "/bin/sh",
		"--args", "-c", "--args", "echo ready; sleep 30",
		"--startsecs", "50ms", "--stop-grace", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, "echoer added")

	out, err = run(t, "--socket", sock, "start", "echoer", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "echoer started")

	out, err = run(t, "--socket", sock, "status", "echoer", "--json")
	require.NoError(t, err)
	var st client.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "RUNNING", st.State)
	assert.Positive(t, st.PID)

	out, err = run(t, "--socket", sock, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "echoer")
	assert.Contains(t, out, "RUNNING")

	require.Eventually(t, func() bool {
		out, err := run(t, "--socket", sock, "tail", "echoer")
		return err == nil && out == "ready\n"
	}, 3*time.Second, 20*time.Millisecond)

	out, err = run(t, "--socket", sock, "stop", "echoer", "--wait")
	require.NoError(t, err)
	assert.Contains(t, out, "echoer stopped")

	out, err = run(t, "--socket", sock, "remove", "echoer")
	require.NoError(t, err)
	assert.Contains(t, out, "echoer removed")

	_, err = run(t, "--socket", sock, "status", "echoer")
	assert.ErrorIs(t, err, client.ErrNotFound)
}

func TestFollowEndsOnRemove(t *testing.T) {
	sock := startDaemon(t)
	_, err := run(t, "--socket", sock, "add", "--name", "ticker", "--command", "/bin/sh",
		"--args", "-c", "--args", "while true; do echo tick; sleep 0.05; done",
		"--autostart", "--startsecs", "10ms", "--stop-grace", "1s")
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		out, _ := run(t, "--socket", sock, "follow", "ticker")
		done <- out
	}()

	time.Sleep(300 * time.Millisecond)
	_, err = run(t, "--socket", sock, "remove", "ticker")
	require.NoError(t, err)

	select {
	case out := <-done:
		assert.Contains(t, out, "tick")
	case <-time.After(5 * time.Second):
		t.Fatal("follow did not end after remove")
	}
}

func TestSocketFromConfig(t *testing.T) {
	sock := startDaemon(t)
	cfgPath := filepath.Join(t.TempDir(), "papa.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[daemon]\nsocket = \""+sock+"\"\n"), 0o600))

	out, err := run(t, "--config", cfgPath, "ping")
	require.NoError(t, err)
	assert.Contains(t, out, "papa pid")
}

func TestShutdownCommand(t *testing.T) {
	sock := startDaemon(t)
	out, err := run(t, "--socket", sock, "shutdown")
	require.NoError(t, err)
	assert.Contains(t, out, "shutdown requested")

	require.Eventually(t, func() bool {
		return !client.IsReachable(context.Background(), client.Config{Socket: sock, Timeout: 100 * time.Millisecond})
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnreachableDaemon(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "missing.sock")
	_, err := run(t, "--socket", sock, "--timeout", "200ms", "ping")
	assert.ErrorContains(t, err, "daemon not reachable")
}

func TestArgumentValidation(t *testing.T) {
	_, err := run(t, "start")
	assert.Error(t, err)
	_, err = run(t, "status", "a", "b")
	assert.Error(t, err)
}

func TestServeRejectsBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[[processes]]\nname = \"x\"\n"), 0o600))
	_, err := run(t, "serve", cfgPath)
	assert.Error(t, err)
}

func TestServeRunsUntilCancelled(t *testing.T) {
	dir, err := os.MkdirTemp("", "papa")
	require.NoError(t, err)
	defer func() { _ = os.RemoveAll(dir) }()
	sock := filepath.Join(dir, "s.sock")
	pid := filepath.Join(dir, "papa.pid")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		global := &GlobalFlags{Socket: sock, Timeout: time.Second}
		done <- runServe(ctx, io.Discard, global, ServeFlags{PidFile: pid, LogFile: filepath.Join(dir, "papa.log")}, nil)
	}()

	require.Eventually(t, func() bool {
		return client.IsReachable(context.Background(), client.Config{Socket: sock})
	}, 5*time.Second, 20*time.Millisecond)
	_, err = os.Stat(pid)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
	_, err = os.Stat(pid)
	assert.True(t, os.IsNotExist(err))
}
