package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/papa/internal/logger"
	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/process"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "papa.toml")
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))
	return file
}

func TestLoadMinimal(t *testing.T) {
	file := writeConfig(t, `
[[processes]]
name = "demo"
command = "sleep 1"
`)
	c, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, DefaultSocket, c.Daemon.Socket)
	assert.Equal(t, DefaultShutdownGrace, c.Daemon.ShutdownGrace)
	assert.Equal(t, output.DefaultCapacity, c.Daemon.BufferSize)
	assert.Empty(t, c.HTTP.Listen)
	mode, err := c.SocketFileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), mode)

	specs := c.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, "demo", specs[0].Name)
	assert.Equal(t, "sleep 1", specs[0].Command)
	assert.False(t, specs[0].Log.Enabled())
}

func TestLoadFull(t *testing.T) {
	file := writeConfig(t, `
env = ["GLOBAL=1"]

[daemon]
socket = "/run/papa/papa.sock"
socket_mode = "0660"
shutdown_grace = "3s"
buffer_size = 4096

[http]
listen = "127.0.0.1:9100"
base_path = "/api"

[log]
level = "debug"
format = "json"
dir = "/var/log/papa"
max_size_mb = 5

[history]
dsn = ["sqlite:///tmp/papa.db"]

[[processes]]
name = "web"
command = "/usr/bin/web"
args = ["--port", "8080"]
workdir = "/srv/web"
env = ["PORT=8080"]
restart = "always"
backoff_initial = "500ms"
backoff_max = "8s"
backoff_multiplier = 1.5
max_retries = 5
startsecs = "2s"
stop_signal = "INT"
stop_grace = "4s"
reset_after = "1m"
autostart = false
buffer_size = 1024
  [processes.log]
  stdout = "/var/log/web.out"
  compress = true

[[processes]]
name = "worker"
command = "worker --once"
`)
	c, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "/run/papa/papa.sock", c.Daemon.Socket)
	assert.Equal(t, 3*time.Second, c.Daemon.ShutdownGrace)
	assert.Equal(t, 4096, c.Daemon.BufferSize)
	mode, err := c.SocketFileMode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), mode)
	assert.Equal(t, "127.0.0.1:9100", c.HTTP.Listen)
	assert.Equal(t, "/api", c.HTTP.BasePath)
	assert.Equal(t, []string{"sqlite:///tmp/papa.db"}, c.History.DSN)

	lc := c.Logger()
	assert.Equal(t, logger.LevelDebug, lc.Slog.Level)
	assert.Equal(t, logger.FormatJSON, lc.Slog.Format)
	assert.True(t, lc.Slog.TimeStamps)
	assert.Equal(t, "/var/log/papa", lc.File.Dir)
	assert.Equal(t, 5, lc.File.MaxSizeMB)

	specs := c.Specs()
	require.Len(t, specs, 2)
	web := specs[0]
	assert.Equal(t, []string{"--port", "8080"}, web.Args)
	assert.Equal(t, "/srv/web", web.WorkDir)
	assert.Equal(t, process.RestartAlways, web.Restart)
	assert.Equal(t, process.Backoff{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Multiplier: 1.5}, web.Backoff)
	assert.Equal(t, 5, web.MaxRetries)
	assert.Equal(t, 2*time.Second, web.StartSeconds)
	assert.Equal(t, "INT", web.StopSignal)
	assert.Equal(t, 4*time.Second, web.StopGrace)
	assert.Equal(t, time.Minute, web.ResetAfter)
	require.NotNil(t, web.AutoStart)
	assert.False(t, *web.AutoStart)
	assert.False(t, web.ShouldAutoStart())
	assert.Equal(t, 1024, web.BufferSize)
	assert.Equal(t, "/var/log/web.out", web.Log.StdoutPath)
	assert.True(t, web.Log.Compress)
	require.NoError(t, web.WithDefaults().Validate())

	worker := specs[1]
	assert.Nil(t, worker.AutoStart)
	assert.Equal(t, process.RestartOnFailure, worker.WithDefaults().Restart)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]string{
		"duplicate": `
[[processes]]
name = "a"
command = "true"
[[processes]]
name = "a"
command = "true"
`,
		"missing name": `
[[processes]]
command = "true"
`,
		"socket mode": `
[daemon]
socket_mode = "rw-------"
`,
		"log level": `
[log]
level = "loud"
`,
		"log format": `
[log]
format = "xml"
`,
		"negative grace": `
[daemon]
shutdown_grace = "-1s"
`,
		"syntax": `[[processes]`,
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, data))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PAPA_DAEMON_SOCKET", "/tmp/override.sock")
	t.Setenv("PAPA_HTTP_LISTEN", "127.0.0.1:0")
	c, err := Load(writeConfig(t, "[daemon]\nsocket = \"/tmp/file.sock\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.sock", c.Daemon.Socket)
	assert.Equal(t, "127.0.0.1:0", c.HTTP.Listen)
}

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, DefaultSocket, c.Daemon.Socket)
	assert.Empty(t, c.Processes)
}

func TestEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "app.env")
	require.NoError(t, os.WriteFile(envFile, []byte("# comment\nFROM_FILE=yes\nSHARED=file\n"), 0o644))
	t.Setenv("PAPA_TEST_OS_VAR", "os")

	file := writeConfig(t, `
env = ["SHARED=list", "DERIVED=${FROM_FILE}-x"]
env_files = ["`+envFile+`"]
use_os_env = false
`)
	c, err := Load(file)
	require.NoError(t, err)
	e, err := c.Environment()
	require.NoError(t, err)
	merged := e.Merge([]string{"LOCAL=1"})
	assert.Contains(t, merged, "FROM_FILE=yes")
	assert.Contains(t, merged, "SHARED=list")
	assert.Contains(t, merged, "DERIVED=yes-x")
	assert.Contains(t, merged, "LOCAL=1")
	for _, kv := range merged {
		assert.NotContains(t, kv, "PAPA_TEST_OS_VAR")
	}

	c.UseOSEnv = true
	e, err = c.Environment()
	require.NoError(t, err)
	assert.Contains(t, e.Merge(nil), "PAPA_TEST_OS_VAR=os")

	c.EnvFiles = []string{filepath.Join(dir, "missing.env")}
	_, err = c.Environment()
	assert.Error(t, err)
}
