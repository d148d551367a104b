package process

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/papa/internal/logger"
)

// RestartPolicy decides whether an unexpected exit is followed by a restart.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
)

// Defaults applied by WithDefaults.
const (
	DefaultBackoffInitial    = 1 * time.Second
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultStartSeconds      = 1 * time.Second
	DefaultStopSignal        = "TERM"
	DefaultStopGrace         = 10 * time.Second
)

// Backoff describes the delay before a restart after consecutive failures.
type Backoff struct {
	Initial    time.Duration `json:"initial"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
}

// Delay returns the wait before the next start after the given number of
// consecutive failures (>= 1): min(Initial * Multiplier^(failures-1), Max).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := float64(b.Initial)
	limit := float64(b.Max)
	for i := 1; i < failures; i++ {
		d *= b.Multiplier
		if limit > 0 && d >= limit {
			return b.Max
		}
	}
	if limit > 0 && d > limit {
		return b.Max
	}
	return time.Duration(d)
}

// Spec describes a supervised process. A Spec is never mutated once it is
// registered; changing a definition means removing the process and adding a new one.
type Spec struct {
	Name         string            `json:"name"`
	Command      string            `json:"command"`       // executable path, or a command line when Args is empty
	Args         []string          `json:"args"`          // optional explicit argv (without argv[0])
	WorkDir      string            `json:"work_dir"`      // optional working dir
	Env          []string          `json:"env"`           // optional extra env
	User         string            `json:"user"`          // optional user to run as
	Group        string            `json:"group"`         // optional group to run as
	Restart      RestartPolicy     `json:"restart"`       // never, always, on-failure
	Backoff      Backoff           `json:"backoff"`       // restart delay parameters
	MaxRetries   int               `json:"max_retries"`   // consecutive failures tolerated before FATAL; 0 = unlimited
	StartSeconds time.Duration     `json:"start_seconds"` // minimum uptime to count as started
	StopSignal   string            `json:"stop_signal"`   // signal sent by stop (default TERM)
	StopGrace    time.Duration     `json:"stop_grace"`    // wait before SIGKILL
	ResetAfter   time.Duration     `json:"reset_after"`   // uptime after which the failure count is cleared; 0 = never
	AutoStart    *bool             `json:"auto_start"`    // start when registered; defaults to Restart == always
	BufferSize   int               `json:"buffer_size"`   // per-stream output ring capacity; 0 = daemon default
	Log          logger.FileConfig `json:"log"`           // optional rotating files fed with the output
}

// WithDefaults returns a copy of s with unset fields filled in.
func (s Spec) WithDefaults() Spec {
	if s.Restart == "" {
		s.Restart = RestartOnFailure
	}
	if s.Backoff.Initial <= 0 {
		s.Backoff.Initial = DefaultBackoffInitial
	}
	if s.Backoff.Max <= 0 {
		s.Backoff.Max = DefaultBackoffMax
	}
	if s.Backoff.Max < s.Backoff.Initial {
		s.Backoff.Max = s.Backoff.Initial
	}
	if s.Backoff.Multiplier == 0 {
		s.Backoff.Multiplier = DefaultBackoffMultiplier
	}
	if s.StartSeconds == 0 {
		s.StartSeconds = DefaultStartSeconds
	}
	if s.StopSignal == "" {
		s.StopSignal = DefaultStopSignal
	}
	if s.StopGrace <= 0 {
		s.StopGrace = DefaultStopGrace
	}
	if s.Args != nil {
		s.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		s.Env = append([]string(nil), s.Env...)
	}
	return s
}

// ShouldAutoStart reports whether the process starts as soon as it is registered.
func (s Spec) ShouldAutoStart() bool {
	if s.AutoStart != nil {
		return *s.AutoStart
	}
	return s.Restart == RestartAlways
}

// Validate checks a spec after defaults have been applied.
func (s Spec) Validate() error {
	if !IsSafeName(s.Name) {
		return fmt.Errorf("invalid name %q: allowed [A-Za-z0-9._-] and no '..'", s.Name)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %q requires command", s.Name)
	}
	switch s.Restart {
	case RestartNever, RestartAlways, RestartOnFailure:
	default:
		return fmt.Errorf("process %q: invalid restart policy %q, must be one of: never, always, on-failure", s.Name, s.Restart)
	}
	if s.Backoff.Initial < 0 || s.Backoff.Max < 0 {
		return fmt.Errorf("process %q: backoff delays cannot be negative", s.Name)
	}
	if s.Backoff.Multiplier < 1 {
		return fmt.Errorf("process %q: backoff multiplier must be >= 1", s.Name)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("process %q: max_retries cannot be negative", s.Name)
	}
	if s.StartSeconds < 0 || s.StopGrace < 0 || s.ResetAfter < 0 {
		return fmt.Errorf("process %q: durations cannot be negative", s.Name)
	}
	if s.BufferSize < 0 {
		return fmt.Errorf("process %q: buffer_size cannot be negative", s.Name)
	}
	if _, err := ParseSignal(s.StopSignal); err != nil {
		return fmt.Errorf("process %q: %w", s.Name, err)
	}
	for i, kv := range s.Env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("process %q: env[%d] %q is invalid, must be in KEY=VALUE format", s.Name, i, kv)
		}
	}
	return nil
}

// IsSafeName validates process names; they double as log file names.
func IsSafeName(s string) bool {
	if s == "" || len(s) > 128 || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// BuildCommand constructs an *exec.Cmd for the process definition.
// With explicit Args the command is executed directly. Otherwise the command
// line avoids invoking a shell when not necessary, and respects an explicit
// shell invocation already present (e.g., "sh -c 'echo hi'") without
// double-wrapping it.
func (s *Spec) BuildCommand() *exec.Cmd {
	if len(s.Args) > 0 {
		// #nosec G204
		return exec.Command(s.Command, s.Args...)
	}
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" style prefixes and returns the
// script after -c, with one pair of wrapping quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
