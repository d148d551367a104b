package server

import (
	"time"

	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/protocol"
	"github.com/loykin/papa/internal/supervisor"
)

// SpecFromArgs converts the wire form of a definition. Defaults and
// validation are applied by the supervisor.
func SpecFromArgs(a protocol.SpecArgs) process.Spec {
	return process.Spec{
		Name:    a.Name,
		Command: a.Command,
		Args:    a.Args,
		WorkDir: a.WorkDir,
		Env:     a.Env,
		User:    a.User,
		Group:   a.Group,
		Restart: process.RestartPolicy(a.Restart),
		Backoff: process.Backoff{
			Initial:    time.Duration(a.BackoffInitial),
			Max:        time.Duration(a.BackoffMax),
			Multiplier: a.BackoffMultiplier,
		},
		MaxRetries:   a.MaxRetries,
		StartSeconds: time.Duration(a.StartSeconds),
		StopSignal:   a.StopSignal,
		StopGrace:    time.Duration(a.StopGrace),
		ResetAfter:   time.Duration(a.ResetAfter),
		AutoStart:    a.AutoStart,
		BufferSize:   a.BufferSize,
	}
}

// ArgsFromSpec is the inverse of SpecFromArgs.
func ArgsFromSpec(s process.Spec) protocol.SpecArgs {
	return protocol.SpecArgs{
		Name:              s.Name,
		Command:           s.Command,
		Args:              s.Args,
		WorkDir:           s.WorkDir,
		Env:               s.Env,
		User:              s.User,
		Group:             s.Group,
		Restart:           string(s.Restart),
		BackoffInitial:    protocol.Duration(s.Backoff.Initial),
		BackoffMax:        protocol.Duration(s.Backoff.Max),
		BackoffMultiplier: s.Backoff.Multiplier,
		MaxRetries:        s.MaxRetries,
		StartSeconds:      protocol.Duration(s.StartSeconds),
		StopSignal:        s.StopSignal,
		StopGrace:         protocol.Duration(s.StopGrace),
		ResetAfter:        protocol.Duration(s.ResetAfter),
		AutoStart:         s.AutoStart,
		BufferSize:        s.BufferSize,
	}
}

// StatusToWire converts a supervisor snapshot for clients.
func StatusToWire(st supervisor.Status) protocol.Status {
	w := protocol.Status{
		Name:           st.Name,
		State:          st.State.String(),
		PID:            st.PID,
		Uptime:         protocol.Duration(st.Uptime),
		Failures:       st.Failures,
		Restarts:       st.Restarts,
		ExitSignal:     st.ExitSignal,
		LastError:      st.LastError,
		RestartPolicy:  string(st.Restart),
		StdoutWritten:  int64(st.StdoutWritten),
		StderrWritten:  int64(st.StderrWritten),
		BufferCapacity: st.BufferCapacity,
	}
	w.StartedAt = timePtr(st.StartedAt)
	w.StoppedAt = timePtr(st.StoppedAt)
	w.BackoffUntil = timePtr(st.BackoffUntil)
	if st.Exited {
		code := st.ExitCode
		w.ExitCode = &code
	}
	if st.Usage != nil {
		w.RSSBytes = st.Usage.RSSBytes
		w.CPUPercent = st.Usage.CPUPercent
		w.NumThreads = st.Usage.NumThreads
	}
	return w
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
