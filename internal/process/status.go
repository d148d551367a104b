package process

import "time"

// State is a node of the supervision state machine.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateBackoff
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateBackoff:
		return "BACKOFF"
	case StateFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// IsRest reports whether no process is owned and nothing is scheduled.
func (s State) IsRest() bool { return s == StateStopped || s == StateFatal }

// HasProcess reports whether an OS process is owned in this state.
func (s State) HasProcess() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Status is a point-in-time copy of a controller's bookkeeping.
type Status struct {
	Name         string        `json:"name"`
	State        State         `json:"-"`
	PID          int           `json:"pid"`
	StartedAt    time.Time     `json:"started_at"`
	StoppedAt    time.Time     `json:"stopped_at"`
	Failures     int           `json:"failures"`
	Restarts     int           `json:"restarts"`
	Exited       bool          `json:"exited"` // an exit has been recorded
	ExitCode     int           `json:"exit_code"`
	ExitSignal   string        `json:"exit_signal"`
	LastError    string        `json:"last_error"`
	BackoffUntil time.Time     `json:"backoff_until"`
	Restart      RestartPolicy `json:"restart"`
}

// Uptime is the time since the current run started, zero when not running.
func (s Status) Uptime(now time.Time) time.Duration {
	if !s.State.HasProcess() || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}
