// Package protocol defines the control socket wire format: newline delimited
// JSON frames carrying one request or one response each.
package protocol

import (
	"encoding/json"
	"time"
)

// Command names understood by the control server.
const (
	CmdPing        = "ping"
	CmdStart       = "start"
	CmdStop        = "stop"
	CmdRestart     = "restart"
	CmdStatus      = "status"
	CmdTail        = "tail"
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
	CmdAdd         = "add"
	CmdRemove      = "remove"
	CmdShutdown    = "shutdown"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Stream event values carried by subscription frames.
const (
	EventOutput = "output"
	EventEOF    = "eof"
)

// Request is one command with its named arguments.
type Request struct {
	ID      int64           `json:"id,omitempty"`
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response answers a Request with the same ID. Subscription frames reuse this
// envelope with Event set; their ID is the subscription id.
type Response struct {
	ID     int64           `json:"id,omitempty"`
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	Event  string `json:"event,omitempty"`
	Name   string `json:"name,omitempty"`
	Stream string `json:"stream,omitempty"`
	Bytes  []byte `json:"bytes,omitempty"`
}

// NameArgs selects one process. Used by start, stop, restart, remove and status.
type NameArgs struct {
	Name string `json:"name"`
	// Wait defers the reply until the process settles.
	Wait bool `json:"wait,omitempty"`
}

// StatusArgs selects one process by name or all processes when Name is empty.
type StatusArgs struct {
	Name string `json:"name,omitempty"`
}

// TailArgs reads the recent output of one stream.
type TailArgs struct {
	Name     string `json:"name"`
	Stream   string `json:"stream"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

// SubscribeArgs starts a live feed of one stream.
type SubscribeArgs struct {
	Name   string `json:"name"`
	Stream string `json:"stream"`
}

// UnsubscribeArgs cancels a live feed by the id returned from subscribe.
type UnsubscribeArgs struct {
	ID int64 `json:"id"`
}

// AddArgs registers a new process definition.
type AddArgs struct {
	Spec SpecArgs `json:"spec"`
}

// SpecArgs is the wire form of a process definition.
type SpecArgs struct {
	Name              string   `json:"name"`
	Command           string   `json:"command"`
	Args              []string `json:"args,omitempty"`
	WorkDir           string   `json:"work_dir,omitempty"`
	Env               []string `json:"env,omitempty"`
	User              string   `json:"user,omitempty"`
	Group             string   `json:"group,omitempty"`
	Restart           string   `json:"restart,omitempty"`
	BackoffInitial    Duration `json:"backoff_initial,omitempty"`
	BackoffMax        Duration `json:"backoff_max,omitempty"`
	BackoffMultiplier float64  `json:"backoff_multiplier,omitempty"`
	MaxRetries        int      `json:"max_retries,omitempty"`
	StartSeconds      Duration `json:"start_seconds,omitempty"`
	StopSignal        string   `json:"stop_signal,omitempty"`
	StopGrace         Duration `json:"stop_grace,omitempty"`
	ResetAfter        Duration `json:"reset_after,omitempty"`
	AutoStart         *bool    `json:"auto_start,omitempty"`
	BufferSize        int      `json:"buffer_size,omitempty"`
}

// Status is the wire form of a process status snapshot.
type Status struct {
	Name           string     `json:"name"`
	State          string     `json:"state"`
	PID            int        `json:"pid,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	Uptime         Duration   `json:"uptime,omitempty"`
	Failures       int        `json:"failures"`
	Restarts       int        `json:"restarts"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	ExitSignal     string     `json:"exit_signal,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	BackoffUntil   *time.Time `json:"backoff_until,omitempty"`
	RSSBytes       uint64     `json:"rss_bytes,omitempty"`
	CPUPercent     float64    `json:"cpu_percent,omitempty"`
	NumThreads     int32      `json:"num_threads,omitempty"`
	RestartPolicy  string     `json:"restart_policy"`
	StdoutWritten  int64      `json:"stdout_written"`
	StderrWritten  int64      `json:"stderr_written"`
	BufferCapacity int        `json:"buffer_capacity"`
}

// PingResult answers ping.
type PingResult struct {
	PID       int      `json:"pid"`
	Uptime    Duration `json:"uptime"`
	Processes int      `json:"processes"`
}

// TailResult carries buffered bytes for one stream.
type TailResult struct {
	Name   string `json:"name"`
	Stream string `json:"stream"`
	Bytes  []byte `json:"bytes"`
}

// SubscribeResult carries the id used by stream frames and unsubscribe.
type SubscribeResult struct {
	ID int64 `json:"id"`
}

// Duration marshals as a Go duration string ("1.5s") and accepts either a
// string or integer nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// OK builds a success response carrying v as data.
func OK(id int64, v any) Response {
	resp := Response{ID: id, Status: StatusOK}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return Fail(id, &Error{Kind: KindInternal, Message: err.Error()})
		}
		resp.Data = b
	}
	return resp
}

// Fail builds an error response.
func Fail(id int64, err error) Response {
	return Response{ID: id, Status: StatusError, Error: AsError(err)}
}

// DecodeArgs unmarshals request args into v. Missing args decode as the zero value.
func DecodeArgs(req Request, v any) error {
	if len(req.Args) == 0 || string(req.Args) == "null" {
		return nil
	}
	if err := json.Unmarshal(req.Args, v); err != nil {
		return Errorf(KindProtocol, "invalid args for %s: %v", req.Command, err)
	}
	return nil
}
