package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart       EventType = "start"        // a run was spawned
	EventSpawnFailed EventType = "spawn_failed" // a run could not be spawned
	EventExit        EventType = "exit"         // a run ended without being asked to
	EventStop        EventType = "stop"         // a requested stop completed
	EventBackoff     EventType = "backoff"      // a restart was scheduled
	EventFatal       EventType = "fatal"        // retries exhausted
)

// Record is the process state attached to an event.
type Record struct {
	Name       string    `json:"name"`
	PID        int       `json:"pid"`
	Run        uint64    `json:"run"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	ExitCode   int       `json:"exit_code"`
	ExitSignal string    `json:"exit_signal,omitempty"`
	Failures   int       `json:"failures"`
	Restarts   int       `json:"restarts"`
	Error      string    `json:"error,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// DefaultQueue is the number of events buffered by a Dispatcher.
const DefaultQueue = 1024

// Dispatcher delivers events to sinks from its own goroutine so callers never
// wait on a database. Events are dropped when the queue is full.
type Dispatcher struct {
	sinks   []Sink
	ch      chan Event
	log     *slog.Logger
	timeout time.Duration
	dropped atomic.Uint64

	once sync.Once
	done chan struct{}
}

func NewDispatcher(log *slog.Logger, sinks ...Sink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		sinks:   sinks,
		ch:      make(chan Event, DefaultQueue),
		log:     log,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues e without blocking.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || len(d.sinks) == 0 {
		return
	}
	select {
	case d.ch <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Warn("history sink send failed", "event", e.Type, "name", e.Record.Name, "error", err)
			}
			cancel()
		}
	}
}

// Close flushes queued events, waiting until ctx is done, and closes every
// sink that implements io.Closer.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.once.Do(func() { close(d.ch) })
	var errs []error
	select {
	case <-d.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	for _, s := range d.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
