package output

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/loykin/papa/internal/metrics"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// DefaultSubscriberQueue is the number of chunks buffered per subscription.
const DefaultSubscriberQueue = 256

var ErrClosed = errors.New("output closed")

// ParseStream accepts "stdout" or "stderr"; empty defaults to stdout.
func ParseStream(s string) (Stream, error) {
	switch Stream(s) {
	case "", Stdout:
		return Stdout, nil
	case Stderr:
		return Stderr, nil
	}
	return "", fmt.Errorf("unknown stream %q: must be stdout or stderr", s)
}

// Chunk is one append delivered to a subscriber. Data must not be modified.
type Chunk struct {
	Stream Stream
	Data   []byte
}

var subIDs atomic.Uint64

// Subscription is a live feed of one stream. C is closed when the feed ends.
type Subscription struct {
	ID     uint64
	Name   string
	Stream Stream
	C      <-chan Chunk

	ch      chan Chunk
	dropped atomic.Uint64
}

// Dropped counts chunks discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Capture holds the two output rings of a process, fans every append out to
// live subscriptions, and forwards bytes to an optional sink per stream.
type Capture struct {
	name  string
	rings map[Stream]*Ring
	log   *slog.Logger

	mu     sync.Mutex
	sinks  map[Stream]io.WriteCloser
	subs   map[uint64]*Subscription
	closed bool
}

// NewCapture creates the buffers for name. stdoutSink and stderrSink may be nil.
func NewCapture(name string, capacity int, stdoutSink, stderrSink io.WriteCloser, log *slog.Logger) *Capture {
	if log == nil {
		log = slog.Default()
	}
	c := &Capture{
		name:  name,
		rings: map[Stream]*Ring{Stdout: NewRing(capacity), Stderr: NewRing(capacity)},
		log:   log,
		sinks: make(map[Stream]io.WriteCloser, 2),
		subs:  make(map[uint64]*Subscription),
	}
	if stdoutSink != nil {
		c.sinks[Stdout] = stdoutSink
	}
	if stderrSink != nil {
		c.sinks[Stderr] = stderrSink
	}
	return c
}

// Writer returns the io.Writer the pipe reader of stream s copies into.
func (c *Capture) Writer(s Stream) io.Writer { return streamWriter{c: c, s: s} }

type streamWriter struct {
	c *Capture
	s Stream
}

func (w streamWriter) Write(p []byte) (int, error) { return w.c.append(w.s, p) }

func (c *Capture) append(s Stream, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.rings[s].Write(p)
	metrics.AddOutputBytes(c.name, string(s), len(p))
	if c.closed {
		return len(p), nil
	}
	if sink := c.sinks[s]; sink != nil {
		if _, err := sink.Write(p); err != nil {
			c.log.Warn("output sink write failed", "name", c.name, "stream", s, "error", err)
		}
	}
	var data []byte
	for _, sub := range c.subs {
		if sub.Stream != s {
			continue
		}
		if data == nil {
			data = append([]byte(nil), p...)
		}
		select {
		case sub.ch <- Chunk{Stream: s, Data: data}:
		default:
			sub.dropped.Add(1)
			metrics.IncDropped(c.name, string(s))
		}
	}
	return len(p), nil
}

// Tail returns a copy of the most recent bytes of s, at most max (<= 0 for all).
func (c *Capture) Tail(s Stream, max int) []byte { return c.ring(s).Snapshot(max) }

// ring returns the buffer of s, stdout for unknown streams.
func (c *Capture) ring(s Stream) *Ring {
	if r, ok := c.rings[s]; ok {
		return r
	}
	return c.rings[Stdout]
}

func (c *Capture) Written(s Stream) uint64 { return c.ring(s).Written() }

func (c *Capture) Capacity() int { return c.rings[Stdout].Cap() }

// Subscribe registers a live feed of s. queue <= 0 uses DefaultSubscriberQueue.
func (c *Capture) Subscribe(s Stream, queue int) (*Subscription, error) {
	if queue <= 0 {
		queue = DefaultSubscriberQueue
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := make(chan Chunk, queue)
	sub := &Subscription{ID: subIDs.Add(1), Name: c.name, Stream: s, C: ch, ch: ch}
	c.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe ends the feed; chunks appended afterwards are not delivered.
func (c *Capture) Unsubscribe(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[id]
	if !ok {
		return false
	}
	delete(c.subs, id)
	close(sub.ch)
	return true
}

// Subscribers returns the number of live feeds.
func (c *Capture) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close ends every subscription and closes the sinks. The rings stay readable.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for id, sub := range c.subs {
		delete(c.subs, id)
		close(sub.ch)
	}
	var errs []error
	for s, sink := range c.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s sink: %w", s, err))
		}
	}
	return errors.Join(errs...)
}
