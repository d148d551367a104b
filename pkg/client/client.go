// Package client talks to a papa daemon over its control socket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/loykin/papa/internal/protocol"
)

// ErrClosed is returned by calls made after the connection is gone.
var ErrClosed = errors.New("client: connection closed")

// DefaultFrameQueue is the number of output frames buffered per subscription
// before new frames are dropped.
const DefaultFrameQueue = 1024

// DefaultWaitTimeout bounds waited start, stop and restart calls. It must
// cover a process's stop grace period plus its start seconds.
const DefaultWaitTimeout = 2 * time.Minute

// Config holds client configuration
type Config struct {
	Socket      string
	Timeout     time.Duration // dial timeout and default per-call timeout
	WaitTimeout time.Duration // default timeout of calls with wait set
	Logger      *slog.Logger  // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Socket:      "/tmp/papa.sock",
		Timeout:     10 * time.Second,
		WaitTimeout: DefaultWaitTimeout,
	}
}

// Client is one control connection. It is safe for concurrent use; replies
// and subscription frames are demultiplexed by a reader goroutine.
type Client struct {
	cfg    Config
	conn   net.Conn
	enc    *protocol.Encoder
	logger *slog.Logger

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	subs    map[int64]*Subscription
	err     error
	done    chan struct{}
}

type pendingCall struct {
	reply     chan protocol.Response
	subscribe bool
}

// Subscription is a live output feed. C is closed after an EOF frame, after
// Close, or when the connection ends.
type Subscription struct {
	ID int64
	C  <-chan Frame

	c       *Client
	ch      chan Frame
	dropped int
}

// Dropped returns the number of frames discarded because C was not drained.
func (s *Subscription) Dropped() int {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.dropped
}

// Close cancels the feed.
func (s *Subscription) Close(ctx context.Context) error { return s.c.Unsubscribe(ctx, s.ID) }

// Dial connects to the daemon socket.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.Socket == "" {
		cfg.Socket = def.Socket
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "unix", cfg.Socket)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Socket, err)
	}
	c := &Client{
		cfg:     cfg,
		conn:    conn,
		enc:     protocol.NewEncoder(conn),
		logger:  cfg.Logger,
		pending: make(map[int64]*pendingCall),
		subs:    make(map[int64]*Subscription),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// IsReachable checks if the daemon is running and answers ping.
func IsReachable(ctx context.Context, cfg Config) bool {
	c, err := Dial(ctx, cfg)
	if err != nil {
		slog.Debug("Daemon unreachable", "socket", cfg.Socket, "error", err)
		return false
	}
	defer func() { _ = c.Close() }()
	_, err = c.Ping(ctx)
	return err == nil
}

// Close drops the connection. Pending calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	dec := protocol.NewDecoder(c.conn)
	var err error
	for {
		var resp protocol.Response
		if err = dec.Next(&resp); err != nil {
			break
		}
		if resp.Event != "" {
			c.deliver(resp)
			continue
		}
		c.mu.Lock()
		p, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		if ok && p.subscribe && resp.Status == protocol.StatusOK {
			c.openFeed(resp)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("Dropping reply without caller", "id", resp.ID)
			continue
		}
		p.reply <- resp
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		err = ErrClosed
	}
	c.mu.Lock()
	c.err = err
	c.pending = map[int64]*pendingCall{}
	for id, s := range c.subs {
		delete(c.subs, id)
		close(s.ch)
	}
	c.mu.Unlock()
	close(c.done)
}

// openFeed registers the feed named by a subscribe reply before any of its
// frames are read. Called with mu held.
func (c *Client) openFeed(resp protocol.Response) {
	var r protocol.SubscribeResult
	if err := json.Unmarshal(resp.Data, &r); err != nil {
		return
	}
	ch := make(chan Frame, DefaultFrameQueue)
	c.subs[r.ID] = &Subscription{ID: r.ID, C: ch, c: c, ch: ch}
}

func (c *Client) deliver(resp protocol.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[resp.ID]
	if !ok {
		return
	}
	f := Frame{Name: resp.Name, Stream: resp.Stream, Data: resp.Bytes, EOF: resp.Event == protocol.EventEOF}
	select {
	case s.ch <- f:
	default:
		s.dropped++
	}
	if f.EOF {
		delete(c.subs, resp.ID)
		close(s.ch)
	}
}

// call sends one request and decodes the reply data into out when non-nil.
func (c *Client) call(ctx context.Context, command string, args, out any) error {
	_, err := c.roundTrip(ctx, command, args, out, false)
	return err
}

// control sends start, stop or restart. A waited call is bounded by
// WaitTimeout instead of Timeout since the daemon answers only once the
// process settles.
func (c *Client) control(ctx context.Context, command, name string, wait bool) error {
	if _, ok := ctx.Deadline(); !ok && wait && c.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WaitTimeout)
		defer cancel()
	}
	return c.call(ctx, command, protocol.NameArgs{Name: name, Wait: wait}, nil)
}

func (c *Client) roundTrip(ctx context.Context, command string, args, out any, subscribe bool) (protocol.Response, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	req := protocol.Request{Command: command}
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return protocol.Response{}, fmt.Errorf("marshal %s args: %w", command, err)
		}
		req.Args = b
	}
	p := &pendingCall{reply: make(chan protocol.Response, 1), subscribe: subscribe}
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return protocol.Response{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = p
	c.mu.Unlock()

	c.logger.Debug("Sending request", "command", command, "id", req.ID)
	if err := c.enc.Encode(req); err != nil {
		c.forget(req.ID)
		return protocol.Response{}, fmt.Errorf("send %s: %w", command, err)
	}
	select {
	case resp := <-p.reply:
		if resp.Status != protocol.StatusOK {
			if resp.Error == nil {
				return resp, &protocol.Error{Kind: protocol.KindInternal, Message: "error reply without details"}
			}
			return resp, resp.Error
		}
		if out != nil && len(resp.Data) > 0 {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return resp, fmt.Errorf("decode %s reply: %w", command, err)
			}
		}
		return resp, nil
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return protocol.Response{}, err
	case <-ctx.Done():
		c.forget(req.ID)
		return protocol.Response{}, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	var r PingResult
	err := c.call(ctx, protocol.CmdPing, nil, &r)
	return r, err
}

// Start starts a STOPPED, FATAL or BACKOFF process. With wait the call returns
// once the process is RUNNING or has failed to get there.
func (c *Client) Start(ctx context.Context, name string, wait bool) error {
	return c.control(ctx, protocol.CmdStart, name, wait)
}

// Stop stops a process. With wait the call returns once it is at rest.
func (c *Client) Stop(ctx context.Context, name string, wait bool) error {
	return c.control(ctx, protocol.CmdStop, name, wait)
}

// Restart stops a process if needed and starts it again.
func (c *Client) Restart(ctx context.Context, name string, wait bool) error {
	return c.control(ctx, protocol.CmdRestart, name, wait)
}

// Status returns the status of one process.
func (c *Client) Status(ctx context.Context, name string) (Status, error) {
	var st Status
	if name == "" {
		return st, fmt.Errorf("status requires a process name")
	}
	err := c.call(ctx, protocol.CmdStatus, protocol.StatusArgs{Name: name}, &st)
	return st, err
}

// StatusAll returns every process sorted by name.
func (c *Client) StatusAll(ctx context.Context) ([]Status, error) {
	var all []Status
	err := c.call(ctx, protocol.CmdStatus, protocol.StatusArgs{}, &all)
	return all, err
}

// Tail returns up to maxBytes of recent output, everything buffered when maxBytes <= 0.
func (c *Client) Tail(ctx context.Context, name, stream string, maxBytes int) ([]byte, error) {
	var r protocol.TailResult
	err := c.call(ctx, protocol.CmdTail, protocol.TailArgs{Name: name, Stream: stream, MaxBytes: maxBytes}, &r)
	return r.Bytes, err
}

// Subscribe opens a live feed of one stream of a process.
func (c *Client) Subscribe(ctx context.Context, name, stream string) (*Subscription, error) {
	var r protocol.SubscribeResult
	if _, err := c.roundTrip(ctx, protocol.CmdSubscribe, protocol.SubscribeArgs{Name: name, Stream: stream}, &r, true); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[r.ID]; ok {
		return s, nil
	}
	// the feed already ended (eof or disconnect) before the caller got here
	ch := make(chan Frame)
	close(ch)
	return &Subscription{ID: r.ID, C: ch, c: c, ch: ch}, nil
}

// Unsubscribe cancels a feed; its channel is closed without an EOF frame.
func (c *Client) Unsubscribe(ctx context.Context, id int64) error {
	err := c.call(ctx, protocol.CmdUnsubscribe, protocol.UnsubscribeArgs{ID: id}, nil)
	c.mu.Lock()
	if s, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(s.ch)
	}
	c.mu.Unlock()
	return err
}

// Add registers a new process definition.
func (c *Client) Add(ctx context.Context, spec Spec) error {
	return c.call(ctx, protocol.CmdAdd, protocol.AddArgs{Spec: spec}, nil)
}

// Remove unregisters a STOPPED or FATAL process.
func (c *Client) Remove(ctx context.Context, name string) error {
	return c.call(ctx, protocol.CmdRemove, protocol.NameArgs{Name: name}, nil)
}

// Shutdown asks the daemon to stop every process and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, protocol.CmdShutdown, nil, nil)
}
