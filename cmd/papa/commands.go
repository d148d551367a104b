package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/papa/pkg/client"
)

// command runs control verbs against a daemon over its socket.
type command struct {
	global *GlobalFlags
	out    io.Writer
}

func (c command) withClient(ctx context.Context, fn func(ctx context.Context, cl *client.Client) error) error {
	cfg := client.DefaultConfig()
	if c.global.Socket != "" {
		cfg.Socket = c.global.Socket
	}
	if c.global.Timeout > 0 {
		cfg.Timeout = c.global.Timeout
	}
	if c.global.WaitTimeout > 0 {
		cfg.WaitTimeout = c.global.WaitTimeout
	}
	cl, err := client.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.Socket, err)
	}
	defer func() { _ = cl.Close() }()
	return fn(ctx, cl)
}

func (c command) Ping(ctx context.Context) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		res, err := cl.Ping(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "papa pid %d, up %s, %d processes\n", res.PID, time.Duration(res.Uptime).Truncate(time.Second), res.Processes)
		return nil
	})
}

func (c command) Start(ctx context.Context, name string, f ControlFlags) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		if err := cl.Start(ctx, name, f.Wait); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s started\n", name)
		return nil
	})
}

func (c command) Stop(ctx context.Context, name string, f ControlFlags) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		if err := cl.Stop(ctx, name, f.Wait); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s stopped\n", name)
		return nil
	})
}

func (c command) Restart(ctx context.Context, name string, f ControlFlags) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		if err := cl.Restart(ctx, name, f.Wait); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s restarted\n", name)
		return nil
	})
}

func (c command) Status(ctx context.Context, name string, f StatusFlags) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		var statuses []client.Status
		if name != "" {
			st, err := cl.Status(ctx, name)
			if err != nil {
				return err
			}
			statuses = []client.Status{st}
		} else {
			all, err := cl.StatusAll(ctx)
			if err != nil {
				return err
			}
			statuses = all
		}
		if f.JSON {
			if name != "" {
				printJSON(c.out, statuses[0])
			} else {
				printJSON(c.out, statuses)
			}
			return nil
		}
		printStatusTable(c.out, statuses)
		return nil
	})
}

func (c command) Tail(ctx context.Context, name string, f TailFlags) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		data, err := cl.Tail(ctx, name, f.Stream, f.Bytes)
		if err != nil {
			return err
		}
		_, err = c.out.Write(data)
		return err
	})
}

// Follow streams output until the capture ends or ctx is cancelled.
func (c command) Follow(ctx context.Context, name string, f TailFlags) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		sub, err := cl.Subscribe(ctx, name, f.Stream)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				closeCtx, cancel := context.WithTimeout(context.Background(), c.global.Timeout)
				_ = sub.Close(closeCtx)
				cancel()
				return nil
			case fr, ok := <-sub.C:
				if !ok || fr.EOF {
					return nil
				}
				if _, err := c.out.Write(fr.Data); err != nil {
					return err
				}
			}
		}
	})
}

func (c command) Add(ctx context.Context, spec client.Spec) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		if err := cl.Add(ctx, spec); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s added\n", spec.Name)
		return nil
	})
}

func (c command) Remove(ctx context.Context, name string) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		if err := cl.Remove(ctx, name); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "%s removed\n", name)
		return nil
	})
}

func (c command) Shutdown(ctx context.Context) error {
	return c.withClient(ctx, func(ctx context.Context, cl *client.Client) error {
		if err := cl.Shutdown(ctx); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, "shutdown requested")
		return nil
	})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
