package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/papa/internal/output"
	"github.com/loykin/papa/internal/protocol"
)

// session serves one connection. Requests are handled in arrival order;
// subscription frames are written by per-feed goroutines sharing the encoder.
type session struct {
	srv  *Server
	conn net.Conn
	dec  *protocol.Decoder
	enc  *protocol.Encoder
	log  *slog.Logger

	mu    sync.Mutex
	feeds map[int64]*feed
	wg    sync.WaitGroup
}

type feed struct {
	sub    *output.Subscription
	cancel func()
	// set before cancel so the closed channel does not produce an eof frame
	unsubscribed atomic.Bool
}

func (f *feed) stop() {
	if f.unsubscribed.CompareAndSwap(false, true) {
		f.cancel()
	}
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:   srv,
		conn:  conn,
		dec:   protocol.NewDecoder(conn),
		enc:   protocol.NewEncoder(conn),
		log:   srv.log,
		feeds: make(map[int64]*feed),
	}
}

func (ss *session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = ss.conn.Close()
		ss.closeFeeds()
		ss.wg.Wait()
	}()
	for {
		var req protocol.Request
		err := ss.dec.Next(&req)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) {
				if ss.enc.Encode(protocol.Fail(0, pe)) != nil {
					return
				}
				continue
			}
			ss.log.Debug("Session closed", "error", err)
			_ = ss.enc.Encode(protocol.Fail(0, protocol.Errorf(protocol.KindProtocol, "%v", err)))
			return
		}
		resp, after := ss.handle(ctx, req)
		if err := ss.enc.Encode(resp); err != nil {
			return
		}
		if after != nil {
			after()
		}
	}
}

// handle runs one request. after, when set, runs once the reply is written.
func (ss *session) handle(ctx context.Context, req protocol.Request) (protocol.Response, func()) {
	sup := ss.srv.sup
	switch req.Command {
	case protocol.CmdPing:
		all, err := sup.StatusAll(ctx)
		if err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		return protocol.OK(req.ID, protocol.PingResult{
			PID:       os.Getpid(),
			Uptime:    protocol.Duration(time.Since(ss.srv.started)),
			Processes: len(all),
		}), nil

	case protocol.CmdStart, protocol.CmdStop, protocol.CmdRestart, protocol.CmdRemove:
		var a protocol.NameArgs
		if err := decodeNamed(req, &a); err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		var err error
		switch req.Command {
		case protocol.CmdStart:
			err = sup.Start(ctx, a.Name, a.Wait)
		case protocol.CmdStop:
			err = sup.Stop(ctx, a.Name, a.Wait)
		case protocol.CmdRestart:
			err = sup.Restart(ctx, a.Name, a.Wait)
		default:
			err = sup.Remove(ctx, a.Name)
		}
		if err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		return protocol.OK(req.ID, nil), nil

	case protocol.CmdStatus:
		var a protocol.StatusArgs
		if err := protocol.DecodeArgs(req, &a); err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		if a.Name == "" {
			all, err := sup.StatusAll(ctx)
			if err != nil {
				return protocol.Fail(req.ID, err), nil
			}
			out := make([]protocol.Status, 0, len(all))
			for _, st := range all {
				out = append(out, StatusToWire(st))
			}
			return protocol.OK(req.ID, out), nil
		}
		st, err := sup.Status(ctx, a.Name)
		if err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		return protocol.OK(req.ID, StatusToWire(st)), nil

	case protocol.CmdTail:
		var a protocol.TailArgs
		if err := protocol.DecodeArgs(req, &a); err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		stream, err := parseStream(a.Stream)
		if err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		b, err := sup.Tail(ctx, a.Name, stream, a.MaxBytes)
		if err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		return protocol.OK(req.ID, protocol.TailResult{Name: a.Name, Stream: string(stream), Bytes: b}), nil

	case protocol.CmdSubscribe:
		return ss.subscribe(ctx, req)

	case protocol.CmdUnsubscribe:
		var a protocol.UnsubscribeArgs
		if err := protocol.DecodeArgs(req, &a); err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		ss.mu.Lock()
		f, ok := ss.feeds[a.ID]
		delete(ss.feeds, a.ID)
		ss.mu.Unlock()
		if !ok {
			return protocol.Fail(req.ID, protocol.Errorf(protocol.KindNotFound, "unknown subscription %d", a.ID)), nil
		}
		f.stop()
		return protocol.OK(req.ID, nil), nil

	case protocol.CmdAdd:
		var a protocol.AddArgs
		if err := protocol.DecodeArgs(req, &a); err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		if !isSafeAbsPath(a.Spec.WorkDir) {
			return protocol.Fail(req.ID, protocol.Errorf(protocol.KindProtocol, "invalid work_dir: must be absolute path without traversal")), nil
		}
		if err := sup.Add(ctx, SpecFromArgs(a.Spec)); err != nil {
			return protocol.Fail(req.ID, err), nil
		}
		return protocol.OK(req.ID, nil), nil

	case protocol.CmdShutdown:
		return protocol.OK(req.ID, nil), func() {
			ss.log.Info("Shutdown requested by client")
			if err := sup.Shutdown(ctx); err != nil {
				ss.log.Warn("Shutdown failed", "error", err)
			}
		}

	case "":
		return protocol.Fail(req.ID, protocol.Errorf(protocol.KindProtocol, "command required")), nil
	default:
		return protocol.Fail(req.ID, protocol.Errorf(protocol.KindProtocol, "unknown command %q", req.Command)), nil
	}
}

func (ss *session) subscribe(ctx context.Context, req protocol.Request) (protocol.Response, func()) {
	var a protocol.SubscribeArgs
	if err := protocol.DecodeArgs(req, &a); err != nil {
		return protocol.Fail(req.ID, err), nil
	}
	stream, err := parseStream(a.Stream)
	if err != nil {
		return protocol.Fail(req.ID, err), nil
	}
	sub, cancel, err := ss.srv.sup.Subscribe(ctx, a.Name, stream)
	if err != nil {
		return protocol.Fail(req.ID, err), nil
	}
	id := int64(sub.ID)
	f := &feed{sub: sub, cancel: cancel}
	ss.mu.Lock()
	ss.feeds[id] = f
	ss.mu.Unlock()
	// frames only flow after the reply carrying the id
	return protocol.OK(req.ID, protocol.SubscribeResult{ID: id}), func() {
		ss.wg.Add(1)
		go ss.forward(id, f)
	}
}

// forward copies chunks to the client until the feed ends. A feed closed by
// its process (removed, or daemon stopping) ends with an eof frame.
func (ss *session) forward(id int64, f *feed) {
	defer ss.wg.Done()
	name, stream := f.sub.Name, string(f.sub.Stream)
	for ch := range f.sub.C {
		if f.unsubscribed.Load() {
			continue
		}
		err := ss.enc.Encode(protocol.Response{
			ID:     id,
			Status: protocol.StatusOK,
			Event:  protocol.EventOutput,
			Name:   name,
			Stream: stream,
			Bytes:  ch.Data,
		})
		if err != nil {
			f.stop()
		}
	}
	ss.mu.Lock()
	delete(ss.feeds, id)
	ss.mu.Unlock()
	if f.unsubscribed.Load() {
		return
	}
	_ = ss.enc.Encode(protocol.Response{
		ID:     id,
		Status: protocol.StatusOK,
		Event:  protocol.EventEOF,
		Name:   name,
		Stream: stream,
	})
}

func (ss *session) closeFeeds() {
	ss.mu.Lock()
	feeds := make([]*feed, 0, len(ss.feeds))
	for id, f := range ss.feeds {
		feeds = append(feeds, f)
		delete(ss.feeds, id)
	}
	ss.mu.Unlock()
	for _, f := range feeds {
		f.stop()
	}
}

func decodeNamed(req protocol.Request, a *protocol.NameArgs) error {
	if err := protocol.DecodeArgs(req, a); err != nil {
		return err
	}
	if a.Name == "" {
		return protocol.Errorf(protocol.KindProtocol, "%s requires a process name", req.Command)
	}
	return nil
}

func parseStream(s string) (output.Stream, error) {
	st, err := output.ParseStream(s)
	if err != nil {
		return st, protocol.Errorf(protocol.KindProtocol, "%v", err)
	}
	return st, nil
}
