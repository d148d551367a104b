package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/papa/internal/metrics"
	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/protocol"
	"github.com/loykin/papa/internal/supervisor"
)

// Router provides read-only HTTP handlers over a supervisor.
// Endpoints:
//   GET {basePath}/status              all processes
//   GET {basePath}/status/:name        one process
//   GET {basePath}/tail/:name          query: stream=stdout|stderr&max_bytes=N
//   GET {basePath}/metrics             prometheus exposition
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	sup      *supervisor.Supervisor
	basePath string
	timeout  time.Duration
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(sup *supervisor.Supervisor, basePath string) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath), timeout: 5 * time.Second}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatusAll)
	group.GET("/status/:name", r.handleStatus)
	group.GET("/tail/:name", r.handleTail)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// ListenHTTP binds addr and serves the router in the background. Bind errors
// are returned before anything is served.
func ListenHTTP(addr, basePath string, sup *supervisor.Supervisor) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s: %w", addr, err)
	}
	r := NewRouter(sup, basePath)
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (r *Router) fail(c *gin.Context, err error) {
	pe := protocol.AsError(err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, httpStatus(err), errorResp{Error: pe.Message, Kind: string(pe.Kind)})
}

func (r *Router) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), r.timeout)
}

func (r *Router) handleStatusAll(c *gin.Context) {
	ctx, cancel := r.ctx(c)
	defer cancel()
	all, err := r.sup.StatusAll(ctx)
	if err != nil {
		r.fail(c, err)
		return
	}
	out := make([]protocol.Status, 0, len(all))
	for _, st := range all {
		out = append(out, StatusToWire(st))
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Param("name")
	if !process.IsSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	st, err := r.sup.Status(ctx, name)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, StatusToWire(st))
}

func (r *Router) handleTail(c *gin.Context) {
	name := c.Param("name")
	if !process.IsSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	stream, err := parseStream(c.Query("stream"))
	if err != nil {
		r.fail(c, err)
		return
	}
	maxBytes := 0
	if v := c.Query("max_bytes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "max_bytes must be a non-negative integer"})
			return
		}
		maxBytes = n
	}
	ctx, cancel := r.ctx(c)
	defer cancel()
	b, err := r.sup.Tail(ctx, name, stream, maxBytes)
	if err != nil {
		r.fail(c, err)
		return
	}
	if c.Query("format") == "json" {
		writeJSON(c, http.StatusOK, protocol.TailResult{Name: name, Stream: string(stream), Bytes: b})
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", b)
}
