package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/papa/internal/metrics"
	"github.com/loykin/papa/internal/process"
	"github.com/loykin/papa/internal/protocol"
	"github.com/loykin/papa/internal/supervisor"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// startSupervisor runs a supervisor with the given definitions for the
// duration of the test.
func startSupervisor(t *testing.T, specs ...process.Spec) *supervisor.Supervisor {
	t.Helper()
	sup := supervisor.New(supervisor.Options{Logger: quietLogger(), ShutdownGrace: 2 * time.Second})
	for _, s := range specs {
		require.NoError(t, sup.Register(s))
	}
	errc := make(chan error, 1)
	go func() { errc <- sup.Run(context.Background()) }()
	t.Cleanup(func() {
		_ = sup.Shutdown(context.Background())
		select {
		case <-errc:
		case <-time.After(10 * time.Second):
			t.Errorf("supervisor did not stop")
		}
	})
	return sup
}

func printer(name, text string) process.Spec {
	return process.Spec{
		Name:         name,
		Command:      "/bin/sh",
		Args:         []string{"-c", "printf '%s' \"$TEXT\"; sleep 30"},
		Env:          []string{"TEXT=" + text},
		StartSeconds: 50 * time.Millisecond,
		StopGrace:    time.Second,
	}
}

func setupRouter(t *testing.T, base string, specs ...process.Spec) (http.Handler, *supervisor.Supervisor) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	sup := startSupervisor(t, specs...)
	return NewRouter(sup, base).Handler(), sup
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusAllEmpty(t *testing.T) {
	h, _ := setupRouter(t, "/abc")
	rec := doReq(t, h, http.MethodGet, "/abc/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestStatusUnknown(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/status/unknown")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var e errorResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Equal(t, string(protocol.KindNotFound), e.Kind)
}

func TestStatusInvalidName(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/status/bad..name")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndTail(t *testing.T) {
	h, sup := setupRouter(t, "/api", printer("web", "hello world"))
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx, "web", true))
	require.Eventually(t, func() bool {
		b, err := sup.Tail(ctx, "web", "stdout", 0)
		return err == nil && string(b) == "hello world"
	}, 5*time.Second, 10*time.Millisecond)

	rec := doReq(t, h, http.MethodGet, "/api/status/web")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var st protocol.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "web", st.Name)
	assert.Equal(t, "RUNNING", st.State)
	assert.Greater(t, st.PID, 0)
	assert.Equal(t, int64(11), st.StdoutWritten)

	rec = doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []protocol.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all, 1)

	rec = doReq(t, h, http.MethodGet, "/api/tail/web?max_bytes=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "world", rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/api/tail/web?format=json")
	require.Equal(t, http.StatusOK, rec.Code)
	var tr protocol.TailResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.Equal(t, "hello world", string(tr.Bytes))
	assert.Equal(t, "stdout", tr.Stream)
}

func TestTailBadParams(t *testing.T) {
	h, _ := setupRouter(t, "", printer("web", "x"))
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/tail/web?stream=stdin").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/tail/web?max_bytes=-1").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/tail/nope").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	require.NoError(t, metrics.Register(prometheus.DefaultRegisterer))
	h, sup := setupRouter(t, "", printer("web", "x"))
	require.NoError(t, sup.Start(context.Background(), "web", true))
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "papa_process_starts_total"), rec.Body.String())
}

func TestReadOnly(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/status")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListenHTTP(t *testing.T) {
	sup := startSupervisor(t)
	srv, err := ListenHTTP("127.0.0.1:0", "", sup)
	require.NoError(t, err)
	defer func() { _ = srv.Close() }()

	resp, err := http.Get("http://" + srv.Addr + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = ListenHTTP(srv.Addr, "", sup)
	assert.Error(t, err)
}
