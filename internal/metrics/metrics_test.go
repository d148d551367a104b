package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncStart("a")
	IncStart("a")
	IncRestart("a")
	IncStop("a", false)
	IncSpawnFailure("a")
	IncFatal("a")
	AddOutputBytes("a", "stdout", 42)
	IncDropped("a", "stderr")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"papa_process_starts_total":         false,
		"papa_process_restarts_total":       false,
		"papa_process_stops_total":          false,
		"papa_process_spawn_failures_total": false,
		"papa_process_fatal_total":          false,
		"papa_output_bytes_total":           false,
		"papa_output_dropped_chunks_total":  false,
	}
	for _, mf := range mfs {
		if _, ok := wantNames[mf.GetName()]; ok {
			wantNames[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
	if got := testutil.ToFloat64(processStarts.WithLabelValues("a")); got != 2 {
		t.Fatalf("starts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(outputBytes.WithLabelValues("a", "stdout")); got != 42 {
		t.Fatalf("output bytes = %v, want 42", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "papa_process_starts_total") {
		t.Fatalf("metrics output missing starts_total")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncRestart("c")
			IncStop("c", true)
			AddOutputBytes("c", "stdout", 1)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestCurrentStateMovesBetweenLabels(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	SetCurrentState("cs", "", "STARTING")
	SetCurrentState("cs", "STARTING", "RUNNING")
	if v := testutil.ToFloat64(currentStates.WithLabelValues("cs", "STARTING")); v != 0 {
		t.Fatalf("previous state gauge = %v, want 0", v)
	}
	if v := testutil.ToFloat64(currentStates.WithLabelValues("cs", "RUNNING")); v != 1 {
		t.Fatalf("current state gauge = %v, want 1", v)
	}
	RecordStateTransition("cs", "STARTING", "RUNNING")
	if v := testutil.ToFloat64(stateTransitions.WithLabelValues("cs", "STARTING", "RUNNING")); v != 1 {
		t.Fatalf("transitions = %v, want 1", v)
	}

	Forget("cs")
	if n := testutil.CollectAndCount(currentStates); n != 0 {
		t.Fatalf("expected series to be removed, have %d", n)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	IncStart("test")
	IncRestart("test")
	IncStop("test", false)
	IncSpawnFailure("test")
	RecordStateTransition("test", "STARTING", "RUNNING")
	SetCurrentState("test", "STARTING", "RUNNING")
	SetResourceUsage("test", 1, 1)
	Forget("test")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{})
	if err == nil || err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestSamplerSelf(t *testing.T) {
	s := NewSampler()
	pid := int32(os.Getpid())
	u, err := s.Sample("self", pid)
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if u.RSSBytes == 0 {
		t.Fatalf("expected non-zero RSS")
	}
	if u.NumThreads <= 0 {
		t.Fatalf("expected threads > 0, got %d", u.NumThreads)
	}
	s.Retain(map[int32]struct{}{})
	if len(s.procs) != 0 {
		t.Fatalf("retain should drop cached handles")
	}
	if _, err := s.Sample("bad", 0); err == nil {
		t.Fatalf("expected error for pid 0")
	}
}
