package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	// Re-register standard collectors
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("run42", "1.0.0")
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"ItemsPending", m.ItemsPending},
		{"ChunksPlanned", m.ChunksPlanned},
		{"ChunksTotal", m.ChunksTotal},
		{"ItemsMarked", m.ItemsMarked},
		{"ItemsDownloaded", m.ItemsDownloaded},
		{"FilesUploaded", m.FilesUploaded},
		{"StageDuration", m.StageDuration},
		{"StageFailures", m.StageFailures},
		{"LastSuccess", m.LastSuccess},
		{"RunInfo", m.RunInfo},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestMetricsCounterIncrement(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("run42", "1.0.0")
	m.ItemsMarked.Add(3)
	m.ChunksTotal.WithLabelValues("success").Inc()

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range mfs {
		if mf.GetName() != "slidebatch_items_marked_total" {
			continue
		}
		found = true
		metric := mf.GetMetric()[0]
		if got := metric.GetCounter().GetValue(); got != 3 {
			t.Errorf("expected 3 markers, got %v", got)
		}
		labels := metric.GetLabel()
		if len(labels) != 1 || labels[0].GetName() != "queue" || labels[0].GetValue() != "run42" {
			t.Errorf("unexpected labels %v", labels)
		}
	}
	if !found {
		t.Error("slidebatch_items_marked_total not gathered")
	}
}

func TestInitMetricsRunInfo(t *testing.T) {
	freshRegistry(t)
	InitMetrics("run42", "1.2.3")

	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() != "slidebatch_run_info" {
			continue
		}
		if n := len(mf.GetMetric()); n != 1 {
			t.Fatalf("expected 1 run_info series, got %d", n)
		}
		metric := mf.GetMetric()[0]
		if got := metric.GetGauge().GetValue(); got != 1 {
			t.Errorf("expected run_info 1, got %v", got)
		}
		var version string
		for _, l := range metric.GetLabel() {
			if l.GetName() == "version" {
				version = l.GetValue()
			}
		}
		if version != "1.2.3" {
			t.Errorf("expected version label 1.2.3, got %q", version)
		}
		return
	}
	t.Error("slidebatch_run_info not gathered")
}

func TestPushDisabled(t *testing.T) {
	if err := Push(context.Background(), "", "slidebatch", "run42"); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
}

func TestPush(t *testing.T) {
	freshRegistry(t)
	InitMetrics("run42", "1.0.0")

	var hits atomic.Int32
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		path.Store(r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Push(context.Background(), srv.URL, "slidebatch", "run42"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 push, got %d", hits.Load())
	}
	if p, _ := path.Load().(string); !strings.Contains(p, "/job/slidebatch/batch/run42") {
		t.Errorf("unexpected push path %q", p)
	}
}

func TestPushError(t *testing.T) {
	freshRegistry(t)
	InitMetrics("run42", "1.0.0")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := Push(context.Background(), srv.URL, "slidebatch", "run42"); err == nil {
		t.Error("expected push error")
	}
}
