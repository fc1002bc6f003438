package observer_test

import (
	"context"
	"testing"
	"time"

	"kurooj/internal/judge/sandbox/observer"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusRecorderEmits(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := observer.NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	ctx := context.Background()
	rec.ObserveCompile(ctx, "cpp", true, 800, 40960)
	rec.ObserveRun(ctx, "cpp", "Accepted", 12, 2048)
	rec.ObserveVerdict(ctx, "cpp", "Accepted", 2*time.Second)
	rec.ObserveKill(ctx, "wall_time")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	found := map[string]bool{}
	for _, mf := range mfs {
		found[mf.GetName()] = true
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "submission_id" {
					t.Fatalf("metric %s carries a submission_id label", mf.GetName())
				}
			}
		}
	}
	for _, name := range []string{
		"judge_compile_total",
		"judge_run_total",
		"judge_run_memory_bytes",
		"judge_verdict_total",
		"judge_job_duration_seconds",
		"judge_kill_total",
	} {
		if !found[name] {
			t.Fatalf("expected metric %s to be gathered", name)
		}
	}
}

func TestPrometheusRecorderRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := observer.NewPrometheusRecorder(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := observer.NewPrometheusRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
