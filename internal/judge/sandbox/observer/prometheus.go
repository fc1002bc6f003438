package observer

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder exports sandbox metrics through a prometheus registerer.
// Labels are kept to language and status; submission ids never become labels.
type PrometheusRecorder struct {
	compileTotal    *prometheus.CounterVec
	compileDuration *prometheus.HistogramVec
	runTotal        *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	runMemory       *prometheus.HistogramVec
	verdictTotal    *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	killTotal       *prometheus.CounterVec
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		compileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_compile_total",
			Help: "Total number of compilations by language and outcome",
		}, []string{"language", "ok"}),
		compileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judge_compile_duration_seconds",
			Help:    "Compile duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"language"}),
		runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_run_total",
			Help: "Total number of test case runs by language and status",
		}, []string{"language", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judge_run_duration_seconds",
			Help:    "Wall time of a single test case run in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"language"}),
		runMemory: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judge_run_memory_bytes",
			Help:    "Peak resident memory of a single test case run",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12),
		}, []string{"language"}),
		verdictTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_verdict_total",
			Help: "Total number of verdicts by language and status",
		}, []string{"language", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "judge_job_duration_seconds",
			Help:    "End-to-end grading duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"language"}),
		killTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "judge_kill_total",
			Help: "Process group kills by reason",
		}, []string{"reason"}),
	}
	collectors := []prometheus.Collector{
		r.compileTotal, r.compileDuration, r.runTotal, r.runDuration,
		r.runMemory, r.verdictTotal, r.jobDuration, r.killTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *PrometheusRecorder) ObserveCompile(_ context.Context, languageID string, ok bool, timeMs int64, _ int64) {
	r.compileTotal.WithLabelValues(languageID, strconv.FormatBool(ok)).Inc()
	r.compileDuration.WithLabelValues(languageID).Observe(msToSeconds(timeMs))
}

func (r *PrometheusRecorder) ObserveRun(_ context.Context, languageID string, status string, timeMs int64, memoryKB int64) {
	r.runTotal.WithLabelValues(languageID, status).Inc()
	r.runDuration.WithLabelValues(languageID).Observe(msToSeconds(timeMs))
	r.runMemory.WithLabelValues(languageID).Observe(float64(memoryKB) * 1024)
}

func (r *PrometheusRecorder) ObserveVerdict(_ context.Context, languageID string, status string, elapsed time.Duration) {
	r.verdictTotal.WithLabelValues(languageID, status).Inc()
	r.jobDuration.WithLabelValues(languageID).Observe(elapsed.Seconds())
}

func (r *PrometheusRecorder) ObserveKill(_ context.Context, reason string) {
	r.killTotal.WithLabelValues(reason).Inc()
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}
