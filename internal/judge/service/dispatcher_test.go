package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kurooj/internal/common/cache"
	"kurooj/internal/common/mq"
	"kurooj/internal/judge/model"
	"kurooj/internal/judge/repository"
	"kurooj/internal/judge/sandbox"
	"kurooj/internal/judge/sandbox/language"
	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/service"
	appErr "kurooj/pkg/errors"

	"github.com/alicebob/miniredis/v2"
)

type fakeGrader struct {
	calls atomic.Int32
	grade func(ctx context.Context, job sandbox.Job, call int) (result.Verdict, error)
}

func (g *fakeGrader) Grade(ctx context.Context, job sandbox.Job) (result.Verdict, error) {
	call := int(g.calls.Add(1))
	return g.grade(ctx, job, call)
}

func (g *fakeGrader) Limits() sandbox.Limits { return sandbox.DefaultLimits() }

type fakeLanguages struct{}

func (fakeLanguages) Resolve(id string) (language.Adapter, error) {
	if id == "cpp" || id == "python" {
		return nil, nil
	}
	return nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", id)
}

func (fakeLanguages) Toolchains() map[string][]string {
	return map[string][]string{"cpp": {"g++"}, "python": {"python3"}}
}

type recordingSink struct {
	mu      sync.Mutex
	reports []model.VerdictReport
	fail    error
	got     chan model.VerdictReport
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(chan model.VerdictReport, 16)}
}

func (s *recordingSink) Publish(_ context.Context, report model.VerdictReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.reports = append(s.reports, report)
	s.got <- report
	return nil
}

func (s *recordingSink) all() []model.VerdictReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.VerdictReport(nil), s.reports...)
}

func (s *recordingSink) wait(t *testing.T) model.VerdictReport {
	t.Helper()
	select {
	case r := <-s.got:
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("no verdict reported")
		return model.VerdictReport{}
	}
}

type harness struct {
	dispatcher *service.Dispatcher
	grader     *fakeGrader
	queue      *mq.MemoryQueue
	sink       *recordingSink
	statuses   *repository.StatusRepository
	cancels    *repository.CancelRepository
}

func newHarness(t *testing.T, grade func(ctx context.Context, job sandbox.Job, call int) (result.Verdict, error), tweak func(*service.Config)) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithConfig(&cache.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisCacheWithConfig() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	h := &harness{
		grader:   &fakeGrader{grade: grade},
		queue:    mq.NewMemoryQueue(8),
		sink:     newRecordingSink(),
		statuses: repository.NewStatusRepository(c, time.Hour),
		cancels:  repository.NewCancelRepository(c, time.Hour),
	}
	t.Cleanup(func() { _ = h.queue.Close() })
	cfg := service.Config{
		Grader:      h.grader,
		Languages:   fakeLanguages{},
		Queue:       h.queue,
		Statuses:    h.statuses,
		Cancels:     h.cancels,
		Verdicts:    h.sink,
		Cache:       c,
		PoolSize:    2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		LookPath:    func(file string) (string, error) { return "/usr/bin/" + file, nil },
	}
	if tweak != nil {
		tweak(&cfg)
	}
	d, err := service.NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	h.dispatcher = d
	return h
}

func judgeMessage(id string) model.JudgeMessage {
	return model.JudgeMessage{
		SubmissionID:  id,
		Language:      "cpp",
		Code:          "int main() { return 0; }",
		TestCases:     []model.TestCaseMessage{{Input: "1 2", Output: "3"}, {Input: "2 2", Output: "4", Hidden: true}},
		TimeLimitMs:   1000,
		MemoryLimitMb: 256,
	}
}

func queueMessage(t *testing.T, payload any) *mq.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return mq.NewMessage(body)
}

func accepted(_ context.Context, job sandbox.Job, _ int) (result.Verdict, error) {
	outcomes := make([]result.ExecutionOutcome, 0, len(job.TestCases))
	for i, tc := range job.TestCases {
		outcomes = append(outcomes, result.ExecutionOutcome{Index: i, Status: result.StatusAccepted, Stdout: tc.Expected, Hidden: tc.Hidden, TimeMs: 5, MemoryKB: 1500})
	}
	return result.Aggregate(job.SubmissionID, outcomes, len(job.TestCases)), nil
}

func TestHandleJobReportsVerdict(t *testing.T) {
	h := newHarness(t, accepted, nil)
	ctx := context.Background()

	if err := h.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("s1"))); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	reports := h.sink.all()
	if len(reports) != 1 {
		t.Fatalf("reports = %d, want 1", len(reports))
	}
	r := reports[0]
	if r.Status != "Accepted" || r.Score != 100 || r.Attempts != 1 || r.JudgedAt == 0 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if len(r.TestResults) != 2 || r.TestResults[0].Index != 1 || r.TestResults[1].Output != nil {
		t.Fatalf("unexpected test results: %+v", r.TestResults)
	}
	if r.MemoryUsedMb != 2 {
		t.Fatalf("MemoryUsedMb = %d, want 2", r.MemoryUsedMb)
	}

	status, err := h.statuses.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if status.State != "Done" || status.Score == nil || *status.Score != 100 || status.DoneTests != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestHandleJobRetriesRetryableFaults(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, job sandbox.Job, call int) (result.Verdict, error) {
		if call < 3 {
			err := appErr.New(appErr.SandboxStartFailed).WithMessage("fork failed")
			return result.Internal(job.SubmissionID, err.Error()), err
		}
		return accepted(ctx, job, call)
	}, nil)

	if err := h.dispatcher.HandleJob(context.Background(), queueMessage(t, judgeMessage("s2"))); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	r := h.sink.all()[0]
	if r.Status != "Accepted" || r.Attempts != 3 {
		t.Fatalf("unexpected report: %+v", r)
	}
}

func TestHandleJobGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t, func(_ context.Context, job sandbox.Job, _ int) (result.Verdict, error) {
		err := appErr.New(appErr.WorkspaceExhausted).WithMessage("disk full")
		return result.Internal(job.SubmissionID, sandbox.Describe(err)), err
	}, nil)
	ctx := context.Background()

	if err := h.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("s3"))); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if got := h.grader.calls.Load(); got != 3 {
		t.Fatalf("grade calls = %d, want 3", got)
	}
	r := h.sink.all()[0]
	if r.Status != "InternalError" || r.Score != 0 || r.Attempts != 3 || r.ErrorMessage != "disk full" {
		t.Fatalf("unexpected report: %+v", r)
	}
	status, _ := h.statuses.Get(ctx, "s3")
	if status.State != "Failed" {
		t.Fatalf("State = %q, want Failed", status.State)
	}
}

func TestHandleJobDoesNotRetrySubmissionFaults(t *testing.T) {
	h := newHarness(t, func(_ context.Context, job sandbox.Job, _ int) (result.Verdict, error) {
		err := appErr.ValidationError("testCases", "must not be empty")
		return result.Internal(job.SubmissionID, sandbox.Describe(err)), err
	}, nil)

	if err := h.dispatcher.HandleJob(context.Background(), queueMessage(t, judgeMessage("s4"))); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if got := h.grader.calls.Load(); got != 1 {
		t.Fatalf("grade calls = %d, want 1", got)
	}
	if r := h.sink.all()[0]; r.Status != "InternalError" || r.Attempts != 1 {
		t.Fatalf("unexpected report: %+v", r)
	}
}

func TestHandleJobHonoursCancelFlag(t *testing.T) {
	h := newHarness(t, accepted, nil)
	ctx := context.Background()
	if _, err := h.dispatcher.Cancel(ctx, "s5"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if err := h.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("s5"))); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if h.grader.calls.Load() != 0 {
		t.Fatalf("cancelled job was graded")
	}
	r := h.sink.all()[0]
	if r.Status != "Cancelled" || r.Score != 0 || len(r.TestResults) != 0 {
		t.Fatalf("unexpected report: %+v", r)
	}
	if ok, _ := h.cancels.IsRequested(ctx, "s5"); ok {
		t.Fatalf("cancel flag not cleared")
	}
}

func TestCancelInterruptsRunningJob(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, job sandbox.Job, _ int) (result.Verdict, error) {
		close(started)
		<-ctx.Done()
		return result.Cancelled(job.SubmissionID, nil), nil
	}, nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("s6"))) }()
	<-started

	interrupted, err := h.dispatcher.Cancel(ctx, "s6")
	if err != nil || !interrupted {
		t.Fatalf("Cancel() = %v, %v", interrupted, err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("HandleJob() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job did not stop")
	}
	if r := h.sink.all()[0]; r.Status != "Cancelled" {
		t.Fatalf("Status = %q, want Cancelled", r.Status)
	}
	if h.dispatcher.Running() != 0 {
		t.Fatalf("job still tracked")
	}
	if interrupted, _ := h.dispatcher.Cancel(ctx, "s6"); interrupted {
		t.Fatalf("finished job reported as interrupted")
	}
}

func TestCancelInterruptsEveryCopyOfSubmission(t *testing.T) {
	first := make(chan struct{})
	second := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, job sandbox.Job, call int) (result.Verdict, error) {
		if call == 1 {
			close(first)
			<-release
			return accepted(ctx, job, call)
		}
		close(second)
		<-ctx.Done()
		return result.Cancelled(job.SubmissionID, nil), nil
	}, nil)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() { firstDone <- h.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("dup"))) }()
	<-first
	secondDone := make(chan error, 1)
	go func() { secondDone <- h.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("dup"))) }()
	<-second
	if n := h.dispatcher.Running(); n != 2 {
		t.Fatalf("Running() = %d, want 2", n)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first HandleJob() error = %v", err)
	}
	if n := h.dispatcher.Running(); n != 1 {
		t.Fatalf("Running() after first copy finished = %d, want 1", n)
	}

	interrupted, err := h.dispatcher.Cancel(ctx, "dup")
	if err != nil || !interrupted {
		t.Fatalf("Cancel() = %v, %v", interrupted, err)
	}
	select {
	case err := <-secondDone:
		if err != nil {
			t.Fatalf("second HandleJob() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("second copy did not stop")
	}
	reports := h.sink.all()
	if len(reports) != 2 || reports[0].Status != "Accepted" || reports[1].Status != "Cancelled" {
		t.Fatalf("unexpected reports: %+v", reports)
	}
	if h.dispatcher.Running() != 0 {
		t.Fatalf("job still tracked")
	}
}

func TestCancelReachesOtherInstances(t *testing.T) {
	local := newHarness(t, accepted, nil)
	started := make(chan struct{})
	remote := newHarness(t, func(ctx context.Context, job sandbox.Job, _ int) (result.Verdict, error) {
		close(started)
		<-ctx.Done()
		return result.Cancelled(job.SubmissionID, nil), nil
	}, func(cfg *service.Config) { cfg.Queue = local.queue })
	ctx := context.Background()

	// Applying a cancel from the queue must not publish it again.
	if err := local.dispatcher.HandleCancel(ctx, queueMessage(t, model.CancelMessage{SubmissionID: "other"})); err != nil {
		t.Fatalf("HandleCancel() error = %v", err)
	}
	if n := local.queue.Len("judge.cancel"); n != 0 {
		t.Fatalf("HandleCancel() republished, Len() = %d", n)
	}

	if err := remote.dispatcher.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- remote.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("s10"))) }()
	<-started

	interrupted, err := local.dispatcher.Cancel(ctx, "s10")
	if err != nil || interrupted {
		t.Fatalf("Cancel() = %v, %v; s10 is not graded locally", interrupted, err)
	}
	if n := local.queue.Len("judge.cancel"); n != 1 {
		t.Fatalf("cancel not broadcast, Len() = %d", n)
	}
	if err := local.queue.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if r := remote.sink.wait(t); r.SubmissionID != "s10" || r.Status != "Cancelled" {
		t.Fatalf("unexpected report: %+v", r)
	}
	if err := <-done; err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
}

func TestHandleJobExpiredBeforeGrading(t *testing.T) {
	h := newHarness(t, accepted, func(cfg *service.Config) { cfg.MessageTTL = time.Minute })
	ctx := context.Background()

	stale := judgeMessage("s11")
	stale.EnqueuedAt = time.Now().Add(-time.Hour).UnixMilli()
	if err := h.dispatcher.HandleJob(ctx, queueMessage(t, stale)); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	// Without an enqueue time the transport timestamp decides.
	old := queueMessage(t, judgeMessage("s12"))
	old.Timestamp = time.Now().Add(-time.Hour)
	if err := h.dispatcher.HandleJob(ctx, old); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if h.grader.calls.Load() != 0 {
		t.Fatalf("expired job was graded")
	}
	reports := h.sink.all()
	if len(reports) != 2 {
		t.Fatalf("reports = %d, want 2", len(reports))
	}
	for _, r := range reports {
		if r.Status != "InternalError" || r.ErrorMessage != "job expired before grading" {
			t.Fatalf("unexpected report: %+v", r)
		}
	}
	status, _ := h.statuses.Get(ctx, "s11")
	if status.State != "Failed" {
		t.Fatalf("State = %q, want Failed", status.State)
	}

	fresh := judgeMessage("s13")
	fresh.EnqueuedAt = time.Now().UnixMilli()
	if err := h.dispatcher.HandleJob(ctx, queueMessage(t, fresh)); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if r := h.sink.all()[2]; r.Status != "Accepted" {
		t.Fatalf("fresh job Status = %q, want Accepted", r.Status)
	}
}

func TestHandleJobShutdownLeavesMessage(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, job sandbox.Job, _ int) (result.Verdict, error) {
		close(started)
		<-ctx.Done()
		return result.Cancelled(job.SubmissionID, nil), nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.dispatcher.HandleJob(ctx, queueMessage(t, judgeMessage("s7"))) }()
	<-started
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("HandleJob() error = %v, want context.Canceled", err)
	}
	if len(h.sink.all()) != 0 {
		t.Fatalf("verdict reported during shutdown")
	}
}

func TestHandleJobReportFailureIsReturned(t *testing.T) {
	h := newHarness(t, accepted, func(cfg *service.Config) { cfg.ReportAttempts = 2 })
	h.sink.fail = errors.New("broker down")

	err := h.dispatcher.HandleJob(context.Background(), queueMessage(t, judgeMessage("s8")))
	if err == nil {
		t.Fatalf("HandleJob() should fail when the verdict cannot be reported")
	}
}

func TestHandleJobDropsUndecodableMessage(t *testing.T) {
	h := newHarness(t, accepted, nil)
	if err := h.dispatcher.HandleJob(context.Background(), mq.NewMessage([]byte("{"))); err != nil {
		t.Fatalf("HandleJob() error = %v", err)
	}
	if h.grader.calls.Load() != 0 || len(h.sink.all()) != 0 {
		t.Fatalf("undecodable message should be dropped")
	}
}

func TestSubmit(t *testing.T) {
	h := newHarness(t, accepted, nil)
	ctx := context.Background()

	status, err := h.dispatcher.Submit(ctx, judgeMessage("s9"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if status.State != "Queued" || status.TotalTests != 2 || status.ReceivedAt == 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if h.queue.Len("judge.jobs") != 1 {
		t.Fatalf("job not queued")
	}
	stored, err := h.dispatcher.Status(ctx, "s9")
	if err != nil || stored.State != "Queued" {
		t.Fatalf("Status() = %+v, %v", stored, err)
	}

	generated := judgeMessage("")
	status, err = h.dispatcher.Submit(ctx, generated)
	if err != nil || status.SubmissionID == "" {
		t.Fatalf("Submit() without id = %+v, %v", status, err)
	}
}

func TestSubmitRejectsInvalidJobs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.JudgeMessage)
		code   appErr.ErrorCode
	}{
		{"unsupported language", func(m *model.JudgeMessage) { m.Language = "cobol" }, appErr.LanguageNotSupported},
		{"no source", func(m *model.JudgeMessage) { m.Code = "" }, appErr.ValidationFailed},
		{"no tests", func(m *model.JudgeMessage) { m.TestCases = nil }, appErr.ValidationFailed},
		{"zero time limit", func(m *model.JudgeMessage) { m.TimeLimitMs = 0 }, appErr.ValidationFailed},
		{"source key without storage", func(m *model.JudgeMessage) { m.Code = ""; m.SourceKey = "a.cpp" }, appErr.ServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, accepted, nil)
			msg := judgeMessage("bad")
			tt.mutate(&msg)
			_, err := h.dispatcher.Submit(context.Background(), msg)
			if !appErr.Is(err, tt.code) {
				t.Fatalf("Submit() error = %v, want code %d", err, tt.code)
			}
			if h.queue.Len("judge.jobs") != 0 {
				t.Fatalf("invalid job queued")
			}
		})
	}
}

func TestSubmitQueueFull(t *testing.T) {
	q := mq.NewMemoryQueue(1)
	defer q.Close()
	h := newHarness(t, accepted, func(cfg *service.Config) { cfg.Queue = q })
	ctx := context.Background()

	if _, err := h.dispatcher.Submit(ctx, judgeMessage("q1")); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	_, err := h.dispatcher.Submit(ctx, judgeMessage("q2"))
	if !appErr.Is(err, appErr.JudgeQueueFull) {
		t.Fatalf("Submit() error = %v, want JudgeQueueFull", err)
	}
	status, _ := h.dispatcher.Status(ctx, "q2")
	if status.State != "Failed" {
		t.Fatalf("State = %q, want Failed", status.State)
	}
}

func TestDispatcherConsumesQueue(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, job sandbox.Job, call int) (result.Verdict, error) {
		if job.SubmissionID == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return result.Cancelled(job.SubmissionID, nil), nil
			}
		}
		return accepted(ctx, job, call)
	}, nil)
	ctx := context.Background()
	if err := h.dispatcher.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := h.queue.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := h.dispatcher.Submit(ctx, judgeMessage("fast")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if r := h.sink.wait(t); r.SubmissionID != "fast" || r.Status != "Accepted" {
		t.Fatalf("unexpected report: %+v", r)
	}

	if _, err := h.dispatcher.Submit(ctx, judgeMessage("slow")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for h.dispatcher.Running() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow job never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	body, _ := json.Marshal(model.CancelMessage{SubmissionID: "slow"})
	if err := h.queue.Publish(ctx, "judge.cancel", mq.NewMessage(body)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if r := h.sink.wait(t); r.SubmissionID != "slow" || r.Status != "Cancelled" {
		t.Fatalf("unexpected report: %+v", r)
	}
	close(release)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, accepted, nil)
	report := h.dispatcher.Health(context.Background())
	if !report.Healthy() || report.PoolCapacity != 2 || report.PoolAvailable != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Languages) != 2 || report.Languages[0] != "cpp" || report.Toolchains["g++"] != "ok" {
		t.Fatalf("unexpected languages: %+v", report)
	}

	missing := newHarness(t, accepted, func(cfg *service.Config) {
		cfg.LookPath = func(file string) (string, error) {
			if file == "python3" {
				return "", errors.New("executable file not found in $PATH")
			}
			return "/usr/bin/" + file, nil
		}
	})
	report = missing.dispatcher.Health(context.Background())
	if report.Healthy() || report.Toolchains["python3"] == "ok" || report.Toolchains["g++"] != "ok" {
		t.Fatalf("unexpected report: %+v", report)
	}
}
