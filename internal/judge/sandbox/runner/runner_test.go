package runner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/runner"
	"kurooj/internal/judge/sandbox/spec"
	appErr "kurooj/pkg/errors"
)

type fakeEngine struct {
	res result.RunResult
	err error
	got spec.RunSpec
}

func (f *fakeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	f.got = runSpec
	return f.res, f.err
}

func TestClassify(t *testing.T) {
	limits := spec.ResourceLimit{WallTimeMs: 1000, CPUTimeMs: 1000, MemoryMB: 64}
	cases := []struct {
		name       string
		res        result.RunResult
		wantStatus result.Status
		wantDetail string
	}{
		{name: "clean exit", res: result.RunResult{Stdout: "3\n"}, wantStatus: result.StatusRan},
		{name: "wall clock", res: result.RunResult{ExitCode: -1, Signal: "SIGKILL", KillReason: result.KillWallTime}, wantStatus: result.StatusTimeLimitExceeded},
		{name: "memory monitor", res: result.RunResult{ExitCode: -1, Signal: "SIGKILL", KillReason: result.KillMemory}, wantStatus: result.StatusMemoryLimitExceeded},
		{name: "cgroup oom", res: result.RunResult{ExitCode: -1, Signal: "SIGKILL", OomKilled: true}, wantStatus: result.StatusMemoryLimitExceeded},
		{name: "peak over limit", res: result.RunResult{MemoryKB: 64*1024 + 1}, wantStatus: result.StatusMemoryLimitExceeded},
		{name: "output cap", res: result.RunResult{ExitCode: -1, KillReason: result.KillOutput, StdoutTruncated: true}, wantStatus: result.StatusRuntimeError, wantDetail: "output limit exceeded"},
		{name: "cpu limit", res: result.RunResult{CPUTimeMs: 1500}, wantStatus: result.StatusTimeLimitExceeded},
		{name: "sigxcpu", res: result.RunResult{ExitCode: -1, Signal: "SIGXCPU"}, wantStatus: result.StatusTimeLimitExceeded},
		{name: "segfault", res: result.RunResult{ExitCode: -1, Signal: "SIGSEGV"}, wantStatus: result.StatusRuntimeError, wantDetail: "killed by signal SIGSEGV"},
		{name: "exit code", res: result.RunResult{ExitCode: 2, Stderr: "boom"}, wantStatus: result.StatusRuntimeError, wantDetail: "exit code 2"},
		{name: "wall beats memory", res: result.RunResult{KillReason: result.KillWallTime, MemoryKB: 1 << 30}, wantStatus: result.StatusTimeLimitExceeded},
		{name: "explicit cancel", res: result.RunResult{KillReason: result.KillCancelled}, wantStatus: result.StatusCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := runner.Classify(context.Background(), tc.res, limits)
			if got.Status != tc.wantStatus {
				t.Fatalf("status = %s, want %s", got.Status, tc.wantStatus)
			}
			if got.Detail != tc.wantDetail {
				t.Fatalf("detail = %q, want %q", got.Detail, tc.wantDetail)
			}
		})
	}
}

func TestClassifyJobDeadlineIsTimeLimit(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	got := runner.Classify(ctx, result.RunResult{KillReason: result.KillCancelled}, spec.ResourceLimit{})
	if got.Status != result.StatusTimeLimitExceeded {
		t.Fatalf("status = %s, want TimeLimitExceeded", got.Status)
	}
}

func TestRunnerRun(t *testing.T) {
	eng := &fakeEngine{res: result.RunResult{Stdout: "ok", Stderr: "warn", TimeMs: 12, MemoryKB: 900}}
	r := runner.NewRunner(eng, nil)
	req := runner.Request{
		SubmissionID: "sub-1",
		Language:     "cpp",
		Index:        2,
		Hidden:       true,
		Command:      spec.Command{Args: []string{"/work/main"}, Dir: "/work"},
		InputPath:    "/work/case-2.in",
		Limits:       spec.ResourceLimit{WallTimeMs: 1000},
	}
	outcome, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome.Index != 2 || !outcome.Hidden || outcome.Status != result.StatusRan {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.StderrExcerpt != "warn" || outcome.TimeMs != 12 || outcome.MemoryKB != 900 {
		t.Fatalf("stats not carried over: %+v", outcome)
	}
	if eng.got.StdinPath != req.InputPath || eng.got.WorkDir != "/work" || eng.got.TestID != "case-2" {
		t.Fatalf("unexpected run spec %+v", eng.got)
	}

	failing := runner.NewRunner(&fakeEngine{err: errors.New("exec format error")}, nil)
	if _, err := failing.Run(context.Background(), req); !appErr.Is(err, appErr.SandboxStartFailed) {
		t.Fatalf("expected SandboxStartFailed, got %v", err)
	}
	if _, err := r.Run(context.Background(), runner.Request{}); err == nil {
		t.Fatalf("expected validation error for empty command")
	}
}
