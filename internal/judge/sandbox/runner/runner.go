// Package runner runs one test case through the engine and classifies the
// raw process result into an execution outcome.
package runner

import (
	"context"
	"errors"
	"fmt"

	"kurooj/internal/judge/sandbox/engine"
	"kurooj/internal/judge/sandbox/observer"
	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/spec"
	appErr "kurooj/pkg/errors"
	"kurooj/pkg/utils/logger"

	"go.uber.org/zap"
)

const detailOutputLimit = "output limit exceeded"

// Request describes one test case execution.
type Request struct {
	SubmissionID string
	Language     string
	Index        int
	Hidden       bool
	Command      spec.Command
	InputPath    string
	Limits       spec.ResourceLimit
}

// Runner executes test cases under resource limits.
type Runner struct {
	eng     engine.Engine
	metrics observer.MetricsRecorder
}

// NewRunner creates a runner backed by the sandbox engine.
func NewRunner(eng engine.Engine, metrics observer.MetricsRecorder) *Runner {
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	return &Runner{eng: eng, metrics: metrics}
}

// Run executes the request. The returned outcome has a provisional Ran status
// when the program exited cleanly within every limit. An error means the
// process could not be run at all.
func (r *Runner) Run(ctx context.Context, req Request) (result.ExecutionOutcome, error) {
	if req.Command.Empty() {
		return result.ExecutionOutcome{}, appErr.ValidationError("command", "required")
	}
	runSpec := spec.NewRunSpec(req.SubmissionID, fmt.Sprintf("case-%d", req.Index), req.Command, req.InputPath, req.Limits)

	res, err := r.eng.Run(ctx, runSpec)
	if err != nil {
		return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.SandboxStartFailed, "run test case %d failed", req.Index)
	}

	outcome := Classify(ctx, res, req.Limits)
	outcome.Index = req.Index
	outcome.Hidden = req.Hidden
	if res.KillReason != result.KillNone {
		r.metrics.ObserveKill(ctx, res.KillReason.String())
		logger.Debug(ctx, "test case killed",
			zap.Int("index", req.Index),
			zap.String("reason", res.KillReason.String()),
			zap.Int64("time_ms", res.TimeMs),
			zap.Int64("memory_kb", res.MemoryKB),
		)
	}
	r.metrics.ObserveRun(ctx, req.Language, string(outcome.Status), outcome.TimeMs, outcome.MemoryKB)
	return outcome, nil
}

// Classify maps a raw run result to an outcome. The kill reason recorded by
// the engine is authoritative since it names the first limit that tripped.
func Classify(ctx context.Context, res result.RunResult, limits spec.ResourceLimit) result.ExecutionOutcome {
	outcome := result.ExecutionOutcome{
		Status:          result.StatusRan,
		TimeMs:          res.TimeMs,
		MemoryKB:        res.MemoryKB,
		Stdout:          res.Stdout,
		StdoutTruncated: res.StdoutTruncated,
		StderrExcerpt:   res.Stderr,
		ExitCode:        res.ExitCode,
	}
	limitKB := limits.MemoryMB * 1024

	switch res.KillReason {
	case result.KillWallTime:
		outcome.Status = result.StatusTimeLimitExceeded
		return outcome
	case result.KillMemory:
		outcome.Status = result.StatusMemoryLimitExceeded
		return outcome
	case result.KillOutput:
		outcome.Status = result.StatusRuntimeError
		outcome.Detail = detailOutputLimit
		return outcome
	case result.KillCancelled:
		// A job deadline is a time limit; an explicit cancel is not.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			outcome.Status = result.StatusTimeLimitExceeded
		} else {
			outcome.Status = result.StatusCancelled
		}
		return outcome
	}

	switch {
	case res.OomKilled, limitKB > 0 && res.MemoryKB > limitKB:
		outcome.Status = result.StatusMemoryLimitExceeded
	case limits.CPUTimeMs > 0 && res.CPUTimeMs > limits.CPUTimeMs, res.Signal == "SIGXCPU":
		outcome.Status = result.StatusTimeLimitExceeded
	case res.Signal == "SIGXFSZ":
		outcome.Status = result.StatusRuntimeError
		outcome.Detail = detailOutputLimit
	case res.Signal != "":
		outcome.Status = result.StatusRuntimeError
		outcome.Detail = "killed by signal " + res.Signal
	case res.ExitCode != 0:
		outcome.Status = result.StatusRuntimeError
		outcome.Detail = fmt.Sprintf("exit code %d", res.ExitCode)
	}
	return outcome
}
