package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kurooj/internal/judge/sandbox/compare"
	"kurooj/internal/judge/sandbox/language"
	"kurooj/internal/judge/sandbox/observer"
	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/runner"
	"kurooj/internal/judge/sandbox/spec"
	"kurooj/internal/judge/sandbox/workspace"
	appErr "kurooj/pkg/errors"
	"kurooj/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultPerTestOverhead = 500 * time.Millisecond
	defaultMaxJobDuration  = 5 * time.Minute
	defaultOutputBytes     = 10 << 20
	defaultStderrBytes     = 4 << 10
	defaultStackMB         = 256
	defaultRunPIDs         = 32

	detailBudgetExhausted = "job time budget exhausted"
)

// WorkspaceProvider hands out exclusive scratch directories.
type WorkspaceProvider interface {
	Acquire(ctx context.Context, jobID string) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace) error
}

// AdapterResolver maps a language tag to its adapter.
type AdapterResolver interface {
	Resolve(id string) (language.Adapter, error)
}

// TestRunner executes one test case.
type TestRunner interface {
	Run(ctx context.Context, req runner.Request) (result.ExecutionOutcome, error)
}

// Config tunes the pipeline.
type Config struct {
	// CompileTimeout is counted into the job ceiling.
	CompileTimeout  time.Duration
	PerTestOverhead time.Duration
	MaxJobDuration  time.Duration
	OutputBytes     int64
	StderrBytes     int64
	StackMB         int64
	PIDs            int64
	Limits          Limits
}

func (c *Config) applyDefaults() {
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = language.DefaultCompileConfig().Timeout
	}
	if c.PerTestOverhead <= 0 {
		c.PerTestOverhead = defaultPerTestOverhead
	}
	if c.MaxJobDuration <= 0 {
		c.MaxJobDuration = defaultMaxJobDuration
	}
	if c.OutputBytes <= 0 {
		c.OutputBytes = defaultOutputBytes
	}
	if c.StderrBytes <= 0 {
		c.StderrBytes = defaultStderrBytes
	}
	if c.StackMB <= 0 {
		c.StackMB = defaultStackMB
	}
	if c.PIDs <= 0 {
		c.PIDs = defaultRunPIDs
	}
	c.Limits.applyDefaults()
}

// Pipeline grades jobs. It holds no per-job state and is safe for concurrent use.
type Pipeline struct {
	workspaces WorkspaceProvider
	languages  AdapterResolver
	runner     TestRunner
	reporter   StatusReporter
	metrics    observer.MetricsRecorder
	cfg        Config
}

// NewPipeline wires the grading stages together. reporter and metrics may be nil.
func NewPipeline(
	workspaces WorkspaceProvider,
	languages AdapterResolver,
	testRunner TestRunner,
	reporter StatusReporter,
	metrics observer.MetricsRecorder,
	cfg Config,
) (*Pipeline, error) {
	if workspaces == nil || languages == nil || testRunner == nil {
		return nil, appErr.New(appErr.JudgeSystemError).WithMessage("pipeline dependencies are not initialized")
	}
	if reporter == nil {
		reporter = noopReporter{}
	}
	if metrics == nil {
		metrics = observer.NoopMetricsRecorder{}
	}
	cfg.applyDefaults()
	return &Pipeline{
		workspaces: workspaces,
		languages:  languages,
		runner:     testRunner,
		reporter:   reporter,
		metrics:    metrics,
		cfg:        cfg,
	}, nil
}

// Limits returns the intake bounds jobs are validated against.
func (p *Pipeline) Limits() Limits {
	return p.cfg.Limits
}

// Grade runs one job to a verdict. Cancelling ctx cancels the job: the
// verdict is Cancelled and keeps the outcomes completed so far.
//
// A non-nil error means grading failed for reasons outside the submission.
// The returned verdict is then an InternalError verdict, and
// errors.IsRetryable tells the caller whether another attempt may succeed.
func (p *Pipeline) Grade(ctx context.Context, job Job) (result.Verdict, error) {
	ctx = logger.WithSubmission(ctx, job.SubmissionID)
	start := time.Now()

	if err := job.Validate(p.cfg.Limits); err != nil {
		return p.fault(ctx, job, err)
	}
	adapter, err := p.languages.Resolve(job.Language)
	if err != nil {
		return p.fault(ctx, job, err)
	}
	if ctx.Err() != nil {
		return p.cancelled(ctx, job, nil, start), nil
	}

	ws, err := p.workspaces.Acquire(ctx, job.SubmissionID)
	if err != nil {
		if ctx.Err() != nil {
			return p.cancelled(ctx, job, nil, start), nil
		}
		return p.fault(ctx, job, err)
	}
	defer func() {
		if err := p.workspaces.Release(ws); err != nil {
			logger.Error(ctx, "release workspace failed", zap.String("dir", ws.Dir), zap.Error(err))
		}
	}()

	limits := adapter.Limits(p.baseLimits(job))
	jobCtx, cancel := context.WithTimeout(ctx, p.ceiling(limits, len(job.TestCases)))
	defer cancel()

	p.report(ctx, job, result.StateCompiling, "", 0)
	artifact, err := adapter.Compile(jobCtx, job.SubmissionID, job.Source, ws)
	if err != nil {
		var compileErr *language.CompileError
		switch {
		case ctx.Err() != nil:
			return p.cancelled(ctx, job, nil, start), nil
		case errors.As(err, &compileErr):
			return p.finish(ctx, job, result.CompilationFailed(job.SubmissionID, compileErr.Diagnostics), start), nil
		case jobCtx.Err() != nil:
			return p.finish(ctx, job, result.CompilationFailed(job.SubmissionID, "compilation exceeded the job time budget"), start), nil
		default:
			return p.fault(ctx, job, err)
		}
	}
	cmd := adapter.BuildRunCommand(artifact)

	outcomes := make([]result.ExecutionOutcome, 0, len(job.TestCases))
	p.report(ctx, job, result.StateRunning, "", 0)
	for i, tc := range job.TestCases {
		if ctx.Err() != nil {
			return p.cancelled(ctx, job, outcomes, start), nil
		}
		if jobCtx.Err() != nil {
			outcomes = append(outcomes, result.ExecutionOutcome{
				Index:  i,
				Status: result.StatusTimeLimitExceeded,
				Detail: detailBudgetExhausted,
				Hidden: tc.Hidden,
			})
			continue
		}

		outcome, err := p.runTest(jobCtx, job, i, tc, cmd, limits, ws)
		if err != nil {
			if ctx.Err() != nil {
				return p.cancelled(ctx, job, outcomes, start), nil
			}
			return p.fault(ctx, job, err)
		}
		if outcome.Status == result.StatusCancelled {
			return p.cancelled(ctx, job, outcomes, start), nil
		}
		outcomes = append(outcomes, outcome)
		logger.Debug(ctx, "test case graded",
			zap.Int("index", i),
			zap.String("status", string(outcome.Status)),
			zap.Int64("time_ms", outcome.TimeMs),
			zap.Int64("memory_kb", outcome.MemoryKB),
		)
		p.report(ctx, job, result.StateRunning, "", len(outcomes))
	}

	p.report(ctx, job, result.StateAggregating, "", len(outcomes))
	return p.finish(ctx, job, result.Aggregate(job.SubmissionID, outcomes, len(job.TestCases)), start), nil
}

func (p *Pipeline) runTest(
	ctx context.Context,
	job Job,
	index int,
	tc TestCase,
	cmd spec.Command,
	limits spec.ResourceLimit,
	ws *workspace.Workspace,
) (result.ExecutionOutcome, error) {
	inputPath, err := ws.StageInput(index, tc.Input)
	if err != nil {
		return result.ExecutionOutcome{}, appErr.Wrapf(err, appErr.WorkspaceFailed, "stage input for test case %d", index)
	}
	defer ws.RemoveFile(inputPath)

	outcome, err := p.runner.Run(ctx, runner.Request{
		SubmissionID: job.SubmissionID,
		Language:     job.Language,
		Index:        index,
		Hidden:       tc.Hidden,
		Command:      cmd,
		InputPath:    inputPath,
		Limits:       limits,
	})
	if err != nil {
		return result.ExecutionOutcome{}, err
	}
	return compare.Grade(outcome, tc.Expected), nil
}

func (p *Pipeline) baseLimits(job Job) spec.ResourceLimit {
	output := job.OutputLimitBytes
	if output <= 0 {
		output = p.cfg.OutputBytes
	}
	return spec.ResourceLimit{
		CPUTimeMs:   job.TimeLimitMs,
		WallTimeMs:  job.TimeLimitMs,
		MemoryMB:    job.MemoryLimitMB,
		StackMB:     p.cfg.StackMB,
		OutputBytes: output,
		StderrBytes: p.cfg.StderrBytes,
		PIDs:        p.cfg.PIDs,
	}
}

// ceiling bounds a whole job: compile timeout plus every test's wall limit
// and overhead, capped by MaxJobDuration.
func (p *Pipeline) ceiling(limits spec.ResourceLimit, tests int) time.Duration {
	perTest := time.Duration(limits.WallTimeMs)*time.Millisecond + p.cfg.PerTestOverhead
	total := p.cfg.CompileTimeout + time.Duration(tests)*perTest
	if total > p.cfg.MaxJobDuration {
		total = p.cfg.MaxJobDuration
	}
	return total
}

func (p *Pipeline) cancelled(ctx context.Context, job Job, completed []result.ExecutionOutcome, start time.Time) result.Verdict {
	logger.Info(ctx, "judging cancelled", zap.Int("completed", len(completed)), zap.Int("total", len(job.TestCases)))
	return p.finish(ctx, job, result.Cancelled(job.SubmissionID, completed), start)
}

func (p *Pipeline) finish(ctx context.Context, job Job, verdict result.Verdict, start time.Time) result.Verdict {
	state := result.StateDone
	if verdict.Status == result.StatusCompilationError {
		state = result.StateFailed
	}
	elapsed := time.Since(start)
	p.metrics.ObserveVerdict(ctx, job.Language, string(verdict.Status), elapsed)
	p.report(context.WithoutCancel(ctx), job, state, verdict.Status, len(verdict.Outcomes))
	logger.Info(ctx, "judging finished",
		zap.String("status", string(verdict.Status)),
		zap.Int("score", verdict.Score),
		zap.Int64("time_ms", verdict.TotalTimeMs),
		zap.Int64("memory_kb", verdict.PeakMemoryKB),
		zap.Duration("elapsed", elapsed),
	)
	return verdict
}

// fault builds the InternalError verdict for an infrastructure or intake
// failure. Terminal reporting is left to the dispatcher, which may retry.
func (p *Pipeline) fault(ctx context.Context, job Job, err error) (result.Verdict, error) {
	logger.Warn(ctx, "judging failed",
		zap.Error(err),
		zap.Bool("retryable", appErr.IsRetryable(err)),
	)
	return result.Internal(job.SubmissionID, Describe(err)), err
}

func (p *Pipeline) report(ctx context.Context, job Job, state result.JobState, status result.Status, done int) {
	update := StatusUpdate{
		SubmissionID: job.SubmissionID,
		State:        state,
		Status:       status,
		Language:     job.Language,
		TotalTests:   len(job.TestCases),
		DoneTests:    done,
		UpdatedAt:    time.Now().UnixMilli(),
	}
	if !job.ReceivedAt.IsZero() {
		update.ReceivedAt = job.ReceivedAt.UnixMilli()
	}
	if err := p.reporter.ReportStatus(ctx, update); err != nil {
		logger.Warn(ctx, "report status failed", zap.String("state", string(state)), zap.Error(err))
	}
}

// Describe renders err as a report-safe message, including the field and
// reason of validation failures.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var e *appErr.Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	field, hasField := e.Details["field"]
	reason, hasReason := e.Details["reason"]
	switch {
	case hasField && hasReason:
		return fmt.Sprintf("%s: %v %v", e.Error(), field, reason)
	case e.Err != nil:
		return e.Error() + ": " + e.Err.Error()
	default:
		return e.Error()
	}
}
