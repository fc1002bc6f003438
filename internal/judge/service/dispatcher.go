package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"kurooj/internal/common/mq"
	"kurooj/internal/judge/model"
	"kurooj/internal/judge/sandbox"
	"kurooj/internal/judge/sandbox/language"
	"kurooj/internal/judge/sandbox/result"
	appErr "kurooj/pkg/errors"
	"kurooj/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultJobsTopic      = "judge.jobs"
	defaultCancelTopic    = "judge.cancel"
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffMax     = 10 * time.Second
	defaultReportAttempts = 3
	defaultStatusTimeout  = 2 * time.Second

	headerSubmissionID = "x-submission-id"
)

// Grader grades one job to a verdict.
type Grader interface {
	Grade(ctx context.Context, job sandbox.Job) (result.Verdict, error)
	Limits() sandbox.Limits
}

// LanguageSet resolves language tags and lists their toolchains.
type LanguageSet interface {
	Resolve(id string) (language.Adapter, error)
	Toolchains() map[string][]string
}

// StatusStore persists live job status.
type StatusStore interface {
	Get(ctx context.Context, submissionID string) (model.JudgeStatus, error)
	Save(ctx context.Context, status model.JudgeStatus) error
	SaveVerdict(ctx context.Context, language string, totalTests int, report model.VerdictReport) error
}

// CancelStore records cancel requests across processes.
type CancelStore interface {
	Request(ctx context.Context, submissionID string) error
	IsRequested(ctx context.Context, submissionID string) (bool, error)
	Clear(ctx context.Context, submissionID string) error
}

// VerdictSink receives final verdicts.
type VerdictSink interface {
	Publish(ctx context.Context, report model.VerdictReport) error
}

// SourceFetcher turns a judge message into source text.
type SourceFetcher interface {
	Resolve(ctx context.Context, msg model.JudgeMessage) (string, error)
	Check(ctx context.Context, msg model.JudgeMessage) error
}

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds dispatcher dependencies and settings.
type Config struct {
	Grader    Grader
	Languages LanguageSet
	Queue     mq.MessageQueue
	Statuses  StatusStore
	Cancels   CancelStore
	Verdicts  VerdictSink
	Sources   SourceFetcher
	// Cache is only probed by Health; nil skips the probe.
	Cache Pinger

	JobsTopic       string
	CancelTopic     string
	DeadLetterTopic string
	// CancelGroup must be unique per process so every instance sees every cancel.
	CancelGroup string

	PoolSize        int
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	ReportAttempts  int
	MaxRedeliveries int
	RedeliveryDelay time.Duration
	MessageTTL      time.Duration
	StatusTimeout   time.Duration

	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

// Dispatcher feeds queued jobs to a fixed pool of graders and reports
// their verdicts. Infrastructure failures are retried with exponential
// backoff a bounded number of times.
type Dispatcher struct {
	grader    Grader
	languages LanguageSet
	queue     mq.MessageQueue
	statuses  StatusStore
	cancels   CancelStore
	verdicts  VerdictSink
	sources   SourceFetcher
	cache     Pinger
	pool      *mq.TokenLimiter
	cfg       Config

	mu      sync.Mutex
	seq     uint64
	running map[string]map[uint64]context.CancelFunc
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Grader == nil {
		return nil, fmt.Errorf("grader is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language set is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if cfg.Statuses == nil || cfg.Cancels == nil {
		return nil, fmt.Errorf("status and cancel stores are required")
	}
	if cfg.Verdicts == nil {
		return nil, fmt.Errorf("verdict sink is required")
	}
	if cfg.Sources == nil {
		cfg.Sources = NewSourceResolver(nil, "", int64(cfg.Grader.Limits().MaxSourceBytes), 0)
	}
	if cfg.JobsTopic == "" {
		cfg.JobsTopic = defaultJobsTopic
	}
	if cfg.CancelTopic == "" {
		cfg.CancelTopic = defaultCancelTopic
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.ReportAttempts <= 0 {
		cfg.ReportAttempts = defaultReportAttempts
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = defaultStatusTimeout
	}
	if cfg.LookPath == nil {
		cfg.LookPath = exec.LookPath
	}
	return &Dispatcher{
		grader:    cfg.Grader,
		languages: cfg.Languages,
		queue:     cfg.Queue,
		statuses:  cfg.Statuses,
		cancels:   cfg.Cancels,
		verdicts:  cfg.Verdicts,
		sources:   cfg.Sources,
		cache:     cfg.Cache,
		pool:      mq.NewTokenLimiter(cfg.PoolSize),
		cfg:       cfg,
		running:   make(map[string]map[uint64]context.CancelFunc),
	}, nil
}

// Subscribe registers the job and cancel handlers on the queue. Jobs are
// only fetched while a pool worker is free; cancels bypass the pool.
// Consumption starts with the queue's Start.
func (d *Dispatcher) Subscribe(ctx context.Context) error {
	err := d.queue.Subscribe(ctx, d.cfg.JobsTopic, d.HandleJob, &mq.SubscribeOptions{
		Limiter:         d.pool,
		MaxRedeliveries: d.cfg.MaxRedeliveries,
		RetryDelay:      d.cfg.RedeliveryDelay,
		DeadLetterTopic: d.cfg.DeadLetterTopic,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.cfg.JobsTopic, err)
	}
	err = d.queue.Subscribe(ctx, d.cfg.CancelTopic, d.HandleCancel, &mq.SubscribeOptions{
		ConsumerGroup: d.cfg.CancelGroup,
		Concurrency:   1,
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.cfg.CancelTopic, err)
	}
	return nil
}

// HandleJob grades one queued job. It returns an error only when the
// message should be redelivered: the process is shutting down, or the
// verdict could not be reported.
func (d *Dispatcher) HandleJob(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var payload model.JudgeMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		logger.Error(ctx, "drop undecodable judge message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if payload.SubmissionID == "" {
		logger.Error(ctx, "drop judge message without submission id", zap.String("message_id", msg.ID))
		return nil
	}
	ctx = logger.WithSubmission(ctx, payload.SubmissionID)
	receivedAt := time.Now()
	if payload.EnqueuedAt > 0 {
		receivedAt = time.UnixMilli(payload.EnqueuedAt)
	} else if !msg.Timestamp.IsZero() {
		receivedAt = msg.Timestamp
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	token := d.track(payload.SubmissionID, cancel)
	defer d.untrack(payload.SubmissionID, token)

	var (
		verdict  result.Verdict
		attempts int
		err      error
	)
	if d.cancelRequested(ctx, payload.SubmissionID) {
		logger.Info(ctx, "job cancelled before grading")
		verdict = result.Cancelled(payload.SubmissionID, nil)
	} else if age := time.Since(receivedAt); d.cfg.MessageTTL > 0 && age > d.cfg.MessageTTL {
		logger.Warn(ctx, "job expired before grading", zap.Duration("age", age))
		verdict = result.Internal(payload.SubmissionID, "job expired before grading")
	} else {
		verdict, attempts, err = d.gradeWithRetry(jobCtx, payload, receivedAt)
	}
	if ctx.Err() != nil {
		// Shutting down: leave the message for another worker.
		return ctx.Err()
	}
	if err != nil && jobCtx.Err() != nil {
		verdict = result.Cancelled(payload.SubmissionID, nil)
		err = nil
	}
	if err != nil {
		logger.Error(ctx, "judging failed permanently", zap.Int("attempts", attempts), zap.Error(err))
	}
	return d.complete(ctx, payload, verdict, attempts)
}

func (d *Dispatcher) gradeWithRetry(ctx context.Context, payload model.JudgeMessage, receivedAt time.Time) (result.Verdict, int, error) {
	for attempt := 1; ; attempt++ {
		verdict, err := d.attempt(ctx, payload, receivedAt)
		if err == nil {
			return verdict, attempt, nil
		}
		if !appErr.IsRetryable(err) || attempt >= d.cfg.MaxAttempts || ctx.Err() != nil {
			return verdict, attempt, err
		}
		delay := ComputeBackoff(attempt-1, d.cfg.BackoffBase, d.cfg.BackoffMax)
		logger.Warn(ctx, "retrying job",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if !sleepCtx(ctx, delay) {
			return verdict, attempt, ctx.Err()
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, payload model.JudgeMessage, receivedAt time.Time) (result.Verdict, error) {
	source, err := d.sources.Resolve(ctx, payload)
	if err != nil {
		return result.Internal(payload.SubmissionID, sandbox.Describe(err)), err
	}
	return d.grader.Grade(ctx, payload.ToJob(source, receivedAt))
}

// complete reports the verdict and records the terminal status.
func (d *Dispatcher) complete(ctx context.Context, payload model.JudgeMessage, verdict result.Verdict, attempts int) error {
	report := model.NewVerdictReport(verdict)
	report.Attempts = attempts
	report.JudgedAt = time.Now().UnixMilli()

	var err error
	for i := 0; i < d.cfg.ReportAttempts; i++ {
		if err = d.verdicts.Publish(ctx, report); err == nil {
			break
		}
		logger.Warn(ctx, "report verdict failed", zap.Int("attempt", i+1), zap.Error(err))
		if i+1 < d.cfg.ReportAttempts && !sleepCtx(ctx, ComputeBackoff(i, d.cfg.BackoffBase, d.cfg.BackoffMax)) {
			break
		}
	}
	if err != nil {
		return err
	}

	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StatusTimeout)
	defer cancel()
	if err := d.statuses.SaveVerdict(statusCtx, payload.Language, len(payload.TestCases), report); err != nil {
		logger.Warn(ctx, "save final status failed", zap.Error(err))
	}
	if err := d.cancels.Clear(statusCtx, payload.SubmissionID); err != nil {
		logger.Warn(ctx, "clear cancel flag failed", zap.Error(err))
	}
	logger.Info(ctx, "verdict reported",
		zap.String("status", report.Status),
		zap.Int("score", report.Score),
		zap.Int("attempts", attempts),
	)
	return nil
}

// HandleCancel applies a cancel message from the queue to this process.
func (d *Dispatcher) HandleCancel(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	var payload model.CancelMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil || payload.SubmissionID == "" {
		logger.Warn(ctx, "drop invalid cancel message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	_, err := d.cancelLocal(ctx, payload.SubmissionID)
	return err
}

// Cancel records a cancel request, interrupts the job if this process is
// grading it and broadcasts the request on the cancel topic so other
// instances stop their copy too. It reports whether a local job was interrupted.
func (d *Dispatcher) Cancel(ctx context.Context, submissionID string) (bool, error) {
	interrupted, err := d.cancelLocal(ctx, submissionID)
	if err != nil {
		return false, err
	}
	if err := d.broadcastCancel(ctx, submissionID); err != nil {
		// The stored flag still stops the job before its next grading attempt.
		logger.Warn(logger.WithSubmission(ctx, submissionID), "broadcast cancel failed", zap.Error(err))
	}
	return interrupted, nil
}

func (d *Dispatcher) cancelLocal(ctx context.Context, submissionID string) (bool, error) {
	if submissionID == "" {
		return false, appErr.ValidationError("submissionId", "required")
	}
	if err := d.cancels.Request(ctx, submissionID); err != nil {
		return false, err
	}
	d.mu.Lock()
	jobs := d.running[submissionID]
	for _, cancel := range jobs {
		cancel()
	}
	d.mu.Unlock()
	if len(jobs) > 0 {
		logger.Info(logger.WithSubmission(ctx, submissionID), "running job cancelled", zap.Int("copies", len(jobs)))
	}
	return len(jobs) > 0, nil
}

func (d *Dispatcher) broadcastCancel(ctx context.Context, submissionID string) error {
	body, err := json.Marshal(model.CancelMessage{SubmissionID: submissionID, Reason: "requested"})
	if err != nil {
		return err
	}
	message := mq.NewMessage(body)
	message.ID = uuid.NewString()
	message.Key = submissionID
	message.SetHeader(headerSubmissionID, submissionID)
	return d.queue.Publish(ctx, d.cfg.CancelTopic, message)
}

// Submit validates msg and puts it on the job queue.
func (d *Dispatcher) Submit(ctx context.Context, msg model.JudgeMessage) (model.JudgeStatus, error) {
	if msg.SubmissionID == "" {
		msg.SubmissionID = uuid.NewString()
	}
	ctx = logger.WithSubmission(ctx, msg.SubmissionID)
	now := time.Now()
	if err := d.validate(ctx, msg, now); err != nil {
		return model.JudgeStatus{}, err
	}
	msg.EnqueuedAt = now.UnixMilli()
	body, err := json.Marshal(msg)
	if err != nil {
		return model.JudgeStatus{}, fmt.Errorf("marshal judge message failed: %w", err)
	}

	status := model.JudgeStatus{
		SubmissionID: msg.SubmissionID,
		State:        string(result.StateQueued),
		Language:     msg.Language,
		TotalTests:   len(msg.TestCases),
		ReceivedAt:   msg.EnqueuedAt,
		UpdatedAt:    msg.EnqueuedAt,
	}
	// Stored before publishing so a fast worker's progress is never overwritten.
	if err := d.saveStatus(ctx, status); err != nil {
		logger.Warn(ctx, "save queued status failed", zap.Error(err))
	}

	message := mq.NewMessage(body)
	message.ID = uuid.NewString()
	message.Key = msg.SubmissionID
	message.SetHeader(headerSubmissionID, msg.SubmissionID)
	if err := d.queue.Publish(ctx, d.cfg.JobsTopic, message); err != nil {
		failed := status
		failed.State = string(result.StateFailed)
		failed.ErrorMessage = "enqueue failed"
		failed.UpdatedAt = time.Now().UnixMilli()
		if saveErr := d.saveStatus(ctx, failed); saveErr != nil {
			logger.Warn(ctx, "save enqueue failure status failed", zap.Error(saveErr))
		}
		if errors.Is(err, mq.ErrQueueFull) {
			return model.JudgeStatus{}, appErr.Wrapf(err, appErr.JudgeQueueFull, "judge queue is full")
		}
		return model.JudgeStatus{}, appErr.Wrapf(err, appErr.QueueError, "enqueue judge job failed")
	}
	logger.Info(ctx, "job queued", zap.String("language", msg.Language), zap.Int("tests", len(msg.TestCases)))
	return status, nil
}

func (d *Dispatcher) validate(ctx context.Context, msg model.JudgeMessage, now time.Time) error {
	job := msg.ToJob(msg.Code, now)
	if msg.Code == "" && msg.SourceKey != "" {
		// The object itself is checked below.
		job.Source = msg.SourceKey
	}
	if err := job.Validate(d.grader.Limits()); err != nil {
		return err
	}
	if _, err := d.languages.Resolve(msg.Language); err != nil {
		return err
	}
	return d.sources.Check(ctx, msg)
}

// Status returns the live status of a submission.
func (d *Dispatcher) Status(ctx context.Context, submissionID string) (model.JudgeStatus, error) {
	ctxStatus, cancel := context.WithTimeout(ctx, d.cfg.StatusTimeout)
	defer cancel()
	return d.statuses.Get(ctxStatus, submissionID)
}

func (d *Dispatcher) saveStatus(ctx context.Context, status model.JudgeStatus) error {
	ctxStatus, cancel := context.WithTimeout(ctx, d.cfg.StatusTimeout)
	defer cancel()
	return d.statuses.Save(ctxStatus, status)
}

func (d *Dispatcher) cancelRequested(ctx context.Context, submissionID string) bool {
	ctxStatus, cancel := context.WithTimeout(ctx, d.cfg.StatusTimeout)
	defer cancel()
	ok, err := d.cancels.IsRequested(ctxStatus, submissionID)
	if err != nil {
		logger.Warn(ctx, "check cancel flag failed", zap.Error(err))
		return false
	}
	return ok
}

// track registers a running job. A redelivered message can be graded while an
// earlier copy of the same submission is still running, so every copy gets
// its own token.
func (d *Dispatcher) track(submissionID string, cancel context.CancelFunc) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	jobs := d.running[submissionID]
	if jobs == nil {
		jobs = make(map[uint64]context.CancelFunc)
		d.running[submissionID] = jobs
	}
	jobs[d.seq] = cancel
	return d.seq
}

func (d *Dispatcher) untrack(submissionID string, token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := d.running[submissionID]
	delete(jobs, token)
	if len(jobs) == 0 {
		delete(d.running, submissionID)
	}
}

// Running returns how many jobs this process is grading.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, jobs := range d.running {
		n += len(jobs)
	}
	return n
}
