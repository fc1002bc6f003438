package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kurooj/internal/common/cache"
	"kurooj/internal/judge/model"
	"kurooj/internal/judge/sandbox"
	"kurooj/internal/judge/sandbox/result"
	appErr "kurooj/pkg/errors"
)

const (
	statusKeyPrefix  = "judge:status:"
	defaultStatusTTL = 24 * time.Hour
)

// StatusRepository keeps the live status of every known submission in the cache.
type StatusRepository struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewStatusRepository creates a new repository.
func NewStatusRepository(cacheClient cache.Cache, ttl time.Duration) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}
	return &StatusRepository{cache: cacheClient, ttl: ttl}
}

// Get returns status by submission id.
func (r *StatusRepository) Get(ctx context.Context, submissionID string) (model.JudgeStatus, error) {
	if submissionID == "" {
		return model.JudgeStatus{}, appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return model.JudgeStatus{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, statusKeyPrefix+submissionID)
	if err != nil {
		return model.JudgeStatus{}, appErr.Wrapf(err, appErr.CacheError, "load status failed")
	}
	if val == "" {
		return model.JudgeStatus{}, appErr.New(appErr.SubmissionNotFound).WithMessage("submission status not found")
	}
	var status model.JudgeStatus
	if err := json.Unmarshal([]byte(val), &status); err != nil {
		return model.JudgeStatus{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
	}
	return status, nil
}

// Save persists status.
func (r *StatusRepository) Save(ctx context.Context, status model.JudgeStatus) error {
	if status.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if status.UpdatedAt == 0 {
		status.UpdatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status failed: %w", err)
	}
	if err := r.cache.Set(ctx, statusKeyPrefix+status.SubmissionID, string(data), cache.JitterTTL(r.ttl)); err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "store status failed")
	}
	return nil
}

// ReportStatus stores a pipeline progress snapshot.
func (r *StatusRepository) ReportStatus(ctx context.Context, update sandbox.StatusUpdate) error {
	return r.Save(ctx, model.JudgeStatus{
		SubmissionID: update.SubmissionID,
		State:        string(update.State),
		Status:       string(update.Status),
		Language:     update.Language,
		TotalTests:   update.TotalTests,
		DoneTests:    update.DoneTests,
		ReceivedAt:   update.ReceivedAt,
		UpdatedAt:    update.UpdatedAt,
	})
}

// SaveVerdict stores the terminal status of a reported verdict.
func (r *StatusRepository) SaveVerdict(ctx context.Context, language string, totalTests int, report model.VerdictReport) error {
	state := result.StateDone
	switch result.Status(report.Status) {
	case result.StatusCompilationError, result.StatusInternalError:
		state = result.StateFailed
	}
	score := report.Score
	return r.Save(ctx, model.JudgeStatus{
		SubmissionID: report.SubmissionID,
		State:        string(state),
		Status:       report.Status,
		Language:     language,
		TotalTests:   totalTests,
		DoneTests:    len(report.TestResults),
		Score:        &score,
		ErrorMessage: report.ErrorMessage,
		UpdatedAt:    report.JudgedAt,
	})
}
