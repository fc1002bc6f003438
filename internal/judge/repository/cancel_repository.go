package repository

import (
	"context"
	"time"

	"kurooj/internal/common/cache"
	appErr "kurooj/pkg/errors"
)

const (
	cancelKeyPrefix  = "judge:cancel:"
	defaultCancelTTL = time.Hour
)

// CancelRepository records cancel requests so they apply even when the job
// has not been picked up yet, or is picked up by another worker process.
type CancelRepository struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCancelRepository creates a new repository.
func NewCancelRepository(cacheClient cache.Cache, ttl time.Duration) *CancelRepository {
	if ttl <= 0 {
		ttl = defaultCancelTTL
	}
	return &CancelRepository{cache: cacheClient, ttl: ttl}
}

// Request flags submissionID as cancelled.
func (r *CancelRepository) Request(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if err := r.cache.Set(ctx, cancelKeyPrefix+submissionID, "1", r.ttl); err != nil {
		return appErr.Wrapf(err, appErr.CacheSetFailed, "store cancel flag failed")
	}
	return nil
}

// IsRequested reports whether a cancel flag exists for submissionID.
func (r *CancelRepository) IsRequested(ctx context.Context, submissionID string) (bool, error) {
	n, err := r.cache.Exists(ctx, cancelKeyPrefix+submissionID)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "check cancel flag failed")
	}
	return n > 0, nil
}

// Clear removes the cancel flag once the job reached a verdict.
func (r *CancelRepository) Clear(ctx context.Context, submissionID string) error {
	if err := r.cache.Del(ctx, cancelKeyPrefix+submissionID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "clear cancel flag failed")
	}
	return nil
}
