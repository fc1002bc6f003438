package sandbox

import (
	"context"

	"kurooj/internal/judge/sandbox/result"
)

// StatusUpdate is a progress snapshot of one job.
type StatusUpdate struct {
	SubmissionID string
	State        result.JobState
	Status       result.Status
	Language     string
	TotalTests   int
	DoneTests    int
	ReceivedAt   int64
	UpdatedAt    int64
}

// StatusReporter persists progress snapshots. Failures are logged and never
// affect grading.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}

type noopReporter struct{}

func (noopReporter) ReportStatus(context.Context, StatusUpdate) error { return nil }
