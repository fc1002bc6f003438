package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"kurooj/internal/common/mq"
	"kurooj/internal/judge/model"
	appErr "kurooj/pkg/errors"

	"github.com/google/uuid"
)

// VerdictPublisher publishes verdict reports to the result sink topic.
type VerdictPublisher struct {
	queue mq.Publisher
	topic string
}

// NewVerdictPublisher creates a new publisher.
func NewVerdictPublisher(queue mq.Publisher, topic string) *VerdictPublisher {
	return &VerdictPublisher{queue: queue, topic: topic}
}

// Publish sends one report. It does not retry; the caller owns the retry policy.
func (p *VerdictPublisher) Publish(ctx context.Context, report model.VerdictReport) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("verdict publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("verdict topic is required")
	}
	if report.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal verdict failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = uuid.NewString()
	message.Key = report.SubmissionID
	message.SetHeader("x-submission-id", report.SubmissionID)
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ReportFailed, "publish verdict failed")
	}
	return nil
}
