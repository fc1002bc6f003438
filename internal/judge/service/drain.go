package service

import (
	"context"
	"encoding/json"
	"fmt"

	"kurooj/internal/common/mq"
	"kurooj/internal/judge/model"
	"kurooj/pkg/utils/logger"

	"go.uber.org/zap"
)

// DrainLocalTopics consumes the verdict and dead-letter topics of an
// in-process queue and logs what arrives. Nothing else reads those topics in
// a single-process deployment, and their bounded buffers would otherwise fill
// up until reporting fails.
func DrainLocalTopics(ctx context.Context, queue mq.Consumer, verdictTopic, deadLetterTopic string) error {
	if verdictTopic != "" {
		if err := queue.Subscribe(ctx, verdictTopic, logVerdict, nil); err != nil {
			return fmt.Errorf("subscribe %s: %w", verdictTopic, err)
		}
	}
	if deadLetterTopic != "" {
		if err := queue.Subscribe(ctx, deadLetterTopic, logDeadLetter, nil); err != nil {
			return fmt.Errorf("subscribe %s: %w", deadLetterTopic, err)
		}
	}
	return nil
}

func logVerdict(ctx context.Context, msg *mq.Message) error {
	var report model.VerdictReport
	if err := json.Unmarshal(msg.Body, &report); err != nil {
		logger.Warn(ctx, "drop undecodable verdict", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	logger.Info(logger.WithSubmission(ctx, report.SubmissionID), "verdict",
		zap.String("status", report.Status),
		zap.Int("score", report.Score),
		zap.Int64("time_ms", report.ExecutionTimeMs),
		zap.Int64("memory_mb", report.MemoryUsedMb),
	)
	return nil
}

func logDeadLetter(ctx context.Context, msg *mq.Message) error {
	submissionID, _ := msg.GetHeader(headerSubmissionID)
	reason, _ := msg.GetHeader("x-last-error")
	logger.Warn(logger.WithSubmission(ctx, submissionID), "dead letter",
		zap.String("message_id", msg.ID),
		zap.Int("deliveries", msg.Deliveries),
		zap.String("reason", reason),
	)
	return nil
}
