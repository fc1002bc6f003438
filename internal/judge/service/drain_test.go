package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"kurooj/internal/common/mq"
	"kurooj/internal/judge/repository"
	"kurooj/internal/judge/service"
)

func TestDrainLocalTopicsKeepsReportingFlowing(t *testing.T) {
	q := mq.NewMemoryQueue(2)
	defer q.Close()
	h := newHarness(t, accepted, func(cfg *service.Config) {
		cfg.Queue = q
		cfg.Verdicts = repository.NewVerdictPublisher(q, "judge.verdicts")
		cfg.ReportAttempts = 1
	})
	ctx := context.Background()
	if err := h.dispatcher.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := service.DrainLocalTopics(ctx, q, "judge.verdicts", "judge.dead"); err != nil {
		t.Fatalf("DrainLocalTopics() error = %v", err)
	}
	if err := q.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// More verdicts than the topic buffer holds.
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("v%d", i)
		if _, err := h.dispatcher.Submit(ctx, judgeMessage(id)); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
		deadline := time.Now().Add(3 * time.Second)
		for {
			status, _ := h.dispatcher.Status(ctx, id)
			if status.State == "Done" {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s State = %q, want Done", id, status.State)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
