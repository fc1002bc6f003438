package model

import (
	"time"

	"kurooj/internal/judge/sandbox"
)

// TestCaseMessage is one test case inside a judge message.
type TestCaseMessage struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Hidden bool   `json:"hidden"`
}

// JudgeMessage is the intake payload for a judge job. The source arrives
// either inline in Code or as an object-storage key in SourceKey.
type JudgeMessage struct {
	SubmissionID     string            `json:"submissionId"`
	Language         string            `json:"language"`
	Code             string            `json:"code,omitempty"`
	SourceKey        string            `json:"sourceKey,omitempty"`
	SourceHash       string            `json:"sourceHash,omitempty"`
	TestCases        []TestCaseMessage `json:"testCases"`
	TimeLimitMs      int64             `json:"timeLimitMs"`
	MemoryLimitMb    int64             `json:"memoryLimitMb"`
	OutputLimitBytes int64             `json:"outputLimitBytes,omitempty"`
	EnqueuedAt       int64             `json:"enqueuedAt,omitempty"`
}

// CancelMessage asks the judge to stop grading a submission.
type CancelMessage struct {
	SubmissionID string `json:"submissionId"`
	Reason       string `json:"reason,omitempty"`
}

// ToJob converts the message into a pipeline job using the resolved source text.
func (m JudgeMessage) ToJob(source string, receivedAt time.Time) sandbox.Job {
	tests := make([]sandbox.TestCase, 0, len(m.TestCases))
	for _, tc := range m.TestCases {
		tests = append(tests, sandbox.TestCase{Input: tc.Input, Expected: tc.Output, Hidden: tc.Hidden})
	}
	return sandbox.Job{
		SubmissionID:     m.SubmissionID,
		Language:         m.Language,
		Source:           source,
		TestCases:        tests,
		TimeLimitMs:      m.TimeLimitMs,
		MemoryLimitMB:    m.MemoryLimitMb,
		OutputLimitBytes: m.OutputLimitBytes,
		ReceivedAt:       receivedAt,
	}
}
