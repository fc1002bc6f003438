package model

import (
	"kurooj/internal/judge/sandbox/result"
)

// TestResult is the reported outcome of one test case. Index is 1-based.
type TestResult struct {
	Index           int     `json:"index"`
	Status          string  `json:"status"`
	ExecutionTimeMs int64   `json:"executionTimeMs"`
	MemoryUsedMb    int64   `json:"memoryUsedMb"`
	Output          *string `json:"output,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// VerdictReport is the payload published to the result sink.
type VerdictReport struct {
	SubmissionID    string       `json:"submissionId"`
	Status          string       `json:"status"`
	Score           int          `json:"score"`
	ExecutionTimeMs int64        `json:"executionTimeMs"`
	MemoryUsedMb    int64        `json:"memoryUsedMb"`
	TestResults     []TestResult `json:"testResults"`
	ErrorMessage    string       `json:"errorMessage"`
	Attempts        int          `json:"attempts,omitempty"`
	JudgedAt        int64        `json:"judgedAt,omitempty"`
}

// NewVerdictReport renders a verdict for the result sink. Captured output of
// hidden test cases is never included, and neither is their stderr.
func NewVerdictReport(v result.Verdict) VerdictReport {
	report := VerdictReport{
		SubmissionID:    v.SubmissionID,
		Status:          string(v.Status),
		Score:           v.Score,
		ExecutionTimeMs: v.TotalTimeMs,
		MemoryUsedMb:    KBToMB(v.PeakMemoryKB),
		TestResults:     make([]TestResult, 0, len(v.Outcomes)),
		ErrorMessage:    v.ErrorDetail,
	}
	for _, o := range v.Outcomes {
		tr := TestResult{
			Index:           o.Index + 1,
			Status:          string(o.Status),
			ExecutionTimeMs: o.TimeMs,
			MemoryUsedMb:    KBToMB(o.MemoryKB),
			Message:         o.Diagnostic(),
		}
		if !o.Hidden {
			out := o.Stdout
			tr.Output = &out
		}
		report.TestResults = append(report.TestResults, tr)
	}
	return report
}

// KBToMB rounds up so any measurable usage reports at least 1 MB.
func KBToMB(kb int64) int64 {
	if kb <= 0 {
		return 0
	}
	return (kb + 1023) / 1024
}
