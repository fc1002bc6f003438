// Package sandbox grades one job end to end: workspace, compile, run every
// test case, compare and aggregate into a verdict.
package sandbox

import (
	"fmt"
	"time"
	"unicode/utf8"

	appErr "kurooj/pkg/errors"
)

// TestCase is one input/expected-output pair. Hidden cases are graded but
// their captured output is never echoed back.
type TestCase struct {
	Input    string
	Expected string
	Hidden   bool
}

// Job is an accepted submission. It is immutable once handed to the pipeline.
type Job struct {
	SubmissionID     string
	Language         string
	Source           string
	TestCases        []TestCase
	TimeLimitMs      int64
	MemoryLimitMB    int64
	OutputLimitBytes int64
	ReceivedAt       time.Time
}

// Limits bounds what a job may ask for.
type Limits struct {
	MaxSourceBytes   int
	MaxTestCases     int
	MaxTimeLimitMs   int64
	MaxMemoryLimitMB int64
	MaxOutputBytes   int64
}

// DefaultLimits returns the intake bounds used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxSourceBytes:   64 << 10,
		MaxTestCases:     200,
		MaxTimeLimitMs:   20000,
		MaxMemoryLimitMB: 2048,
		MaxOutputBytes:   64 << 20,
	}
}

func (l *Limits) applyDefaults() {
	d := DefaultLimits()
	if l.MaxSourceBytes <= 0 {
		l.MaxSourceBytes = d.MaxSourceBytes
	}
	if l.MaxTestCases <= 0 {
		l.MaxTestCases = d.MaxTestCases
	}
	if l.MaxTimeLimitMs <= 0 {
		l.MaxTimeLimitMs = d.MaxTimeLimitMs
	}
	if l.MaxMemoryLimitMB <= 0 {
		l.MaxMemoryLimitMB = d.MaxMemoryLimitMB
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
}

// Validate checks a job against the intake bounds. Failures are submission
// faults and never retryable.
func (j Job) Validate(limits Limits) error {
	limits.applyDefaults()
	if j.SubmissionID == "" {
		return appErr.ValidationError("submissionId", "required")
	}
	if j.Language == "" {
		return appErr.ValidationError("language", "required")
	}
	if j.Source == "" {
		return appErr.ValidationError("code", "required")
	}
	if len(j.Source) > limits.MaxSourceBytes {
		return appErr.Newf(appErr.CodeTooLarge, "source is %d bytes, limit is %d", len(j.Source), limits.MaxSourceBytes)
	}
	if !utf8.ValidString(j.Source) {
		return appErr.ValidationError("code", "must be valid UTF-8")
	}
	if len(j.TestCases) == 0 {
		return appErr.ValidationError("testCases", "must not be empty")
	}
	if len(j.TestCases) > limits.MaxTestCases {
		return appErr.ValidationError("testCases", fmt.Sprintf("at most %d test cases", limits.MaxTestCases))
	}
	if j.TimeLimitMs <= 0 || j.TimeLimitMs > limits.MaxTimeLimitMs {
		return appErr.ValidationError("timeLimitMs", fmt.Sprintf("must be in (0, %d]", limits.MaxTimeLimitMs))
	}
	if j.MemoryLimitMB <= 0 || j.MemoryLimitMB > limits.MaxMemoryLimitMB {
		return appErr.ValidationError("memoryLimitMb", fmt.Sprintf("must be in (0, %d]", limits.MaxMemoryLimitMB))
	}
	if j.OutputLimitBytes < 0 || j.OutputLimitBytes > limits.MaxOutputBytes {
		return appErr.ValidationError("outputLimitBytes", fmt.Sprintf("must be in [0, %d]", limits.MaxOutputBytes))
	}
	return nil
}
