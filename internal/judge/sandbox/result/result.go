// Package result defines execution outcomes, verdicts and their aggregation.
package result

import "math"

// Status is the grading status of one test case or of a whole job.
type Status string

const (
	StatusAccepted            Status = "Accepted"
	StatusWrongAnswer         Status = "WrongAnswer"
	StatusTimeLimitExceeded   Status = "TimeLimitExceeded"
	StatusMemoryLimitExceeded Status = "MemoryLimitExceeded"
	StatusRuntimeError        Status = "RuntimeError"
	StatusCompilationError    Status = "CompilationError"
	StatusCancelled           Status = "Cancelled"
	StatusInternalError       Status = "InternalError"

	// StatusRan is provisional: the program exited cleanly and its output still
	// has to be compared. It never appears in a Verdict.
	StatusRan Status = "Ran"
)

// Passed reports whether the status counts towards the score.
func (s Status) Passed() bool {
	return s == StatusAccepted
}

// JobState is the lifecycle state of a job inside the grading pipeline.
type JobState string

const (
	StateQueued      JobState = "Queued"
	StateCompiling   JobState = "Compiling"
	StateRunning     JobState = "Running"
	StateAggregating JobState = "Aggregating"
	StateDone        JobState = "Done"
	StateFailed      JobState = "Failed"
)

// KillReason records which limit caused the runner to kill a process group.
type KillReason int32

const (
	KillNone KillReason = iota
	KillWallTime
	KillMemory
	KillOutput
	KillCancelled
)

func (k KillReason) String() string {
	switch k {
	case KillWallTime:
		return "wall_time"
	case KillMemory:
		return "memory"
	case KillOutput:
		return "output"
	case KillCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// RunResult captures raw process execution data before classification.
type RunResult struct {
	ExitCode        int
	Signal          string
	TimeMs          int64
	CPUTimeMs       int64
	MemoryKB        int64
	Stdout          string
	StdoutTruncated bool
	Stderr          string
	OomKilled       bool
	KillReason      KillReason
}

// ExecutionOutcome is the graded result of running one test case.
type ExecutionOutcome struct {
	Index           int
	Status          Status
	TimeMs          int64
	MemoryKB        int64
	Stdout          string
	StdoutTruncated bool
	StderrExcerpt   string
	ExitCode        int
	Detail          string
	Hidden          bool
}

// Diagnostic is the message reported for the outcome. A visible test case that
// crashed reports what the program wrote to stderr; hidden ones only get Detail.
func (o ExecutionOutcome) Diagnostic() string {
	if o.Status == StatusRuntimeError && !o.Hidden && o.StderrExcerpt != "" {
		return o.StderrExcerpt
	}
	return o.Detail
}

// Verdict is the final, immutable result of grading one job.
type Verdict struct {
	SubmissionID string
	Status       Status
	Score        int
	TotalTimeMs  int64
	PeakMemoryKB int64
	Outcomes     []ExecutionOutcome
	ErrorDetail  string
}

// Score returns round(100 * passed / total); zero when there is nothing to pass.
func Score(passed, total int) int {
	if total <= 0 || passed <= 0 {
		return 0
	}
	if passed > total {
		passed = total
	}
	return int(math.Round(100 * float64(passed) / float64(total)))
}

// Aggregate builds the verdict for a job whose test cases all ran.
// The overall status is the first failing status in test order, time is summed
// and memory is the maximum across outcomes.
func Aggregate(submissionID string, outcomes []ExecutionOutcome, totalTests int) Verdict {
	v := Verdict{
		SubmissionID: submissionID,
		Status:       StatusAccepted,
		Outcomes:     outcomes,
	}
	passed := 0
	for _, o := range outcomes {
		v.TotalTimeMs += o.TimeMs
		if o.MemoryKB > v.PeakMemoryKB {
			v.PeakMemoryKB = o.MemoryKB
		}
		if o.Status.Passed() {
			passed++
			continue
		}
		if v.Status == StatusAccepted {
			v.Status = o.Status
			v.ErrorDetail = o.Diagnostic()
		}
	}
	v.Score = Score(passed, totalTests)
	return v
}

// CompilationFailed builds the verdict for a job whose source did not compile.
func CompilationFailed(submissionID, diagnostics string) Verdict {
	return Verdict{
		SubmissionID: submissionID,
		Status:       StatusCompilationError,
		Outcomes:     []ExecutionOutcome{},
		ErrorDetail:  diagnostics,
	}
}

// Cancelled builds the verdict for a job cancelled mid-flight. Outcomes that
// completed before the cancellation are kept, the score is zero.
func Cancelled(submissionID string, completed []ExecutionOutcome) Verdict {
	v := Aggregate(submissionID, completed, len(completed))
	v.Status = StatusCancelled
	v.Score = 0
	v.ErrorDetail = "judging cancelled"
	if v.Outcomes == nil {
		v.Outcomes = []ExecutionOutcome{}
	}
	return v
}

// Internal builds the verdict reported when infrastructure failed permanently.
func Internal(submissionID, detail string) Verdict {
	return Verdict{
		SubmissionID: submissionID,
		Status:       StatusInternalError,
		Outcomes:     []ExecutionOutcome{},
		ErrorDetail:  detail,
	}
}
