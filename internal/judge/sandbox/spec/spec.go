// Package spec defines the execution specification and resource limits.
package spec

// ResourceLimit describes hard limits enforced by the runner.
type ResourceLimit struct {
	CPUTimeMs   int64
	WallTimeMs  int64
	MemoryMB    int64
	StackMB     int64
	OutputBytes int64
	StderrBytes int64
	PIDs        int64
}

// Command is a fully resolved process invocation.
type Command struct {
	Args []string
	Env  []string
	Dir  string
}

// Empty reports whether the command has nothing to execute.
func (c Command) Empty() bool {
	return len(c.Args) == 0 || c.Args[0] == ""
}

// RunSpec is the unified execution specification for one process run.
type RunSpec struct {
	SubmissionID string
	TestID       string
	WorkDir      string
	Cmd          []string
	Env          []string
	StdinPath    string
	Limits       ResourceLimit
}

// NewRunSpec binds a command to its limits and input file.
func NewRunSpec(submissionID, testID string, cmd Command, stdinPath string, limits ResourceLimit) RunSpec {
	return RunSpec{
		SubmissionID: submissionID,
		TestID:       testID,
		WorkDir:      cmd.Dir,
		Cmd:          append([]string(nil), cmd.Args...),
		Env:          append([]string(nil), cmd.Env...),
		StdinPath:    stdinPath,
		Limits:       limits,
	}
}
