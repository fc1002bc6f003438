package language

import (
	"context"
	"fmt"
	"math"
	"strings"

	"kurooj/internal/judge/sandbox/spec"
	"kurooj/internal/judge/sandbox/workspace"
	appErr "kurooj/pkg/errors"

	"github.com/google/shlex"
)

// Adapter knows how to prepare and launch a submission in one language.
type Adapter interface {
	ID() string
	// Compile places source into ws and builds whatever the language needs.
	// A *CompileError reports a fault in the submission; any other error is
	// an infrastructure fault.
	Compile(ctx context.Context, submissionID, source string, ws *workspace.Workspace) (Artifact, error)
	// BuildRunCommand is pure: it only describes how to start the artifact.
	BuildRunCommand(artifact Artifact) spec.Command
	// Limits scales job limits by the language's multipliers.
	Limits(base spec.ResourceLimit) spec.ResourceLimit
	// Toolchain lists the executables the adapter depends on.
	Toolchain() []string
}

// Artifact is the runnable product of a compile step.
type Artifact struct {
	Language   string
	Dir        string
	SourcePath string
	BinaryPath string
}

// CompileError is a compilation failure caused by the submitted source.
type CompileError struct {
	Diagnostics string
	ExitCode    int
	TimedOut    bool
}

func (e *CompileError) Error() string {
	if e.TimedOut {
		return "compilation timed out"
	}
	return fmt.Sprintf("compilation failed with exit code %d", e.ExitCode)
}

// expandTemplate splits tpl with shell quoting rules and substitutes the
// {src} and {bin} placeholders per argument, so paths never need quoting.
func expandTemplate(tpl string, vars map[string]string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	for i, f := range fields {
		for key, value := range vars {
			f = strings.ReplaceAll(f, key, value)
		}
		fields[i] = f
	}
	return fields, nil
}

func scaleLimits(limits spec.ResourceLimit, s Spec) spec.ResourceLimit {
	limits.CPUTimeMs = scaleLimit(limits.CPUTimeMs, s.TimeMultiplier)
	limits.WallTimeMs = scaleLimit(limits.WallTimeMs, s.TimeMultiplier)
	limits.MemoryMB = scaleLimit(limits.MemoryMB, s.MemoryMultiplier)
	return limits
}

func scaleLimit(value int64, multiplier float64) int64 {
	if value <= 0 {
		return 0
	}
	if multiplier <= 0 {
		return value
	}
	return int64(math.Ceil(float64(value) * multiplier))
}

func toolchainOf(tpl string) []string {
	fields, err := shlex.Split(tpl)
	if err != nil || len(fields) == 0 || strings.Contains(fields[0], "{") {
		return nil
	}
	return []string{fields[0]}
}
