package language

import (
	"context"
	"os"
	"strings"

	"kurooj/internal/judge/sandbox/engine"
	"kurooj/internal/judge/sandbox/observer"
	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/spec"
	"kurooj/internal/judge/sandbox/workspace"
	appErr "kurooj/pkg/errors"
	"kurooj/pkg/utils/logger"

	"go.uber.org/zap"
)

// compiledAdapter builds a native binary with an external compiler.
type compiledAdapter struct {
	spec    Spec
	eng     engine.Engine
	cfg     CompileConfig
	metrics observer.MetricsRecorder
}

func (a *compiledAdapter) ID() string { return a.spec.ID }

func (a *compiledAdapter) Compile(ctx context.Context, submissionID, source string, ws *workspace.Workspace) (Artifact, error) {
	srcPath, err := ws.WriteFile(a.spec.SourceFile, []byte(source))
	if err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.WorkspaceFailed, "write source failed")
	}
	binPath := ws.Path(a.spec.BinaryFile)
	cmd, err := expandTemplate(a.spec.CompileCmdTpl, map[string]string{"{src}": srcPath, "{bin}": binPath})
	if err != nil {
		return Artifact{}, err
	}

	runSpec := spec.RunSpec{
		SubmissionID: submissionID,
		TestID:       "compile",
		WorkDir:      ws.Dir,
		Cmd:          cmd,
		Env:          a.spec.env(),
		Limits: spec.ResourceLimit{
			WallTimeMs:  a.cfg.Timeout.Milliseconds(),
			MemoryMB:    a.cfg.MemoryMB,
			OutputBytes: a.cfg.ArtifactBytes,
			StderrBytes: a.cfg.DiagnosticsBytes,
			PIDs:        a.cfg.PIDs,
		},
	}

	res, err := a.eng.Run(ctx, runSpec)
	if err != nil {
		a.metrics.ObserveCompile(ctx, a.spec.ID, false, 0, 0)
		return Artifact{}, appErr.Wrapf(err, appErr.SandboxStartFailed, "start compiler failed")
	}
	ok := res.KillReason == result.KillNone && res.ExitCode == 0
	a.metrics.ObserveCompile(ctx, a.spec.ID, ok, res.TimeMs, res.MemoryKB)

	switch res.KillReason {
	case result.KillCancelled:
		if err := ctx.Err(); err != nil {
			return Artifact{}, err
		}
		return Artifact{}, appErr.New(appErr.JudgeCancelled)
	case result.KillWallTime:
		return Artifact{}, &CompileError{TimedOut: true, ExitCode: res.ExitCode, Diagnostics: "compilation timed out"}
	case result.KillMemory:
		return Artifact{}, &CompileError{ExitCode: res.ExitCode, Diagnostics: "compiler exceeded memory limit"}
	case result.KillOutput:
		return Artifact{}, &CompileError{ExitCode: res.ExitCode, Diagnostics: "compiler output exceeded limit"}
	}
	if res.ExitCode != 0 {
		return Artifact{}, &CompileError{ExitCode: res.ExitCode, Diagnostics: diagnostics(res, a.cfg.DiagnosticsBytes)}
	}
	if _, err := os.Stat(binPath); err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.JudgeSystemError, "compiler produced no binary")
	}

	logger.Debug(ctx, "compile finished", zap.String("language", a.spec.ID), zap.Int64("time_ms", res.TimeMs))
	return Artifact{
		Language:   a.spec.ID,
		Dir:        ws.Dir,
		SourcePath: srcPath,
		BinaryPath: binPath,
	}, nil
}

func (a *compiledAdapter) BuildRunCommand(artifact Artifact) spec.Command {
	args, err := expandTemplate(a.spec.RunCmdTpl, map[string]string{"{src}": artifact.SourcePath, "{bin}": artifact.BinaryPath})
	if err != nil {
		args = []string{artifact.BinaryPath}
	}
	return spec.Command{Args: args, Env: a.spec.env(), Dir: artifact.Dir}
}

func (a *compiledAdapter) Limits(base spec.ResourceLimit) spec.ResourceLimit {
	return scaleLimits(base, a.spec)
}

func (a *compiledAdapter) Toolchain() []string {
	return toolchainOf(a.spec.CompileCmdTpl)
}

func diagnostics(res result.RunResult, limit int64) string {
	text := strings.TrimSpace(res.Stderr)
	if out := strings.TrimSpace(res.Stdout); out != "" {
		if text != "" {
			text += "\n"
		}
		text += out
	}
	if limit > 0 && int64(len(text)) > limit {
		text = text[:limit]
	}
	return text
}
