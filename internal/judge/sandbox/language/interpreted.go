package language

import (
	"context"

	"kurooj/internal/judge/sandbox/observer"
	"kurooj/internal/judge/sandbox/spec"
	"kurooj/internal/judge/sandbox/workspace"
	appErr "kurooj/pkg/errors"
)

// interpretedAdapter runs the source file through an interpreter; compiling
// only stages the script.
type interpretedAdapter struct {
	spec    Spec
	metrics observer.MetricsRecorder
}

func (a *interpretedAdapter) ID() string { return a.spec.ID }

func (a *interpretedAdapter) Compile(ctx context.Context, _ string, source string, ws *workspace.Workspace) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	srcPath, err := ws.WriteFile(a.spec.SourceFile, []byte(source))
	if err != nil {
		return Artifact{}, appErr.Wrapf(err, appErr.WorkspaceFailed, "write source failed")
	}
	a.metrics.ObserveCompile(ctx, a.spec.ID, true, 0, 0)
	return Artifact{Language: a.spec.ID, Dir: ws.Dir, SourcePath: srcPath}, nil
}

func (a *interpretedAdapter) BuildRunCommand(artifact Artifact) spec.Command {
	args, err := expandTemplate(a.spec.RunCmdTpl, map[string]string{"{src}": artifact.SourcePath})
	if err != nil {
		args = nil
	}
	return spec.Command{Args: args, Env: a.spec.env(), Dir: artifact.Dir}
}

func (a *interpretedAdapter) Limits(base spec.ResourceLimit) spec.ResourceLimit {
	return scaleLimits(base, a.spec)
}

func (a *interpretedAdapter) Toolchain() []string {
	return toolchainOf(a.spec.RunCmdTpl)
}
