package language_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"kurooj/internal/judge/sandbox/language"
	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/spec"
	"kurooj/internal/judge/sandbox/workspace"
	appErr "kurooj/pkg/errors"
)

// fakeEngine records the compile spec and optionally creates the binary.
type fakeEngine struct {
	res      result.RunResult
	err      error
	writeBin bool
	got      spec.RunSpec
}

func (f *fakeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	f.got = runSpec
	if f.writeBin {
		for i, arg := range runSpec.Cmd {
			if arg == "-o" && i+1 < len(runSpec.Cmd) {
				_ = os.WriteFile(runSpec.Cmd[i+1], []byte("\x7fELF"), 0o755)
			}
		}
	}
	return f.res, f.err
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	mgr, err := workspace.NewManager(workspace.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ws, err := mgr.Acquire(context.Background(), "sub-lang")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Release(ws) })
	return ws
}

func resolve(t *testing.T, eng *fakeEngine, id string) language.Adapter {
	t.Helper()
	reg, err := language.NewRegistry(nil, eng, language.CompileConfig{}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	adapter, err := reg.Resolve(id)
	if err != nil {
		t.Fatalf("resolve %s: %v", id, err)
	}
	return adapter
}

func TestCompiledAdapterSuccess(t *testing.T) {
	eng := &fakeEngine{writeBin: true, res: result.RunResult{TimeMs: 420}}
	adapter := resolve(t, eng, "cpp")
	ws := newWorkspace(t)

	artifact, err := adapter.Compile(context.Background(), "sub-1", "int main(){return 0;}", ws)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if artifact.BinaryPath != ws.Path("main") {
		t.Fatalf("unexpected binary path %s", artifact.BinaryPath)
	}
	want := []string{"g++", "-std=c++17", "-O2", "-pipe", "-o", ws.Path("main"), ws.Path("main.cpp")}
	if len(eng.got.Cmd) != len(want) {
		t.Fatalf("compile cmd = %v, want %v", eng.got.Cmd, want)
	}
	for i := range want {
		if eng.got.Cmd[i] != want[i] {
			t.Fatalf("compile cmd = %v, want %v", eng.got.Cmd, want)
		}
	}
	if eng.got.Limits.WallTimeMs != 10000 {
		t.Fatalf("expected default 10s compile timeout, got %dms", eng.got.Limits.WallTimeMs)
	}
	if eng.got.WorkDir != ws.Dir {
		t.Fatalf("compile must run inside the workspace, got %s", eng.got.WorkDir)
	}

	cmd := adapter.BuildRunCommand(artifact)
	if len(cmd.Args) != 1 || cmd.Args[0] != artifact.BinaryPath {
		t.Fatalf("run command = %v", cmd.Args)
	}
	if cmd.Dir != ws.Dir || len(cmd.Env) == 0 {
		t.Fatalf("run command missing dir or env: %+v", cmd)
	}
}

func TestCompiledAdapterSubmissionFaults(t *testing.T) {
	cases := []struct {
		name     string
		res      result.RunResult
		timedOut bool
		wantDiag string
	}{
		{
			name:     "syntax error",
			res:      result.RunResult{ExitCode: 1, Stderr: "main.cpp:1:1: error: expected ';'\n"},
			wantDiag: "main.cpp:1:1: error: expected ';'",
		},
		{
			name:     "compiler timeout",
			res:      result.RunResult{ExitCode: -1, KillReason: result.KillWallTime},
			timedOut: true,
			wantDiag: "compilation timed out",
		},
		{
			name:     "compiler memory",
			res:      result.RunResult{ExitCode: -1, KillReason: result.KillMemory},
			wantDiag: "compiler exceeded memory limit",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := resolve(t, &fakeEngine{res: tc.res}, "cpp")
			_, err := adapter.Compile(context.Background(), "sub-2", "int main(", newWorkspace(t))
			var ce *language.CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CompileError, got %v", err)
			}
			if ce.TimedOut != tc.timedOut {
				t.Fatalf("TimedOut = %v, want %v", ce.TimedOut, tc.timedOut)
			}
			if ce.Diagnostics != tc.wantDiag {
				t.Fatalf("Diagnostics = %q, want %q", ce.Diagnostics, tc.wantDiag)
			}
		})
	}
}

func TestCompiledAdapterInfrastructureFaults(t *testing.T) {
	adapter := resolve(t, &fakeEngine{err: errors.New("fork failed")}, "c")
	_, err := adapter.Compile(context.Background(), "sub-3", "int main(){}", newWorkspace(t))
	var ce *language.CompileError
	if errors.As(err, &ce) {
		t.Fatalf("engine failure must not be a compile error")
	}
	if !appErr.Is(err, appErr.SandboxStartFailed) {
		t.Fatalf("expected SandboxStartFailed, got %v", err)
	}

	adapter = resolve(t, &fakeEngine{}, "c")
	if _, err := adapter.Compile(context.Background(), "sub-4", "int main(){}", newWorkspace(t)); !appErr.Is(err, appErr.JudgeSystemError) {
		t.Fatalf("missing binary after a clean exit should be a system error, got %v", err)
	}
}

func TestInterpretedAdapter(t *testing.T) {
	adapter := resolve(t, &fakeEngine{}, "python")
	ws := newWorkspace(t)
	artifact, err := adapter.Compile(context.Background(), "sub-5", "print(1)", ws)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	data, err := os.ReadFile(artifact.SourcePath)
	if err != nil || string(data) != "print(1)" {
		t.Fatalf("source not staged: %q, %v", data, err)
	}
	cmd := adapter.BuildRunCommand(artifact)
	if len(cmd.Args) != 2 || cmd.Args[0] != "python3" || cmd.Args[1] != filepath.Join(ws.Dir, "main.py") {
		t.Fatalf("run command = %v", cmd.Args)
	}
	limits := adapter.Limits(spec.ResourceLimit{WallTimeMs: 1000, MemoryMB: 256})
	if limits.WallTimeMs != 1000 || limits.MemoryMB != 256 {
		t.Fatalf("default python limits must not be scaled, got %+v", limits)
	}
	if tc := adapter.Toolchain(); len(tc) != 1 || tc[0] != "python3" {
		t.Fatalf("toolchain = %v", tc)
	}
}

func TestLanguageMultipliers(t *testing.T) {
	slow := language.DefaultSpecs()[2]
	slow.TimeMultiplier = 1.5
	slow.MemoryMultiplier = 2
	reg, err := language.NewRegistry([]language.Spec{slow}, nil, language.CompileConfig{}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	adapter, err := reg.Resolve("python")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	limits := adapter.Limits(spec.ResourceLimit{WallTimeMs: 1001, CPUTimeMs: 1000, MemoryMB: 64, OutputBytes: 10})
	if limits.WallTimeMs != 1502 || limits.CPUTimeMs != 1500 || limits.MemoryMB != 128 || limits.OutputBytes != 10 {
		t.Fatalf("unexpected scaled limits %+v", limits)
	}
}

func TestRegistry(t *testing.T) {
	reg, err := language.NewRegistry(nil, &fakeEngine{}, language.CompileConfig{}, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	got := reg.Languages()
	if len(got) != 3 || got[0] != "c" || got[1] != "cpp" || got[2] != "python" {
		t.Fatalf("languages = %v", got)
	}
	if _, err := reg.Resolve("brainfuck"); !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if tc := reg.Toolchains(); tc["cpp"][0] != "g++" || tc["c"][0] != "gcc" {
		t.Fatalf("toolchains = %v", tc)
	}

	bad := []language.Spec{{ID: "go", Kind: "jit", SourceFile: "main.go", RunCmdTpl: "{bin}"}}
	if _, err := language.NewRegistry(bad, &fakeEngine{}, language.CompileConfig{}, nil); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
	dup := []language.Spec{language.DefaultSpecs()[2], language.DefaultSpecs()[2]}
	if _, err := language.NewRegistry(dup, nil, language.CompileConfig{}, nil); err == nil {
		t.Fatalf("expected duplicate ids to be rejected")
	}
}
