//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/spec"
	"kurooj/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type linuxEngine struct {
	cfg Config
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config) (Engine, error) {
	cfg.applyDefaults()
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if cfg.HelperPath != "" {
		path, err := exec.LookPath(cfg.HelperPath)
		if err != nil {
			return nil, fmt.Errorf("locate sandbox helper: %w", err)
		}
		cfg.HelperPath = path
	}
	return &linuxEngine{cfg: cfg}, nil
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}
	if ctx.Err() != nil {
		return result.RunResult{ExitCode: -1, KillReason: result.KillCancelled}, nil
	}

	limits := runSpec.Limits
	if limits.OutputBytes <= 0 {
		limits.OutputBytes = e.cfg.DefaultOutputBytes
	}
	if limits.StderrBytes <= 0 {
		limits.StderrBytes = e.cfg.DefaultStderrBytes
	}

	stdin, err := openStdin(runSpec.StdinPath)
	if err != nil {
		return result.RunResult{}, err
	}
	defer stdin.Close()

	cgroupPath := ""
	if e.cfg.EnableCgroup {
		var cleanup func()
		cgroupPath, cleanup, err = createRunCgroup(e.cfg.CgroupRoot, runSpec.SubmissionID, runSpec.TestID)
		if err != nil {
			return result.RunResult{}, fmt.Errorf("create cgroup: %w", err)
		}
		defer cleanup()
		if err := applyCgroupLimits(cgroupPath, limits); err != nil {
			return result.RunResult{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
	}

	killer := &killSwitch{cgroup: cgroupPath}
	stdout := newCappedWriter(limits.OutputBytes, func() { killer.trip(result.KillOutput) })
	stderr := newExcerptWriter(limits.StderrBytes)

	cmd, helperReq, err := e.buildCmd(runSpec, limits)
	if err != nil {
		return result.RunResult{}, err
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	cmd.WaitDelay = e.cfg.WaitDelay

	var reqWriter *os.File
	if helperReq != nil {
		reqReader, w, err := os.Pipe()
		if err != nil {
			return result.RunResult{}, fmt.Errorf("create helper pipe: %w", err)
		}
		reqWriter = w
		cmd.ExtraFiles = []*os.File{reqReader}
		defer reqReader.Close()
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if reqWriter != nil {
			_ = reqWriter.Close()
		}
		return result.RunResult{}, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	pid := cmd.Process.Pid
	killer.arm(pid)

	if helperReq != nil {
		go func() {
			_ = json.NewEncoder(reqWriter).Encode(helperReq)
			_ = reqWriter.Close()
		}()
	} else {
		applyPrlimits(ctx, pid, limits)
	}
	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	done := make(chan struct{})
	var peakKB atomic.Int64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.watchdog(ctx, killer, limits.WallTimeMs, done)
	}()
	go func() {
		defer wg.Done()
		e.monitorMemory(killer, pid, cgroupPath, limits.MemoryMB*1024, &peakKB, done)
	}()

	waitErr := cmd.Wait()
	wallTime := time.Since(start)
	close(done)
	wg.Wait()
	// Reap anything the program left behind in its group.
	killer.kill()

	if waitErr != nil && !isExitErr(waitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		logger.Warn(ctx, "wait for sandboxed process failed", zap.Error(waitErr))
	}

	runResult := result.RunResult{
		ExitCode:        exitCodeFromErr(waitErr, cmd.ProcessState),
		Signal:          signalName(cmd.ProcessState),
		TimeMs:          wallTime.Milliseconds(),
		CPUTimeMs:       cpuTimeMs(cmd.ProcessState),
		MemoryKB:        maxInt64(peakKB.Load(), memoryPeakKB(cgroupPath, cmd.ProcessState)),
		Stdout:          stdout.String(),
		StdoutTruncated: stdout.Truncated(),
		Stderr:          stderr.String(),
		OomKilled:       wasOomKilled(cgroupPath),
		KillReason:      killer.reason(),
	}
	return runResult, nil
}

func (e *linuxEngine) buildCmd(runSpec spec.RunSpec, limits spec.ResourceLimit) (*exec.Cmd, *HelperRequest, error) {
	if e.cfg.HelperPath == "" {
		cmd := exec.Command(runSpec.Cmd[0], runSpec.Cmd[1:]...)
		cmd.Dir = runSpec.WorkDir
		cmd.Env = runSpec.Env
		return cmd, nil, nil
	}
	req := &HelperRequest{
		Cmd:     runSpec.Cmd,
		Env:     runSpec.Env,
		WorkDir: runSpec.WorkDir,
		Limits:  helperLimits(limits),
	}
	if e.cfg.EnableSeccomp {
		req.SeccompProfile = e.cfg.SeccompProfile
	}
	cmd := exec.Command(e.cfg.HelperPath)
	cmd.Dir = runSpec.WorkDir
	cmd.Env = runSpec.Env
	return cmd, req, nil
}

// watchdog kills the group when the wall-clock limit elapses or ctx ends.
func (e *linuxEngine) watchdog(ctx context.Context, killer *killSwitch, wallTimeMs int64, done <-chan struct{}) {
	var wallTimer <-chan time.Time
	if wallTimeMs > 0 {
		timer := time.NewTimer(time.Duration(wallTimeMs) * time.Millisecond)
		defer timer.Stop()
		wallTimer = timer.C
	}
	select {
	case <-ctx.Done():
		killer.trip(result.KillCancelled)
	case <-wallTimer:
		killer.trip(result.KillWallTime)
	case <-done:
	}
}

// monitorMemory samples resident memory of the process group and kills it once
// the ceiling is crossed. The highest sample is kept in peakKB.
func (e *linuxEngine) monitorMemory(killer *killSwitch, pid int, cgroupPath string, limitKB int64, peakKB *atomic.Int64, done <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.MemoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			rss := groupRSSKB(pid, cgroupPath)
			if rss > peakKB.Load() {
				peakKB.Store(rss)
			}
			if limitKB > 0 && rss > limitKB {
				killer.trip(result.KillMemory)
				return
			}
		}
	}
}

// killSwitch records the first limit that tripped and kills the process group.
type killSwitch struct {
	why    atomic.Int32
	pid    atomic.Int64
	cgroup string
}

func (k *killSwitch) trip(reason result.KillReason) bool {
	if !k.why.CompareAndSwap(int32(result.KillNone), int32(reason)) {
		return false
	}
	k.kill()
	return true
}

func (k *killSwitch) arm(pid int) {
	k.pid.Store(int64(pid))
	if k.why.Load() != int32(result.KillNone) {
		k.kill()
	}
}

func (k *killSwitch) kill() {
	if pid := int(k.pid.Load()); pid > 0 {
		_ = unix.Kill(-pid, unix.SIGKILL)
	}
	if k.cgroup != "" {
		_ = killCgroup(k.cgroup)
	}
}

func (k *killSwitch) reason() result.KillReason {
	return result.KillReason(k.why.Load())
}

func openStdin(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stdin: %w", err)
	}
	return f, nil
}

// applyPrlimits bounds CPU time and written file size of a directly started child.
func applyPrlimits(ctx context.Context, pid int, limits spec.ResourceLimit) {
	hl := helperLimits(limits)
	set := func(resource int, value uint64) {
		if value == 0 {
			return
		}
		lim := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &lim, nil); err != nil && !errors.Is(err, unix.ESRCH) {
			logger.Debug(ctx, "prlimit failed", zap.Int("resource", resource), zap.Error(err))
		}
	}
	set(unix.RLIMIT_CPU, hl.CPUTimeSec)
	set(unix.RLIMIT_FSIZE, hl.FileBytes)
	_ = unix.Prlimit(pid, unix.RLIMIT_CORE, &unix.Rlimit{}, nil)
}

func helperLimits(limits spec.ResourceLimit) HelperLimits {
	var hl HelperLimits
	cpuMs := limits.CPUTimeMs
	if cpuMs <= 0 {
		cpuMs = limits.WallTimeMs
	}
	if cpuMs > 0 {
		// Whole seconds, rounded up, plus one second of slack for the kernel signal.
		hl.CPUTimeSec = uint64((cpuMs+999)/1000) + 1
	}
	if limits.StackMB > 0 {
		hl.StackBytes = uint64(limits.StackMB) << 20
	}
	if limits.OutputBytes > 0 {
		hl.FileBytes = uint64(limits.OutputBytes)
	}
	if limits.PIDs > 0 {
		hl.Processes = uint64(limits.PIDs)
	}
	return hl
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.SubmissionID == "" {
		return fmt.Errorf("submission id is required")
	}
	if runSpec.TestID == "" {
		return fmt.Errorf("test id is required")
	}
	if runSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if len(runSpec.Cmd) == 0 || runSpec.Cmd[0] == "" {
		return fmt.Errorf("command is required")
	}
	return nil
}

func isExitErr(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func signalName(state *os.ProcessState) string {
	if state == nil {
		return ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return unix.SignalName(ws.Signal())
	}
	return ""
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	return (state.UserTime() + state.SystemTime()).Milliseconds()
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
