package engine

import (
	"context"
	"time"

	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/spec"
)

const (
	defaultOutputBytes        int64 = 10 << 20
	defaultStderrBytes        int64 = 4 << 10
	defaultMemoryPollInterval       = 10 * time.Millisecond
	defaultWaitDelay                = time.Second
)

// Engine executes a RunSpec as a resource-bounded process group.
type Engine interface {
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
}

// Config controls sandbox engine behavior.
type Config struct {
	// HelperPath points at the sandbox-init binary. Empty runs commands directly.
	HelperPath     string
	SeccompProfile string
	EnableSeccomp  bool

	CgroupRoot   string
	EnableCgroup bool

	DefaultOutputBytes int64
	DefaultStderrBytes int64
	MemoryPollInterval time.Duration
	WaitDelay          time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultOutputBytes <= 0 {
		c.DefaultOutputBytes = defaultOutputBytes
	}
	if c.DefaultStderrBytes <= 0 {
		c.DefaultStderrBytes = defaultStderrBytes
	}
	if c.MemoryPollInterval <= 0 {
		c.MemoryPollInterval = defaultMemoryPollInterval
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
}
