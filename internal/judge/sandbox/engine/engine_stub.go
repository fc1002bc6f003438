//go:build !linux

package engine

import (
	"context"
	"fmt"

	"kurooj/internal/judge/sandbox/result"
	"kurooj/internal/judge/sandbox/spec"
)

type stubEngine struct{}

// NewEngine returns an engine that refuses to run anything off Linux.
func NewEngine(cfg Config) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, fmt.Errorf("sandbox engine is only supported on linux")
}
