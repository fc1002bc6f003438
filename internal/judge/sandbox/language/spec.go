// Package language holds the enumerated set of supported languages and the
// adapters that compile and launch submissions written in them.
package language

import (
	"strings"
	"time"
)

// Kind selects the adapter variant for a language.
type Kind string

const (
	KindCompiled    Kind = "compiled"
	KindInterpreted Kind = "interpreted"
)

const defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Spec defines how to compile and run a language.
type Spec struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	Version          string   `yaml:"version"`
	Kind             Kind     `yaml:"kind"`
	SourceFile       string   `yaml:"sourceFile"`
	BinaryFile       string   `yaml:"binaryFile"`
	CompileCmdTpl    string   `yaml:"compileCmd"`
	RunCmdTpl        string   `yaml:"runCmd"`
	Env              []string `yaml:"env"`
	TimeMultiplier   float64  `yaml:"timeMultiplier"`
	MemoryMultiplier float64  `yaml:"memoryMultiplier"`
}

// CompileConfig bounds compiler invocations. Compile time is not charged
// against a submission's run limits.
type CompileConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MemoryMB         int64         `yaml:"memoryMB"`
	ArtifactBytes    int64         `yaml:"artifactBytes"`
	DiagnosticsBytes int64         `yaml:"diagnosticsBytes"`
	PIDs             int64         `yaml:"pids"`
}

// DefaultCompileConfig returns the compile bounds used when none are configured.
func DefaultCompileConfig() CompileConfig {
	return CompileConfig{
		Timeout:          10 * time.Second,
		MemoryMB:         1024,
		ArtifactBytes:    64 << 20,
		DiagnosticsBytes: 8 << 10,
		PIDs:             64,
	}
}

func (c *CompileConfig) applyDefaults() {
	d := DefaultCompileConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = d.MemoryMB
	}
	if c.ArtifactBytes <= 0 {
		c.ArtifactBytes = d.ArtifactBytes
	}
	if c.DiagnosticsBytes <= 0 {
		c.DiagnosticsBytes = d.DiagnosticsBytes
	}
	if c.PIDs <= 0 {
		c.PIDs = d.PIDs
	}
}

// DefaultSpecs returns the built-in language table.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			ID:            "cpp",
			Name:          "C++",
			Version:       "c++17",
			Kind:          KindCompiled,
			SourceFile:    "main.cpp",
			BinaryFile:    "main",
			CompileCmdTpl: "g++ -std=c++17 -O2 -pipe -o {bin} {src}",
			RunCmdTpl:     "{bin}",
		},
		{
			ID:            "c",
			Name:          "C",
			Version:       "c11",
			Kind:          KindCompiled,
			SourceFile:    "main.c",
			BinaryFile:    "main",
			CompileCmdTpl: "gcc -std=c11 -O2 -pipe -o {bin} {src} -lm",
			RunCmdTpl:     "{bin}",
		},
		{
			ID:         "python",
			Name:       "Python",
			Version:    "3",
			Kind:       KindInterpreted,
			SourceFile: "main.py",
			RunCmdTpl:  "python3 {src}",
		},
	}
}

func (s Spec) env() []string {
	for _, kv := range s.Env {
		if strings.HasPrefix(kv, "PATH=") {
			return append([]string(nil), s.Env...)
		}
	}
	return append([]string{defaultPath}, s.Env...)
}
