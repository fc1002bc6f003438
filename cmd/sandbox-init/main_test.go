//go:build linux

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/seccomp/libseccomp-golang"
)

func TestDecodeAndValidateRequest(t *testing.T) {
	req, err := decodeRequest(strings.NewReader(`{"cmd":["./main"],"env":["LANG=C"],"workDir":"/tmp/ws","limits":{"cpuTimeSec":2,"stackBytes":268435456}}`))
	if err != nil {
		t.Fatalf("decodeRequest() error = %v", err)
	}
	if req.Cmd[0] != "./main" || req.Limits.CPUTimeSec != 2 || req.Limits.StackBytes != 256<<20 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if err := validateRequest(req); err != nil {
		t.Fatalf("validateRequest() error = %v", err)
	}

	req.WorkDir = ""
	if err := validateRequest(req); err == nil {
		t.Fatalf("missing work dir should be rejected")
	}
	req.Cmd = nil
	req.WorkDir = "/tmp"
	if err := validateRequest(req); err == nil {
		t.Fatalf("missing command should be rejected")
	}
	if _, err := decodeRequest(strings.NewReader("{")); err == nil {
		t.Fatalf("truncated request should fail to decode")
	}
}

func TestBuildEnv(t *testing.T) {
	env := buildEnv([]string{"LANG=C"})
	if len(env) != 2 || env[1] != defaultPath {
		t.Fatalf("buildEnv() = %v", env)
	}
	custom := []string{"PATH=/opt/bin"}
	if got := buildEnv(custom); len(got) != 1 || got[0] != "PATH=/opt/bin" {
		t.Fatalf("buildEnv() overrode PATH: %v", got)
	}
}

func TestParseSeccompAction(t *testing.T) {
	tests := []struct {
		in      string
		want    seccomp.ScmpAction
		wantErr bool
	}{
		{"SCMP_ACT_ALLOW", seccomp.ActAllow, false},
		{"scmp_act_kill", seccomp.ActKillProcess, false},
		{"", seccomp.ActKillProcess, false},
		{"SCMP_ACT_TRACE", seccomp.ActKillProcess, true},
	}
	for _, tt := range tests {
		got, err := parseSeccompAction(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("parseSeccompAction(%q) error = %v", tt.in, err)
		}
		if !tt.wantErr && got != tt.want {
			t.Fatalf("parseSeccompAction(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoadSeccompConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	profile := `{"defaultAction":"SCMP_ACT_KILL","syscalls":[{"names":["read","write","exit_group"],"action":"SCMP_ACT_ALLOW"}]}`
	if err := os.WriteFile(path, []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	cfg, err := loadSeccompConfig(path)
	if err != nil {
		t.Fatalf("loadSeccompConfig() error = %v", err)
	}
	if cfg.DefaultAction != "SCMP_ACT_KILL" || len(cfg.Syscalls) != 1 || len(cfg.Syscalls[0].Names) != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if _, err := loadSeccompConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("missing profile should fail")
	}
}
