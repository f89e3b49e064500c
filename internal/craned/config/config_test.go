package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "craned.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
listen_addr: "0.0.0.0:7422"
controller_addr: "ctld.cluster.local:7423"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ContainerRoot != "/sys/fs/cgroup" {
		t.Errorf("ContainerRoot = %q, want default", cfg.ContainerRoot)
	}
	if cfg.SocketDir != "/var/crane/sockets" {
		t.Errorf("SocketDir = %q, want default", cfg.SocketDir)
	}
	if cfg.DebugAddr != "127.0.0.1:8971" {
		t.Errorf("DebugAddr = %q, want default", cfg.DebugAddr)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("expected default log level/format, got %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadMissingRequiredFields(t *testing.T) {
	path := writeTempConfig(t, `container_root: "/sys/fs/cgroup"`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error when listen_addr/controller_addr are missing")
	}
}

func TestLoadRejectsDeviceWithoutSlotId(t *testing.T) {
	path := writeTempConfig(t, `
listen_addr: "0.0.0.0:7422"
controller_addr: "ctld.cluster.local:7423"
devices:
  - kind: "char"
    major: 195
    minor: 0
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for a device entry missing slot_id")
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/craned.yaml"); err == nil {
		t.Fatalf("expected error reading a nonexistent config file")
	}
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
listen_addr: "0.0.0.0:7422"
controller_addr: "ctld.cluster.local:7423"
log_level: "debug"
enable_seccomp: true
seccomp_profile: "/etc/craned/seccomp.json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected explicit log_level to be preserved, got %q", cfg.LogLevel)
	}
	if !cfg.EnableSeccomp || cfg.SeccompProfile != "/etc/craned/seccomp.json" {
		t.Errorf("expected seccomp settings to be preserved, got %+v", cfg)
	}
}
