// Package config loads the agent's YAML configuration document into a
// typed Config struct. Parsing the document format itself is glue, not
// policy; the struct shape below is load-bearing for every other module.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceConfig describes one node-local device entry from the config file.
type DeviceConfig struct {
	SlotId string            `yaml:"slot_id"`
	Kind   string            `yaml:"kind"` // "char", "block", "other"
	Major  int64             `yaml:"major"`
	Minor  int64             `yaml:"minor"`
	Env    map[string]string `yaml:"env"`
}

// ArchiveConfig configures the optional MinIO job-output archiver.
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// AuditConfig configures the optional MySQL terminal-status audit log.
type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

// Config is the agent's fully resolved runtime configuration.
type Config struct {
	ListenAddr     string `yaml:"listen_addr"`
	ControllerAddr string `yaml:"controller_addr"`
	DebugAddr      string `yaml:"debug_addr"`

	ContainerRoot string `yaml:"container_root"`
	ScriptDir     string `yaml:"script_dir"`
	SocketDir     string `yaml:"socket_dir"`
	LockFile      string `yaml:"lock_file"`

	Devices []DeviceConfig `yaml:"devices"`

	RelayURL    string `yaml:"relay_url"`
	RelaySecret string `yaml:"relay_secret"`

	EnableCgroup     bool `yaml:"enable_cgroup"`
	EnableNamespaces bool `yaml:"enable_namespaces"`
	EnableSeccomp    bool `yaml:"enable_seccomp"`
	SeccompProfile   string `yaml:"seccomp_profile"`

	Archive *ArchiveConfig `yaml:"archive"`
	Audit   *AuditConfig   `yaml:"audit"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
}

// Load reads and parses the YAML document at path, filling in defaults and
// validating required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ContainerRoot == "" {
		cfg.ContainerRoot = "/sys/fs/cgroup"
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = "/var/crane/cranedscript"
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = "/var/crane/sockets"
	}
	if cfg.LockFile == "" {
		cfg.LockFile = "/var/crane/craned.lock"
	}
	if cfg.DebugAddr == "" {
		cfg.DebugAddr = "127.0.0.1:8971"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if cfg.ControllerAddr == "" {
		return fmt.Errorf("controller_addr is required")
	}
	for i, d := range cfg.Devices {
		if d.SlotId == "" {
			return fmt.Errorf("devices[%d]: slot_id is required", i)
		}
	}
	return nil
}
