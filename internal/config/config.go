package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Memory    MemoryConfig    `yaml:"memory"`
	Comms     CommsConfig     `yaml:"comms"`
	Consensus ConsensusConfig `yaml:"consensus"`
	Agent     AgentConfig     `yaml:"agent"`
	Swarm     SwarmConfig     `yaml:"swarm"`
	Web       WebConfig       `yaml:"web"`
	Vault     VaultConfig     `yaml:"vault"`
	Collab    CollabConfig    `yaml:"collab"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type MemoryConfig struct {
	MaxEntries           int           `yaml:"max_entries"`
	MaxBytes             int64         `yaml:"max_bytes"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	CleanupSchedule      string        `yaml:"cleanup_schedule"`
	BatchWorkers         int           `yaml:"batch_workers"`
	ColdAge              time.Duration `yaml:"cold_age"`
	MetricsRetention     time.Duration `yaml:"metrics_retention"`
}

type CommsConfig struct {
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	BatchSize        int           `yaml:"batch_size"`
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	MailboxSize      int           `yaml:"mailbox_size"`
}

type ConsensusConfig struct {
	DefaultThreshold float64       `yaml:"default_threshold"`
	DefaultDeadline  time.Duration `yaml:"default_deadline"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

type AgentConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LearningInterval  time.Duration `yaml:"learning_interval"`
}

type SwarmConfig struct {
	MaxAgents      int           `yaml:"max_agents"`
	AssignInterval time.Duration `yaml:"assign_interval"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type CollabConfig struct {
	AnalyzerURL string        `yaml:"analyzer_url"`
	Timeout     time.Duration `yaml:"timeout"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/hivegrid.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Memory: MemoryConfig{
			MaxEntries:           10000,
			MaxBytes:             64 << 20,
			CompressionThreshold: 4096,
			CleanupSchedule:      "*/5 * * * *",
			BatchWorkers:         8,
			ColdAge:              time.Hour,
			MetricsRetention:     7 * 24 * time.Hour,
		},
		Comms: CommsConfig{
			DispatchInterval: 100 * time.Millisecond,
			BatchSize:        32,
			LatencyThreshold: 250 * time.Millisecond,
			MailboxSize:      256,
		},
		Consensus: ConsensusConfig{
			DefaultThreshold: 0.6,
			DefaultDeadline:  5 * time.Minute,
			SweepInterval:    10 * time.Second,
		},
		Agent: AgentConfig{
			HeartbeatInterval: 10 * time.Second,
			LearningInterval:  time.Minute,
		},
		Swarm: SwarmConfig{
			MaxAgents:      16,
			AssignInterval: 2 * time.Second,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Collab: CollabConfig{
			Timeout: 5 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("HIVEGRID_CONFIG")
	if path == "" {
		path = "config/hivegrid.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HIVEGRID_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HIVEGRID_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HIVEGRID_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("HIVEGRID_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("HIVEGRID_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("HIVEGRID_ANALYZER_URL"); v != "" {
		cfg.Collab.AnalyzerURL = v
	}
	if v := os.Getenv("HIVEGRID_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Swarm.MaxAgents = n
		}
	}
}
