package worker

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the local worker process configuration, loaded from
// ~/.kira/worker.yaml with environment variable overrides (env wins),
// ported from worker/config.py's WorkerConfig dataclass.
type Config struct {
	ServerURL          string  `yaml:"server_url"`
	Token              string  `yaml:"-"` // never persisted; KIRA_WORKER_TOKEN only
	Password           string  `yaml:"-"` // CentAuth password, env-only, never saved
	PollInterval       float64 `yaml:"poll_interval"`
	HeartbeatInterval  float64 `yaml:"heartbeat_interval"`
	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
	KiroTimeoutSeconds int     `yaml:"kiro_timeout"`
	WorkspaceRoot      string  `yaml:"workspace_root"`

	configPath string
}

func defaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return Config{
		ServerURL:          "http://localhost:8000",
		PollInterval:       5.0,
		HeartbeatInterval:  30.0,
		MaxConcurrentTasks: 1,
		KiroTimeoutSeconds: 600,
		WorkspaceRoot:      filepath.Join(home, ".kira", "workspaces"),
		configPath:         filepath.Join(home, ".kira", "worker.yaml"),
	}
}

// LoadConfig loads the worker config from configPath (DefaultConfigPath if
// empty) and applies environment variable overrides. A missing or corrupt
// file is not an error — defaults stand in, matching the original's
// swallow-and-continue policy (config.py wraps the file read in a broad
// except).
func LoadConfig(configPath string) Config {
	cfg := defaultConfig()
	if configPath != "" {
		cfg.configPath = configPath
	}

	if data, err := os.ReadFile(cfg.configPath); err == nil {
		var fileCfg Config
		if yaml.Unmarshal(data, &fileCfg) == nil {
			if fileCfg.ServerURL != "" {
				cfg.ServerURL = fileCfg.ServerURL
			}
			if fileCfg.PollInterval != 0 {
				cfg.PollInterval = fileCfg.PollInterval
			}
			if fileCfg.HeartbeatInterval != 0 {
				cfg.HeartbeatInterval = fileCfg.HeartbeatInterval
			}
			if fileCfg.MaxConcurrentTasks != 0 {
				cfg.MaxConcurrentTasks = fileCfg.MaxConcurrentTasks
			}
			if fileCfg.KiroTimeoutSeconds != 0 {
				cfg.KiroTimeoutSeconds = fileCfg.KiroTimeoutSeconds
			}
			if fileCfg.WorkspaceRoot != "" {
				cfg.WorkspaceRoot = fileCfg.WorkspaceRoot
			}
		}
	}

	if v := os.Getenv("KIRA_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	cfg.Token = os.Getenv("KIRA_WORKER_TOKEN")
	cfg.Password = os.Getenv("KIRA_WORKER_PASSWORD")
	if v := os.Getenv("KIRA_POLL_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.PollInterval = f
		}
	}
	if v := os.Getenv("KIRA_HEARTBEAT_INTERVAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.HeartbeatInterval = f
		}
	}
	if v := os.Getenv("KIRA_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentTasks = n
		}
	}
	if v := os.Getenv("KIRA_KIRO_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.KiroTimeoutSeconds = n
		}
	}
	if v := os.Getenv("KIRA_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}

	return cfg
}

// Save persists the non-secret fields to configPath (cfg.configPath if
// empty). Token and Password are never written to disk.
func (c Config) Save(configPath string) error {
	path := c.configPath
	if configPath != "" {
		path = configPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
