// Package gitlab is the Go port of integrations/gitlab/{client,models}.py: a
// narrow GitLab REST API v4 client plus its YAML+env credential config,
// used by the GitLab Integration Executor (C9).
package gitlab

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is a GitLab connection, loaded from ~/.kira/gitlab.yaml with
// restricted (0600) file permissions, plus environment variable overrides
// (models.py's GitLabConfig).
type Config struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
}

func configPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".kira", "gitlab.yaml")
}

// IsConfigured reports whether both server and token are set.
func (c Config) IsConfigured() bool { return c.Server != "" && c.Token != "" }

// LoadConfig loads GitLab config from the secure file, then applies
// GITLAB_SERVER/GITLAB_TOKEN environment overrides. A missing or unreadable
// file is not an error — it leaves the zero value, same as models.py's
// broad except around the YAML read.
func LoadConfig() Config {
	var cfg Config
	if data, err := os.ReadFile(configPath()); err == nil {
		_ = yaml.Unmarshal(data, &cfg)
	}
	if v := os.Getenv("GITLAB_SERVER"); v != "" {
		cfg.Server = v
	}
	if v := os.Getenv("GITLAB_TOKEN"); v != "" {
		cfg.Token = v
	}
	return cfg
}

// Save persists the config to the secure file with 0600 permissions.
func (c Config) Save() error {
	path := configPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}
