// Package config provides configuration loading for warden.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fentz26/warden/internal/models"
)

// Config is the process-wide warden configuration. The policy section is
// read-only for the lifetime of the process; repo runtime settings live next
// to each snapshot and are resolved per run instead.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`
	LogLevel   string `koanf:"log_level"`

	// DataDir holds the task database and the audit log.
	DataDir   string `koanf:"data_dir"`
	DBPath    string `koanf:"db_path"`
	AuditPath string `koanf:"audit_path"`

	// ReposRoot contains one directory per logical repo, each with a
	// snapshot/ checkout and a runtime.yaml.
	ReposRoot string `koanf:"repos_root"`

	// Agents maps an agent identifier to its command template. Templates may
	// reference {workspace}, {output_dir}, {intent}, {repo}, {branch},
	// {task_id} and {trigger_user}.
	Agents       map[string]string `koanf:"agents"`
	DefaultAgent string            `koanf:"default_agent"`

	BaseBranch string `koanf:"base_branch"`

	Policy models.PolicyConfig `koanf:"policy"`
}

// Default returns the built-in configuration, rooted under ~/.warden.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".warden")
	return &Config{
		ListenAddr: "127.0.0.1:7410",
		LogLevel:   "info",
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, "warden.db"),
		AuditPath:  filepath.Join(dataDir, "audit.ndjson"),
		ReposRoot:  filepath.Join(dataDir, "repos"),
		Agents: map[string]string{
			"claude": `claude -p {intent}`,
		},
		DefaultAgent: "claude",
		BaseBranch:   "main",
		Policy: models.PolicyConfig{
			BlockedPathPrefixes: []string{".github/workflows/", "secrets/", ".git/"},
			MaxChangedFiles:     50,
			MaxDiffBytes:        512 * 1024,
			DisallowBinaryPatch: true,
		},
	}
}

// Load reads configuration from the YAML file at path (if it exists), then
// overrides with WARDEN_* environment variables. Precedence, highest first:
// environment, file, defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}

	if content, err := os.ReadFile(path); err == nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	// WARDEN_LISTEN_ADDR -> listen_addr, WARDEN_POLICY_MAX_DIFF_BYTES stays a
	// flat key under policy via the explicit dot after the section name.
	if err := k.Load(env.Provider("WARDEN_", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, "WARDEN_"))
		for _, section := range []string{"policy_"} {
			if strings.HasPrefix(key, section) {
				return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(key, section)
			}
		}
		return key
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// AgentCommand resolves the command template for the named agent, falling back
// to the default agent when name is empty.
func (c *Config) AgentCommand(name string) (agent, template string, err error) {
	if name == "" {
		name = c.DefaultAgent
	}
	tmpl, ok := c.Agents[name]
	if !ok {
		return "", "", fmt.Errorf("unknown agent %q", name)
	}
	return name, tmpl, nil
}
