package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// PRUNEJUICE_DEFAULT_TIMEOUT=600.
const EnvPrefix = "PRUNEJUICE"

// Settings holds runtime configuration. Values come from defaults,
// then the optional .prj/configs/settings.yaml, then PRUNEJUICE_*
// environment variables.
type Settings struct {
	DBPath         string `mapstructure:"db_path" yaml:"db_path"`
	ArtifactsDir   string `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	WorktreeRoot   string `mapstructure:"worktree_root" yaml:"worktree_root"`
	DefaultTimeout int    `mapstructure:"default_timeout" yaml:"default_timeout"`
	CleanupTimeout int    `mapstructure:"cleanup_timeout" yaml:"cleanup_timeout"`
	MaxParallel    int    `mapstructure:"max_parallel_steps" yaml:"max_parallel_steps"`
	TmuxServer     string `mapstructure:"tmux_server" yaml:"tmux_server"`
	Editor         string `mapstructure:"editor" yaml:"editor"`

	Webhooks []WebhookConfig `mapstructure:"webhooks" yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one HTTP endpoint to notify about event log
// entries. An empty Actions list matches every action.
type WebhookConfig struct {
	URL            string   `mapstructure:"url" yaml:"url"`
	Secret         string   `mapstructure:"secret" yaml:"secret,omitempty"`
	Actions        []string `mapstructure:"actions" yaml:"actions,omitempty"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `mapstructure:"enabled" yaml:"enabled,omitempty"`
}

// Path returns the settings file path for a project.
func Path(projectPath string) string {
	if projectPath == "" {
		projectPath = "."
	}
	return filepath.Join(projectPath, ".prj", "configs", "settings.yaml")
}

// Load resolves settings for a project. A missing settings file is not
// an error; defaults and environment still apply.
func Load(projectPath string) (Settings, error) {
	v := viper.New()
	v.SetDefault("db_path", filepath.Join(projectPath, ".prj", "prunejuice.db"))
	v.SetDefault("artifacts_dir", filepath.Join(projectPath, ".prj", "artifacts"))
	v.SetDefault("worktree_root", filepath.Join(projectPath, ".worktrees"))
	v.SetDefault("default_timeout", 1800)
	v.SetDefault("cleanup_timeout", 60)
	v.SetDefault("max_parallel_steps", 1)
	v.SetDefault("tmux_server", "prunejuice")
	v.SetDefault("editor", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	settingsFile := Path(projectPath)
	if _, err := os.Stat(settingsFile); err == nil {
		v.SetConfigFile(settingsFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, s.Validate()
}

// Validate rejects values the executor cannot work with.
func (s Settings) Validate() error {
	if s.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive, got %d", s.DefaultTimeout)
	}
	if s.CleanupTimeout <= 0 {
		return fmt.Errorf("cleanup_timeout must be positive, got %d", s.CleanupTimeout)
	}
	if s.MaxParallel < 1 {
		return fmt.Errorf("max_parallel_steps must be at least 1, got %d", s.MaxParallel)
	}
	return nil
}
