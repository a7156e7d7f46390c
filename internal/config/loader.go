package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Loader reads configuration from defaults, a YAML file, and WORLDMIND_*
// environment variables, in increasing precedence.
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
	mu         sync.Mutex
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{v: viper.New(), envPrefix: "WORLDMIND"}
}

// NewLoaderWithViper creates a loader over an existing viper instance, for
// CLI flag bindings.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v, envPrefix: "WORLDMIND"}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads and validates the configuration.
// Precedence (highest to lowest): env vars, config file, defaults.
// File locations tried: the explicit path, .worldmind/config.yaml,
// ~/.config/worldmind/config.yaml.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		projectPath := filepath.Join(".worldmind", "config.yaml")
		if _, err := os.Stat(projectPath); err == nil {
			l.v.SetConfigFile(projectPath)
		} else {
			l.v.SetConfigName("config")
			l.v.SetConfigType("yaml")
			if home, err := os.UserHomeDir(); err == nil {
				l.v.AddConfigPath(filepath.Join(home, ".config", "worldmind"))
			}
		}
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			// No config file: defaults plus env vars.
		} else {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFile returns the config file path that was used, if any.
func (l *Loader) ConfigFile() string {
	if l.configFile != "" {
		return l.configFile
	}
	return l.v.ConfigFileUsed()
}

func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")

	l.v.SetDefault("mission.max_parallel", 1)
	l.v.SetDefault("mission.max_iterations", 3)
	l.v.SetDefault("mission.wave_cooldown_seconds", 60)
	l.v.SetDefault("mission.reasoning_level", "medium")

	l.v.SetDefault("checkpoint.backend", "sqlite")
	l.v.SetDefault("checkpoint.path", ".worldmind/checkpoints.db")

	l.v.SetDefault("sandbox.timeout_seconds", 300)

	l.v.SetDefault("provider.kind", "local")
	l.v.SetDefault("provider.binary", "")
	l.v.SetDefault("provider.image_repo", "worldmind/agent")

	l.v.SetDefault("git.workspace_dir", ".worldmind/workspaces")
	l.v.SetDefault("git.remote", "origin")

	l.v.SetDefault("deployer.apps_domain", "")
	l.v.SetDefault("deployer.defaults.memory", "1G")
	l.v.SetDefault("deployer.defaults.instances", 1)
	l.v.SetDefault("deployer.defaults.path", "target/*.jar")
	l.v.SetDefault("deployer.defaults.buildpack", "java_buildpack_offline")
	l.v.SetDefault("deployer.defaults.jre_version", "21.+")

	l.v.SetDefault("metrics.enabled", false)
	l.v.SetDefault("metrics.addr", "127.0.0.1:9800")
}
