package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// HardcodedBlockedPaths are security-critical paths that CANNOT be overridden
// by user config. These contain credentials and must never be bound into a
// session, whatever the caller asks for.
var HardcodedBlockedPaths = []string{
	"~/.ssh",
	"~/.aws",
	"~/.config/gcloud",
	"~/.gnupg",
	"~/.password-store",
	"~/.docker/config.json",
	"~/.kube",
}

// Config is the playpen daemon configuration.
type Config struct {
	Server       Server   `mapstructure:"server"`
	Daemon       Daemon   `mapstructure:"daemon"`
	Query        Query    `mapstructure:"query"`
	Session      Session  `mapstructure:"session"`
	Backends     Backends `mapstructure:"backends"`
	Networks     []string `mapstructure:"networks"`
	BlockedPaths []string `mapstructure:"blocked_paths"`
}

// Server configures the HTTP control plane.
type Server struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	AdminToken string `mapstructure:"admin_token"`
}

// Daemon configures the background supervisor.
type Daemon struct {
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
}

// Query configures the in-session query proxy.
type Query struct {
	TimeoutCeilingSeconds int `mapstructure:"timeout_ceiling_seconds"`
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	RateLimitPerMinute    int `mapstructure:"rate_limit_per_minute"`
}

// Session configures lifecycle budgets and the in-session API.
type Session struct {
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	APIPort        int           `mapstructure:"api_port"`
	PortRangeMin   int           `mapstructure:"port_range_min"`
	PortRangeMax   int           `mapstructure:"port_range_max"`
}

// Backends configures the concrete sandbox engines.
type Backends struct {
	Container Container `mapstructure:"container"`
	VM        VM        `mapstructure:"vm"`
}

// Container configures the container engine driver.
type Container struct {
	Image string `mapstructure:"image"`
	User  string `mapstructure:"user"`
}

// VM configures the VM-clone engine driver.
type VM struct {
	Template string `mapstructure:"template"`
}

// Load reads PLAYPEN_HOME/config.yaml (default ~/.playpen/config.yaml), or
// returns the defaults when no file exists.
func Load() (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(home)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file; defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.BlockedPaths = expandPaths(cfg.BlockedPaths)
	cfg.BlockedPaths = mergeBlockedPaths(cfg.BlockedPaths, expandPaths(HardcodedBlockedPaths))

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8370)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("daemon.graceful_timeout", "15s")

	v.SetDefault("query.timeout_ceiling_seconds", 300)
	v.SetDefault("query.default_timeout_seconds", 60)
	v.SetDefault("query.rate_limit_per_minute", 30)

	v.SetDefault("session.start_timeout", "2m")
	v.SetDefault("session.health_interval", "15s")
	v.SetDefault("session.token_ttl", "8h")
	v.SetDefault("session.api_port", 8377)
	v.SetDefault("session.port_range_min", 42000)
	v.SetDefault("session.port_range_max", 42999)

	v.SetDefault("backends.container.image", "playpen-agent:latest")
	v.SetDefault("backends.container.user", "agent")
	v.SetDefault("backends.vm.template", "playpen-agent-base")

	v.SetDefault("networks", []string{"anthropic", "npm", "github", "pypi"})

	// Blocked paths (SECURITY CRITICAL)
	blockedPaths := []string{
		"~/.ssh",
		"~/.aws",
		"~/.config/gcloud",
		"~/.gnupg",
		"~/.password-store",
		"~/.mozilla",
		"~/.config/google-chrome",
		"~/.docker",
		"~/.netrc",
		"~/.npmrc",
		"~/.pypirc",
		"~/.m2/settings.xml",
		"~/.gradle/gradle.properties",
		"~/.kube",
		"~/.config/gh",
		"~/.azure",
	}
	switch runtime.GOOS {
	case "darwin":
		blockedPaths = append(blockedPaths, "~/Library/Keychains")
	case "linux":
		blockedPaths = append(blockedPaths, "~/.local/share/keyrings")
	}
	v.SetDefault("blocked_paths", blockedPaths)
}

// Home returns the playpen root directory: PLAYPEN_HOME when set, otherwise
// ~/.playpen.
func Home() (string, error) {
	if env := os.Getenv("PLAYPEN_HOME"); env != "" {
		return env, nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".playpen"), nil
}

// EnsureHome creates the playpen root directory if it doesn't exist.
func EnsureHome() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", err
	}
	return home, nil
}

// SecretsDir returns the directory holding the named secrets of the external
// store.
func SecretsDir() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "secrets"), nil
}

// expandPaths expands ~ in paths to the user's home directory.
func expandPaths(paths []string) []string {
	expanded := make([]string, len(paths))
	for i, path := range paths {
		p, err := homedir.Expand(path)
		if err != nil {
			expanded[i] = path
			continue
		}
		expanded[i] = p
	}
	return expanded
}

// mergeBlockedPaths merges the user's blocked paths with the hardcoded set,
// removing duplicates. The hardcoded paths are always present.
func mergeBlockedPaths(userPaths, hardcodedPaths []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(userPaths)+len(hardcodedPaths))

	for _, path := range hardcodedPaths {
		if !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}
	for _, path := range userPaths {
		if !seen[path] {
			seen[path] = true
			result = append(result, path)
		}
	}
	return result
}
