// Package config loads cloudsync configuration from defaults, an optional
// YAML file and CLOUDSYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before mapping them to keys
const EnvPrefix = "CLOUDSYNC_"

// PathEnvVar names the environment variable that points at a config file
const PathEnvVar = "CLOUDSYNC_CONFIG"

// UnlimitedQuota is the backend's quota sentinel; folders with it get no quota call
const UnlimitedQuota int64 = -3

// Upper bounds of the generated identifiers, fixed by the column sizes of
// remote_group_id and remote_folder_name
const (
	MaxGroupIDLength    = 64
	MaxFolderNameLength = 100
)

// DefaultConfigPaths are searched in order when PathEnvVar is unset
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cloudsync/config.yaml",
}

// Config is the full application configuration
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Auth     AuthConfig     `koanf:"auth"`
	Logging  LoggingConfig  `koanf:"logging"`
	Cloud    CloudConfig    `koanf:"cloud"`
	Executor ExecutorConfig `koanf:"executor"`
	Breaker  BreakerConfig  `koanf:"breaker"`
}

// ServerConfig configures the platform HTTP server
type ServerConfig struct {
	Port    int    `koanf:"port"`
	BaseURL string `koanf:"base_url"`
}

// DatabaseConfig configures the platform store
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// AuthConfig configures platform bearer tokens
type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

// LoggingConfig configures the global logger
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CloudConfig describes the remote cloud backend and how platform
// objects are mapped onto it.
type CloudConfig struct {
	BaseURL       string `koanf:"base_url"`
	AdminUser     string `koanf:"admin_user"`
	AdminPassword string `koanf:"admin_password"`
	// AdminAccount is added to every group so the backend admin can see all folders
	AdminAccount        string        `koanf:"admin_account"`
	UserIDPrefix        string        `koanf:"user_id_prefix"`
	DefaultQuota        int64         `koanf:"default_quota"`
	PrefixByCategory    bool          `koanf:"prefix_by_category"`
	RequestTimeout      time.Duration `koanf:"request_timeout"`
	GroupIDMaxLength    int           `koanf:"group_id_max_length"`
	FolderNameMaxLength int           `koanf:"folder_name_max_length"`
	GroupFolderURL      string        `koanf:"group_folder_url"`
	RenameOnSave        bool          `koanf:"rename_on_save"`
}

// ExecutorConfig configures the retry executor
type ExecutorConfig struct {
	Workers int             `koanf:"workers"`
	Delays  []time.Duration `koanf:"delays"`
}

// BreakerConfig configures the circuit breaker in front of the cloud backend
type BreakerConfig struct {
	MaxRequests  uint32        `koanf:"max_requests"`
	Interval     time.Duration `koanf:"interval"`
	Timeout      time.Duration `koanf:"timeout"`
	FailureRatio float64       `koanf:"failure_ratio"`
	MinRequests  uint32        `koanf:"min_requests"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    8080,
			BaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Path: "cloudsync.db",
		},
		Auth: AuthConfig{
			JWTSecret: "cloudsync-dev-secret-change-in-production",
			TokenTTL:  24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Cloud: CloudConfig{
			BaseURL:             "http://localhost/nextcloud",
			AdminUser:           "admin",
			AdminPassword:       "admin",
			AdminAccount:        "admin",
			UserIDPrefix:        "user-",
			DefaultQuota:        UnlimitedQuota,
			RequestTimeout:      30 * time.Second,
			GroupIDMaxLength:    MaxGroupIDLength,
			FolderNameMaxLength: MaxFolderNameLength,
			GroupFolderURL:      "/apps/files/?dir=/%s",
			RenameOnSave:        true,
		},
		Executor: ExecutorConfig{
			Workers: 64,
			Delays: []time.Duration{
				2 * time.Second,
				5 * time.Second,
				10 * time.Second,
				30 * time.Second,
				60 * time.Second,
				300 * time.Second,
			},
		},
		Breaker: BreakerConfig{
			MaxRequests:  3,
			Interval:     time.Minute,
			Timeout:      30 * time.Second,
			FailureRatio: 0.6,
			MinRequests:  10,
		},
	}
}

// Load reads configuration: defaults, then file, then environment
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom loads configuration from an explicit file path, which may be empty
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", transformEnv), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := splitDelays(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// transformEnv maps CLOUDSYNC_CLOUD_BASE_URL to cloud.base_url: the first
// underscore separates the section, the rest belong to the key.
func transformEnv(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	return section + "." + rest
}

// splitDelays turns a comma separated executor.delays env value into a list
func splitDelays(k *koanf.Koanf) error {
	raw, ok := k.Get("executor.delays").(string)
	if !ok {
		return nil
	}
	var delays []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			delays = append(delays, p)
		}
	}
	if err := k.Set("executor.delays", delays); err != nil {
		return fmt.Errorf("failed to set executor.delays: %w", err)
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks the values the rest of the program relies on
func (c *Config) Validate() error {
	var errs []error
	if c.Cloud.BaseURL == "" {
		errs = append(errs, errors.New("cloud.base_url is required"))
	}
	if c.Cloud.RequestTimeout <= 0 {
		errs = append(errs, errors.New("cloud.request_timeout must be positive"))
	}
	if c.Cloud.GroupIDMaxLength < 8 || c.Cloud.GroupIDMaxLength > MaxGroupIDLength {
		errs = append(errs, fmt.Errorf("cloud.group_id_max_length must be between 8 and %d", MaxGroupIDLength))
	}
	if c.Cloud.FolderNameMaxLength < 8 || c.Cloud.FolderNameMaxLength > MaxFolderNameLength {
		errs = append(errs, fmt.Errorf("cloud.folder_name_max_length must be between 8 and %d", MaxFolderNameLength))
	}
	if err := validateFolderURL(c.Cloud.GroupFolderURL); err != nil {
		errs = append(errs, err)
	}
	if c.Executor.Workers <= 0 {
		errs = append(errs, errors.New("executor.workers must be positive"))
	}
	for _, d := range c.Executor.Delays {
		if d < 0 {
			errs = append(errs, fmt.Errorf("executor.delays contains negative delay %s", d))
		}
	}
	return errors.Join(errs...)
}

// validateFolderURL requires exactly one %s verb, which receives the folder name
func validateFolderURL(pattern string) error {
	verbs := strings.Count(strings.ReplaceAll(pattern, "%%", ""), "%")
	if verbs != 1 || !strings.Contains(pattern, "%s") {
		return fmt.Errorf("cloud.group_folder_url must contain exactly one %%s, got %q", pattern)
	}
	return nil
}
