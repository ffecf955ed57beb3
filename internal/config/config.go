package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	SSH     SSHConfig     `yaml:"ssh" json:"ssh"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format     string `yaml:"format" json:"format" validate:"omitempty,oneof=json text"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" validate:"min=0"`
	MaxAge     int    `yaml:"max_age" json:"max_age" validate:"min=0"`
}

// SSHConfig contains SSH trust and connection defaults shared by all hosts
type SSHConfig struct {
	KnownHostsPath string        `yaml:"known_hosts_path" json:"known_hosts_path"`
	HostKeyPolicy  string        `yaml:"host_key_policy" json:"host_key_policy" validate:"oneof=tofu strict pinned insecure"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// StorageConfig contains storage paths
type StorageConfig struct {
	ConfigDir string `yaml:"config_dir" json:"config_dir"`
	DataDir   string `yaml:"data_dir" json:"data_dir"`
	BackupDir string `yaml:"backup_dir" json:"backup_dir"`
	MirrorDir string `yaml:"mirror_dir" json:"mirror_dir"`
	LockDir   string `yaml:"lock_dir" json:"lock_dir"`
}

// MetricsConfig controls the Prometheus textfile written after each run
type MetricsConfig struct {
	TextfileDir string `yaml:"textfile_dir" json:"textfile_dir"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	cfg := Default()

	configPath := GetConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalizeStoragePaths(configPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration. Log rotation keeps two 5 MB files.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "",
			MaxSize:    5,
			MaxBackups: 2,
			MaxAge:     0,
		},
		SSH: SSHConfig{
			KnownHostsPath: "./data/known_hosts",
			HostKeyPolicy:  "tofu",
			ConnectTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			ConfigDir: "./configs",
			DataDir:   "./data",
			BackupDir: "./data/backups",
		},
	}
}

func (c *Config) applyEnv() {
	if configDir := os.Getenv("CONFIG_DIR"); configDir != "" {
		c.Storage.ConfigDir = configDir
	}

	if backupDir := os.Getenv("BACKUP_DIR"); backupDir != "" {
		c.Storage.BackupDir = backupDir
	}

	if mirrorDir := os.Getenv("MIRROR_DIR"); mirrorDir != "" {
		c.Storage.MirrorDir = mirrorDir
	}

	if knownHostsPath := os.Getenv("KNOWN_HOSTS_PATH"); knownHostsPath != "" {
		c.SSH.KnownHostsPath = knownHostsPath
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}

	if logFile := os.Getenv("LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}
}

var validate = validator.New()

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.SSH.ConnectTimeout < 0 {
		return fmt.Errorf("ssh connect_timeout must not be negative")
	}

	if strings.TrimSpace(c.Storage.BackupDir) == "" {
		return fmt.Errorf("storage backup_dir is required")
	}

	return nil
}

func resolveConfigPath() string {
	candidates := []string{"../configs/config.yaml", "./configs/config.yaml"}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "./configs/config.yaml"
}

// GetConfigPath returns the resolved config path
func GetConfigPath() string {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = resolveConfigPath()
	}
	return configPath
}

func (c *Config) normalizeStoragePaths(configPath string) {
	baseDir := filepath.Dir(configPath)
	if !filepath.IsAbs(baseDir) {
		if absBase, err := filepath.Abs(baseDir); err == nil {
			baseDir = absBase
		}
	}

	rootDir := baseDir
	if filepath.Base(baseDir) == "configs" {
		rootDir = filepath.Dir(baseDir)
	}

	resolvePath := func(value string) string {
		trimmed := ExpandHome(strings.TrimSpace(value))
		if trimmed == "" {
			return ""
		}
		if filepath.IsAbs(trimmed) {
			return filepath.Clean(trimmed)
		}
		return filepath.Clean(filepath.Join(rootDir, trimmed))
	}

	configDir := c.Storage.ConfigDir
	if strings.TrimSpace(configDir) == "" {
		configDir = baseDir
	}
	c.Storage.ConfigDir = resolvePath(configDir)

	if strings.TrimSpace(c.Storage.DataDir) == "" {
		c.Storage.DataDir = filepath.Join(rootDir, "data")
	}
	c.Storage.DataDir = resolvePath(c.Storage.DataDir)

	if strings.TrimSpace(c.Storage.BackupDir) == "" {
		c.Storage.BackupDir = filepath.Join(c.Storage.DataDir, "backups")
	}
	c.Storage.BackupDir = resolvePath(c.Storage.BackupDir)

	c.Storage.MirrorDir = resolvePath(c.Storage.MirrorDir)

	if strings.TrimSpace(c.Storage.LockDir) == "" {
		c.Storage.LockDir = filepath.Join(c.Storage.DataDir, "locks")
	}
	c.Storage.LockDir = resolvePath(c.Storage.LockDir)

	if strings.TrimSpace(c.SSH.KnownHostsPath) == "" {
		c.SSH.KnownHostsPath = filepath.Join(c.Storage.DataDir, "known_hosts")
	}
	c.SSH.KnownHostsPath = resolvePath(c.SSH.KnownHostsPath)

	c.Metrics.TextfileDir = resolvePath(c.Metrics.TextfileDir)
	c.Logging.File = resolvePath(c.Logging.File)
}

// ExpandHome replaces a leading "~/" with the current user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
