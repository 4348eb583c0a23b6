package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	DaemonPort    int    `mapstructure:"daemon_port" validate:"min=1,max=65535"`
	RemotePort    int    `mapstructure:"remote_port" validate:"min=1,max=65535"`
	RemoteEnabled bool   `mapstructure:"remote_enabled"`
	StatePath     string `mapstructure:"state_path" validate:"required"`
	DBPath        string `mapstructure:"db_path" validate:"required"`

	MaxParallel         int           `mapstructure:"max_parallel" validate:"min=1,max=64"`
	SampleInterval      time.Duration `mapstructure:"sample_interval" validate:"gt=0"`
	RepollInterval      time.Duration `mapstructure:"repoll_interval" validate:"gt=0"`
	ChunkSize           int           `mapstructure:"chunk_size" validate:"min=4096"`
	BandwidthBudgetKbps float64       `mapstructure:"bandwidth_budget_kbps" validate:"gte=0"`
	CriticalDelay       time.Duration `mapstructure:"critical_delay" validate:"gte=0"`
	ThrottleDelay       time.Duration `mapstructure:"throttle_delay" validate:"gte=0"`
	CriticalProcesses   []string      `mapstructure:"critical_processes" validate:"dive,required"`

	IgnoreList    []string          `mapstructure:"ignore_list"`
	Schedules     map[string]string `mapstructure:"schedules"`
	ResumeOnStart bool              `mapstructure:"resume_on_start"`
	WatchSources  bool              `mapstructure:"watch_sources"`
}

var Default = Config{
	DaemonPort:          9001,
	RemotePort:          8989,
	RemoteEnabled:       true,
	StatePath:           "state.json",
	DBPath:              "backupd.db",
	MaxParallel:         4,
	SampleInterval:      time.Second,
	RepollInterval:      5 * time.Minute,
	ChunkSize:           1 << 20,
	BandwidthBudgetKbps: 2000,
	CriticalDelay:       time.Second,
	ThrottleDelay:       100 * time.Millisecond,
	CriticalProcesses:   []string{},
	IgnoreList:          []string{".DS_Store", "Thumbs.db", "*.tmp", "*.backupd.tmp"},
	Schedules:           map[string]string{},
	ResumeOnStart:       true,
	WatchSources:        true,
}

// Dir returns the directory holding the config file, state and history db.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home dir: %w", err)
	}

	return filepath.Join(home, ".backupd"), nil
}

func Load() (*Config, error) {
	configDir, err := Dir()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	return load(v, configDir)
}

// LoadFile reads the given config file; it must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return load(v, filepath.Dir(path))
}

func load(v *viper.Viper, baseDir string) (*Config, error) {
	setDefaults(v, baseDir)

	v.SetEnvPrefix("BACKUPD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := errors.AsType[viper.ConfigFileNotFoundError](err); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, baseDir string) {
	v.SetDefault("daemon_port", Default.DaemonPort)
	v.SetDefault("remote_port", Default.RemotePort)
	v.SetDefault("remote_enabled", Default.RemoteEnabled)
	v.SetDefault("state_path", filepath.Join(baseDir, Default.StatePath))
	v.SetDefault("db_path", filepath.Join(baseDir, Default.DBPath))
	v.SetDefault("max_parallel", Default.MaxParallel)
	v.SetDefault("sample_interval", Default.SampleInterval)
	v.SetDefault("repoll_interval", Default.RepollInterval)
	v.SetDefault("chunk_size", Default.ChunkSize)
	v.SetDefault("bandwidth_budget_kbps", Default.BandwidthBudgetKbps)
	v.SetDefault("critical_delay", Default.CriticalDelay)
	v.SetDefault("throttle_delay", Default.ThrottleDelay)
	v.SetDefault("critical_processes", Default.CriticalProcesses)
	v.SetDefault("ignore_list", Default.IgnoreList)
	v.SetDefault("schedules", Default.Schedules)
	v.SetDefault("resume_on_start", Default.ResumeOnStart)
	v.SetDefault("watch_sources", Default.WatchSources)
}

func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(cfg)
}
