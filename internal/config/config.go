// Package config provides configuration loading from defaults, an optional
// YAML file and the environment for the sentinel daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the variable holding the YAML config path.
const EnvConfigFile = "SENTINEL_CONFIG"

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	s := os.Getenv(key)
	if strings.TrimSpace(s) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat returns the float for key, or defaultValue if unset/invalid.
func GetEnvFloat(key string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return b
}

// Config holds configuration for the sentinel daemon (used by cmd/sentinel).
type Config struct {
	WatchPaths  []string      `yaml:"watch_paths" validate:"required,min=1,dive,required"`
	BackupDir   string        `yaml:"backup_dir" validate:"required"`
	SignatureDB string        `yaml:"signature_db"`
	LogPath     string        `yaml:"log_path" validate:"required"`
	GuardWindow time.Duration `yaml:"guard_window" validate:"gte=0"`

	LargeFileThreshold   int64    `yaml:"large_file_threshold" validate:"gt=0"`
	ScoreThreshold       int      `yaml:"score_threshold" validate:"gte=1,lte=100"`
	ExecutableExtensions []string `yaml:"executable_extensions" validate:"dive,startswith=."`

	ProcessMonitor   bool          `yaml:"process_monitor"`
	ProcScanInterval time.Duration `yaml:"proc_scan_interval" validate:"gt=0"`
	CPUThreshold     float64       `yaml:"cpu_threshold" validate:"gt=0,lte=100"`
	ProcAllowList    []string      `yaml:"proc_allow_list"`

	HTTPAddr        string        `yaml:"http_addr" validate:"omitempty,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`
	LogFile   string `yaml:"log_file"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		BackupDir:            "backups",
		SignatureDB:          "signature_db.json",
		LogPath:              "sentinel_log.json",
		GuardWindow:          2 * time.Second,
		LargeFileThreshold:   100 << 20,
		ScoreThreshold:       70,
		ExecutableExtensions: []string{".exe", ".bat", ".cmd"},
		ProcessMonitor:       true,
		ProcScanInterval:     5 * time.Second,
		CPUThreshold:         50,
		HTTPAddr:             "127.0.0.1:9095",
		ShutdownTimeout:      10 * time.Second,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $SENTINEL_CONFIG when path is empty), then environment overrides. A .env
// file in the working directory is loaded first when present. The result is
// validated.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path == "" {
		path = GetEnv(EnvConfigFile, "")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.WatchPaths = GetEnvList("SENTINEL_WATCH_PATHS", c.WatchPaths)
	c.BackupDir = GetEnv("SENTINEL_BACKUP_DIR", c.BackupDir)
	c.SignatureDB = GetEnv("SENTINEL_SIGNATURE_DB", c.SignatureDB)
	c.LogPath = GetEnv("SENTINEL_LOG_PATH", c.LogPath)
	c.GuardWindow = GetEnvDuration("SENTINEL_GUARD_WINDOW", c.GuardWindow)

	c.LargeFileThreshold = int64(GetEnvInt("SENTINEL_LARGE_FILE_THRESHOLD", int(c.LargeFileThreshold)))
	c.ScoreThreshold = GetEnvInt("SENTINEL_SCORE_THRESHOLD", c.ScoreThreshold)
	c.ExecutableExtensions = GetEnvList("SENTINEL_EXECUTABLE_EXTENSIONS", c.ExecutableExtensions)

	c.ProcessMonitor = GetEnvBool("SENTINEL_PROCESS_MONITOR", c.ProcessMonitor)
	c.ProcScanInterval = GetEnvDuration("SENTINEL_PROC_SCAN_INTERVAL", c.ProcScanInterval)
	c.CPUThreshold = GetEnvFloat("SENTINEL_CPU_THRESHOLD", c.CPUThreshold)
	c.ProcAllowList = GetEnvList("SENTINEL_PROC_ALLOW_LIST", c.ProcAllowList)

	if v, ok := os.LookupEnv("SENTINEL_HTTP_ADDR"); ok {
		c.HTTPAddr = strings.TrimSpace(v)
	}
	c.ShutdownTimeout = GetEnvDuration("SENTINEL_SHUTDOWN_TIMEOUT", c.ShutdownTimeout)

	c.LogLevel = strings.ToLower(GetEnv("SENTINEL_LOG_LEVEL", c.LogLevel))
	c.LogFormat = strings.ToLower(GetEnv("SENTINEL_LOG_FORMAT", c.LogFormat))
	c.LogFile = GetEnv("SENTINEL_LOG_FILE", c.LogFile)
}

// Validate checks the configuration and reports every failing field.
func (c Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
