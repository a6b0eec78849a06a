// Package config provides configuration management for gpuwatch.
// 这个包提供 gpuwatch 的配置管理
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	// DefaultConfigFile is the configuration file name inside the config directory.
	DefaultConfigFile = "gpuwatch.yaml"

	// ConfigDirEnv overrides the configuration directory.
	ConfigDirEnv = "GPUWATCH_CONFIG_DIR"

	// MinUpdateIntervalMs and MaxUpdateIntervalMs bound the refresh interval.
	MinUpdateIntervalMs = 100
	MaxUpdateIntervalMs = 99900
)

// Config is the main configuration structure.
type Config struct {
	// 界面选项
	UpdateIntervalMs        int            `mapstructure:"update_interval_ms" yaml:"update_interval_ms" json:"updateIntervalMs" validate:"min=100,max=99900"`
	UseColor                bool           `mapstructure:"use_color" yaml:"use_color" json:"useColor"`
	TemperatureInFahrenheit bool           `mapstructure:"temperature_in_fahrenheit" yaml:"temperature_in_fahrenheit" json:"temperatureInFahrenheit"`
	HidePlot                bool           `mapstructure:"hide_plot" yaml:"hide_plot" json:"hidePlot"`
	HideProcesses           bool           `mapstructure:"hide_processes" yaml:"hide_processes" json:"hideProcesses"`
	PlotLeftToRight         bool           `mapstructure:"plot_left_to_right" yaml:"plot_left_to_right" json:"plotLeftToRight"`
	EncodeDecodeHideSeconds float64        `mapstructure:"encode_decode_hide_seconds" yaml:"encode_decode_hide_seconds" json:"encodeDecodeHideSeconds" validate:"gte=0"`
	ShowGPUInfoBar          bool           `mapstructure:"show_gpu_info_bar" yaml:"show_gpu_info_bar" json:"showGpuInfoBar"`
	ShowStartupMessages     bool           `mapstructure:"show_startup_messages" yaml:"show_startup_messages" json:"showStartupMessages"`
	HistorySize             int            `mapstructure:"history_size" yaml:"history_size" json:"historySize" validate:"min=1,max=100000"`
	EscapeQuits             bool           `mapstructure:"escape_quits" yaml:"escape_quits" json:"escapeQuits"`
	Devices                 []DeviceConfig `mapstructure:"devices" yaml:"devices" json:"devices" validate:"dive"`

	Log    LogConfig    `mapstructure:"log" yaml:"log" json:"log"`
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// DeviceConfig holds per-device options, keyed by PCI bus id.
type DeviceConfig struct {
	PDev      string `mapstructure:"pdev" yaml:"pdev" json:"pdev" validate:"required"`
	Monitored bool   `mapstructure:"monitored" yaml:"monitored" json:"monitored"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`                                                      // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format" json:"format" validate:"omitempty,oneof=json text"`              // json, text
	Output     string `mapstructure:"output" yaml:"output" json:"output" validate:"omitempty,oneof=stdout stderr file both"` // stdout, stderr, file, both
	Directory  string `mapstructure:"directory" yaml:"directory" json:"directory"`                                          // log directory
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize" validate:"gte=0"`                             // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups" validate:"gte=0"`                    // number of backup files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge" validate:"gte=0"`                                // days
}

// ServerConfig contains the optional HTTP publisher configuration.
type ServerConfig struct {
	// Listen is the host:port to serve on; empty disables the server.
	Listen string `mapstructure:"listen" yaml:"listen" json:"listen" validate:"omitempty,hostname_port"`
}

var validate = validator.New()

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		UpdateIntervalMs:        1000,
		UseColor:                true,
		EncodeDecodeHideSeconds: 30,
		ShowStartupMessages:     true,
		HistorySize:             600,
		EscapeQuits:             true,
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			Directory:  filepath.Join(GetConfigDir(), "logs"),
			MaxSize:    10, // 10MB
			MaxBackups: 3,
			MaxAge:     7, // 7 days
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describe(verrs[0])
		}
		return err
	}

	switch strings.ToUpper(c.Log.Level) {
	case "", "DEBUG", "INFO", "WARN", "WARNING", "ERROR", "FATAL":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if seen[d.PDev] {
			return fmt.Errorf("device %s listed twice", d.PDev)
		}
		seen[d.PDev] = true
	}

	return nil
}

func describe(fe validator.FieldError) error {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "min", "gte":
		return fmt.Errorf("%s must be at least %s (got %v)", field, fe.Param(), fe.Value())
	case "max":
		return fmt.Errorf("%s must be at most %s (got %v)", field, fe.Param(), fe.Value())
	case "oneof":
		return fmt.Errorf("%s must be one of [%s] (got %v)", field, fe.Param(), fe.Value())
	case "hostname_port":
		return fmt.Errorf("%s must be host:port (got %v)", field, fe.Value())
	default:
		return fmt.Errorf("%s is invalid", field)
	}
}

// Monitored reports whether the device is monitored. Devices not listed
// are monitored.
func (c *Config) Monitored(pdev string) bool {
	for _, d := range c.Devices {
		if d.PDev == pdev {
			return d.Monitored
		}
	}
	return true
}

// SetMonitored records the monitored flag of a device.
func (c *Config) SetMonitored(pdev string, monitored bool) {
	for i := range c.Devices {
		if c.Devices[i].PDev == pdev {
			c.Devices[i].Monitored = monitored
			return
		}
	}
	c.Devices = append(c.Devices, DeviceConfig{PDev: pdev, Monitored: monitored})
}

// ClampUpdateInterval brings ms into the supported refresh range.
func ClampUpdateInterval(ms int) int {
	if ms < MinUpdateIntervalMs {
		return MinUpdateIntervalMs
	}
	if ms > MaxUpdateIntervalMs {
		return MaxUpdateIntervalMs
	}
	return ms
}

// LoadDotEnv loads ./.env into the environment when it exists.
// Variables already set are left alone.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); err != nil {
		return nil
	}
	return godotenv.Load()
}

// ApplyEnv overrides configuration values from GPUWATCH_* variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("GPUWATCH_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GPUWATCH_LOG_OUTPUT"); v != "" {
		c.Log.Output = v
	}
	if v := os.Getenv("GPUWATCH_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("GPUWATCH_UPDATE_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.UpdateIntervalMs = ClampUpdateInterval(ms)
		}
	}
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gpuwatch")
	}
	return filepath.Join(".", ".gpuwatch")
}

// EnsureConfigDir ensures the configuration directory exists
func EnsureConfigDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return nil
}
