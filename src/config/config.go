package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvFileEnvVar = "TCP_CLICKER_ENV"

	DefaultControlHost      = "127.0.0.1"
	DefaultControlPort      = 8888
	DefaultConnectTimeout   = 5 * time.Second
	DefaultReadPoll         = time.Second
	DefaultClickInterval    = time.Second
	DefaultMatchThreshold   = 0.8
	DefaultADBPath          = "adb"
	DefaultLogFile          = "app.log"
	DefaultFallbackEncoding = "gbk"
	DefaultHotkeyStart      = "Ctrl+Alt+S"
	DefaultHotkeyStop       = "Ctrl+Alt+X"
	DefaultLockFile         = "tcp-clicker.lock"
)

type LoadOptions struct {
	EnvFileOverride   string
	TemplateOverride  string
	ThresholdOverride *float64
}

type Config struct {
	ControlHost    string
	ControlPort    int
	ConnectTimeout time.Duration
	ReadPoll       time.Duration
	ClickInterval  time.Duration

	MatchThreshold float64
	TemplatePath   string

	ADBPath    string
	ADBSerial  string
	DevicePort int

	LogFile             string
	FailLogDir          string
	LogFallbackEncoding string
	EnableFileLogging   bool

	HotkeyStart string
	HotkeyStop  string
	LockFile    string

	// EnvPath is the .env file that was loaded, if any.
	EnvPath string
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Load configuration from sources in priority order:
	// 1) explicit --env-file
	// 2) .env in the application (executable) directory
	// 3) TCP_CLICKER_ENV as a path to a config file
	envPath := strings.TrimSpace(opts.EnvFileOverride)
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envPath, err)
		}
	} else if envPath = resolveEnvPath(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	cfg := &Config{
		ControlHost:    getEnvWithDefault("CONTROL_HOST", DefaultControlHost),
		ControlPort:    getEnvInt("CONTROL_PORT", DefaultControlPort),
		ConnectTimeout: getEnvMillis("CONNECT_TIMEOUT_MS", DefaultConnectTimeout),
		ReadPoll:       getEnvMillis("READ_POLL_MS", DefaultReadPoll),
		ClickInterval:  getEnvMillis("CLICK_INTERVAL_MS", DefaultClickInterval),

		MatchThreshold: getEnvFloat("MATCH_THRESHOLD", DefaultMatchThreshold),
		TemplatePath:   strings.TrimSpace(os.Getenv("TEMPLATE_PATH")),

		ADBPath:    getEnvWithDefault("ADB_PATH", DefaultADBPath),
		ADBSerial:  strings.TrimSpace(os.Getenv("ADB_SERIAL")),
		DevicePort: getEnvInt("DEVICE_PORT", DefaultControlPort),

		LogFile:             getEnvWithDefault("LOG_FILE", DefaultLogFile),
		FailLogDir:          strings.TrimSpace(os.Getenv("FAIL_LOG_DIR")),
		LogFallbackEncoding: getEnvWithDefault("LOG_FALLBACK_ENCODING", DefaultFallbackEncoding),
		// The failure snapshot copies this file, so it is on unless disabled.
		EnableFileLogging: strings.ToLower(getEnvWithDefault("ENABLE_FILE_LOGGING", "true")) == "true",

		HotkeyStart: getEnvWithDefault("HOTKEY_START", DefaultHotkeyStart),
		HotkeyStop:  getEnvWithDefault("HOTKEY_STOP", DefaultHotkeyStop),
		LockFile:    getEnvWithDefault("LOCK_FILE", defaultLockPath()),

		EnvPath: envPath,
	}

	if override := strings.TrimSpace(opts.TemplateOverride); override != "" {
		cfg.TemplatePath = override
	}
	if opts.ThresholdOverride != nil {
		cfg.MatchThreshold = *opts.ThresholdOverride
	}

	return cfg, nil
}

// Addr is the control endpoint as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ControlHost, strconv.Itoa(c.ControlPort))
}

// Validate reports every out-of-range value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ControlPort < 1 || c.ControlPort > 65535 {
		errs = append(errs, fmt.Errorf("CONTROL_PORT out of range: %d", c.ControlPort))
	}
	if c.DevicePort < 1 || c.DevicePort > 65535 {
		errs = append(errs, fmt.Errorf("DEVICE_PORT out of range: %d", c.DevicePort))
	}
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		errs = append(errs, fmt.Errorf("MATCH_THRESHOLD must be between 0 and 1, got %v", c.MatchThreshold))
	}
	if c.ReadPoll <= 0 {
		errs = append(errs, errors.New("READ_POLL_MS must be positive"))
	}
	if c.ClickInterval <= 0 {
		errs = append(errs, errors.New("CLICK_INTERVAL_MS must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("CONNECT_TIMEOUT_MS must be positive"))
	}
	if c.ControlHost == "" {
		errs = append(errs, errors.New("CONTROL_HOST is empty"))
	}
	return errors.Join(errs...)
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}

	execDir := filepath.Dir(execPath)
	exeEnv := filepath.Join(execDir, ".env")
	if _, err := os.Stat(exeEnv); err == nil {
		return exeEnv
	}

	if alt := os.Getenv(EnvFileEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func defaultLockPath() string {
	return filepath.Join(os.TempDir(), DefaultLockFile)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvMillis reads a positive millisecond count.
func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}
